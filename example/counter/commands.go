package counter

import "github.com/ryomak/aggstore"

// Increment asks a counter to advance its value by N (N >= 0; N == 0 is
// a legal no-op, per Store.Command's no-op handling). If ExpectedVersion
// is non-nil, the command is rejected with a concurrent-modification
// error unless the counter is currently at that version.
type Increment struct {
	Handle_          aggstore.Handle
	N                int
	ExpectedVersion_ *uint64
}

func (c Increment) Handle() aggstore.Handle  { return c.Handle_ }
func (c Increment) ExpectedVersion() *uint64 { return c.ExpectedVersion_ }

// StorableDetails returns the shape persisted in the command history;
// it drops ExpectedVersion_ since StoredCommand.Version already records
// the version the command was observed against.
func (c Increment) StorableDetails() any {
	return IncrementDetails{N: c.N}
}

// IncrementDetails is the StorableCommandDetails payload for Increment,
// registered in the Scheme's CommandDetailsCodecs so CommandHistory
// callers can decode it back to a typed value.
type IncrementDetails struct {
	N int `json:"n"`
}

func (IncrementDetails) EventType() string { return "counter.Increment" }

var _ aggstore.Command = Increment{}
