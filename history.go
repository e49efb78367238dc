package aggstore

import "time"

// CommandHistoryCriteria filters a history query over an aggregate's
// stored commands. A zero-valued criteria selects everything.
type CommandHistoryCriteria struct {
	// After and Before, if non-zero, bound the command's Timestamp
	// (inclusive/exclusive respectively).
	After  time.Time
	Before time.Time

	// ErrorsOnly restricts results to commands whose outcome was an
	// error.
	ErrorsOnly bool

	// Offset skips the first Offset matching commands, walked in
	// ascending sequence order. An Offset beyond the total number of
	// matching commands is a CommandOffsetTooLargeError.
	Offset uint64

	// Limit caps the number of commands returned; 0 means unlimited.
	Limit uint64
}

// Matches reports whether a stored command satisfies the criteria,
// ignoring Offset/Limit (those are applied once across the full
// filtered set by the caller).
func (c CommandHistoryCriteria) Matches(sc StoredCommand) bool {
	if c.ErrorsOnly && sc.Success() {
		return false
	}
	if !c.After.IsZero() && sc.Timestamp.Before(c.After) {
		return false
	}
	if !c.Before.IsZero() && !sc.Timestamp.Before(c.Before) {
		return false
	}
	return true
}

// CommandHistory is the paginated result of a history query.
type CommandHistory struct {
	Commands []StoredCommand
	Total    uint64
}
