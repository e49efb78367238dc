// Package counter is a minimal worked Aggregate: a counter that only
// ever increments. It exists to exercise every corner of aggstore.Store
// (init, commands producing multiple events, no-ops, snapshotting,
// optimistic concurrency, command history) with the least domain logic
// possible. The keystore compliance suite (keystore/keystoretest) does
// not use it; it has its own private fixture aggregate.
package counter

import (
	"encoding/json"

	"github.com/ryomak/aggstore"
)

// Counter is the aggregate root: its entire state is its current value.
type Counter struct {
	aggstore.Base
	value int
}

func (c *Counter) apply(e aggstore.Event) {
	switch e.(type) {
	case Incremented:
		c.value++
	}
}

// Value returns the counter's current value.
func (c *Counter) Value() int { return c.value }

// New constructs a fresh Counter from its init event, per aggstore.Factory.
func New(ie aggstore.InitEvent) (aggstore.Aggregate, error) {
	c := &Counter{}
	c.Init(ie.Handle(), c.apply)
	return c, nil
}

// ProcessCommand is pure: for Increment{N}, it produces N Incremented
// events with contiguous, 1-indexed versions starting at the current
// version plus one; N<=0 is a no-op (zero events, nil error).
func (c *Counter) ProcessCommand(cmd aggstore.Command) ([]aggstore.Event, error) {
	inc, ok := cmd.(Increment)
	if !ok {
		return nil, nil
	}
	if inc.N <= 0 {
		return nil, nil
	}

	events := make([]aggstore.Event, inc.N)
	v := c.Version()
	for i := 0; i < inc.N; i++ {
		events[i] = Incremented{Handle_: c.Handle(), Version_: v + 1 + uint64(i)}
	}
	return events, nil
}

// Clone returns an independent copy, rebinding the new copy's applier to
// its own receiver so subsequent Apply calls mutate the clone, not the
// original.
func (c *Counter) Clone() aggstore.Aggregate {
	clone := &Counter{Base: c.Base, value: c.value}
	clone.SetApplier(clone.apply)
	return clone
}

var _ aggstore.Aggregate = (*Counter)(nil)

// Snapshot is the persisted state shape for a Counter.
type Snapshot struct {
	Handle_ aggstore.Handle `json:"handle"`
	Version uint64          `json:"version"`
	Value   int             `json:"value"`
}

func encodeSnapshot(a aggstore.Aggregate) ([]byte, error) {
	c := a.(*Counter)
	return json.Marshal(Snapshot{Handle_: c.Handle(), Version: c.Version(), Value: c.value})
}

func decodeSnapshot(raw []byte) (aggstore.Aggregate, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	c := &Counter{value: snap.Value}
	c.Init(snap.Handle_, c.apply)
	c.SetVersion(snap.Version)
	return c, nil
}
