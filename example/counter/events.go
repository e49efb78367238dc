package counter

import "github.com/ryomak/aggstore"

// Created is the init event: it establishes a counter's identity at
// version 0 with no further state.
type Created struct {
	Handle_ aggstore.Handle `json:"handle"`
}

func (e Created) Handle() aggstore.Handle { return e.Handle_ }

// Incremented records that the counter's value increased by one. Every
// Increment command of N produces N of these, one per unit, so that
// CommandHistory and the event log both show the exact step sequence
// rather than a single "+N" fact.
type Incremented struct {
	Handle_  aggstore.Handle `json:"handle"`
	Version_ uint64          `json:"version"`
}

func (e Incremented) Handle() aggstore.Handle { return e.Handle_ }
func (e Incremented) Version() uint64         { return e.Version_ }
func (Incremented) EventType() string         { return "counter.Incremented" }

var _ aggstore.InitEvent = Created{}
var _ aggstore.Event = Incremented{}
