package counter

import (
	"encoding/json"

	"github.com/ryomak/aggstore"
)

// Scheme returns the aggstore.Scheme for Counter, wiring its codecs and
// factory. Construct one Store per process from this, shared across all
// counter handles.
func Scheme() *aggstore.Scheme {
	return &aggstore.Scheme{
		Init: New,
		DecodeInitEvent: func(raw []byte) (aggstore.InitEvent, error) {
			var ie Created
			if err := json.Unmarshal(raw, &ie); err != nil {
				return nil, err
			}
			return ie, nil
		},
		EventCodecs: map[string]aggstore.EventCodec{
			"counter.Incremented": aggstore.JSONCodec[Incremented](),
		},
		EncodeEvent: func(e aggstore.Event) ([]byte, error) {
			return json.Marshal(e)
		},
		EncodeInitEvent: func(ie aggstore.InitEvent) ([]byte, error) {
			return json.Marshal(ie)
		},
		DecodeSnapshot: decodeSnapshot,
		EncodeSnapshot: encodeSnapshot,
		CommandDetailsCodecs: map[string]aggstore.EventCodec{
			"counter.Increment": aggstore.JSONCodec[IncrementDetails](),
		},
	}
}
