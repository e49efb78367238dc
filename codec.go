package aggstore

import (
	"encoding/json"
	"fmt"
)

// EventCodec defines how a payload of a single, known Go type is
// encoded to and decoded from the bytes persisted by a keystore.Store.
// A Scheme (scheme.go) holds one EventCodec per event/command-detail
// type name it needs to round-trip.
type EventCodec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

// JSONCodec is a generic EventCodec backed by encoding/json. It is the
// reference codec: the on-disk and PostgreSQL backends both store plain
// JSON payloads so an operator can inspect or hand-edit them during
// recovery (see keystore/disk's package doc).
func JSONCodec[T any]() EventCodec {
	return jsonCodec[T]{}
}

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec[T]) Decode(b []byte) (any, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("aggstore: failed to decode json into %T: %w", v, err)
	}
	return v, nil
}
