package pebbleq

import "encoding/json"

// Codec converts items to and from the stored byte representation.
type Codec[T any] interface {
	Encode(item T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec stores items as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(item T) ([]byte, error) {
	return json.Marshal(item)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var item T
	err := json.Unmarshal(data, &item)
	return item, err
}

// Bytes is the identity codec for raw payloads.
type Bytes struct{}

func (Bytes) Encode(item []byte) ([]byte, error) {
	return item, nil
}

func (Bytes) Decode(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}
