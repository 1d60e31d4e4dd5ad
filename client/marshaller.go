package client

import (
	"encoding/json"

	"github.com/huykn/localcached/types"
)

// Marshaller encodes structured values for SetValue and GetValue. Format is
// the tag stored alongside the bytes.
type Marshaller interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Format() types.ValueFormat
}

// JSONMarshaller is a marshaller that uses the standard JSON library.
type JSONMarshaller struct{}

// Marshal serializes a value to JSON.
func (jm *JSONMarshaller) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes a value from JSON.
func (jm *JSONMarshaller) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Format reports FormatJSON.
func (jm *JSONMarshaller) Format() types.ValueFormat {
	return types.FormatJSON
}

// NewJSONMarshaller creates a new JSON marshaller.
func NewJSONMarshaller() Marshaller {
	return &JSONMarshaller{}
}
