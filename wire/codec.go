package wire

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Codec Interface
// =============================================================================

// Codec converts task payloads to bytes and back when they cross a process
// boundary.
type Codec interface {
	// Marshal converts a Go value to bytes
	Marshal(v any) ([]byte, error)

	// Unmarshal converts bytes back to a Go value
	Unmarshal(data []byte, target any) error

	// Name returns the codec name (for debugging/logging)
	Name() string
}

// =============================================================================
// JSONCodec Implementation
// =============================================================================

// JSONCodec uses JSON encoding for payloads.
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (c *JSONCodec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal failed: %w", err)
	}

	return data, nil
}

func (c *JSONCodec) Unmarshal(data []byte, target any) error {
	if target == nil {
		return fmt.Errorf("unmarshal target cannot be nil")
	}

	if len(data) == 0 {
		return fmt.Errorf("data is empty")
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	return nil
}

func (c *JSONCodec) Name() string {
	return "json"
}
