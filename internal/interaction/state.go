package interaction

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// DecodeState converts a state blob into target. A blob may be a typed value, a generic decoded
// JSON value or raw JSON bytes; all are normalised through JSON.
func DecodeState(state any, target any) error {
	if state == nil {
		return fmt.Errorf("interaction state: nil state")
	}
	var raw []byte
	switch typed := state.(type) {
	case []byte:
		raw = typed
	case json.RawMessage:
		raw = typed
	case string:
		raw = []byte(typed)
	default:
		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("interaction state: encode: %w", err)
		}
		raw = encoded
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("interaction state: decode: %w", err)
	}
	return nil
}
