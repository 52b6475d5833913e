package store

import (
	"fmt"

	"github.com/roach88/pushdash/internal/doc"
)

// marshalFields converts fields to canonical JSON TEXT for storage.
func marshalFields(fields doc.Object) (string, error) {
	if fields == nil {
		fields = doc.Object{}
	}
	data, err := doc.MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses a fields column.
func unmarshalFields(text string) (doc.Object, error) {
	var fields doc.Object
	if err := fields.UnmarshalJSON([]byte(text)); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return fields, nil
}
