package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roach88/listsync/internal/model"
)

// marshalRow converts a list row to JSON TEXT for the change log.
// HTML escaping is disabled so names round-trip byte for byte.
func marshalRow(e model.Entity) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return "", fmt.Errorf("marshal row: %w", err)
	}
	// Encoder adds a trailing newline.
	return strings.TrimSpace(buf.String()), nil
}

func unmarshalRow(data string) (model.Entity, error) {
	var e model.Entity
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return model.Entity{}, fmt.Errorf("unmarshal row: %w", err)
	}
	return e, nil
}

// marshalMembers converts an audience to a sorted JSON array.
func marshalMembers(ids []string) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	data, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("marshal members: %w", err)
	}
	return string(data), nil
}

func unmarshalMembers(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal members: %w", err)
	}
	return ids, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
