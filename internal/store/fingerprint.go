package store

import (
	"encoding/json"
	"fmt"
)

// SortField is one entry of an ordered channel-list sort specification.
type SortField struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// Fingerprint derives the stable cache key for a channel-list query from its
// filter and sort values. Equal values produce equal keys independent of map
// iteration or key insertion order: encoding/json serializes map keys in
// sorted order at every nesting level, and the sort specification is an
// ordered slice.
func Fingerprint(filters map[string]any, sort []SortField) (string, error) {
	if sort == nil {
		sort = []SortField{}
	}
	if filters == nil {
		filters = map[string]any{}
	}
	encoded, err := json.Marshal(struct {
		Filters map[string]any `json:"filters"`
		Sort    []SortField    `json:"sort"`
	}{Filters: filters, Sort: sort})
	if err != nil {
		return "", fmt.Errorf("store: fingerprint encoding failed: %w", err)
	}
	return string(encoded), nil
}

// ChannelTypeFromFilters extracts the channel-type constraint from a filter
// value, supporting both the shorthand {"type": "messaging"} and the operator
// form {"type": {"$eq": "messaging"}}. Returns empty when the filter does not
// constrain the channel type.
func ChannelTypeFromFilters(filters map[string]any) string {
	raw, ok := filters["type"]
	if !ok {
		return ""
	}
	switch value := raw.(type) {
	case string:
		return value
	case map[string]any:
		if eq, ok := value["$eq"].(string); ok {
			return eq
		}
	}
	return ""
}
