package reconcile

import (
	"encoding/json"
	"sort"

	"github.com/picklr-io/reconcilr/internal/ir"
)

// Changes compares watched fields of the mirrored state against a freshly
// mapped payload. Fields compare equal when their JSON serializations match,
// so an int in the payload equals the float64 read back from persisted state.
func Changes(mirrored, payload map[string]any, watched []string) ir.Diff {
	if watched == nil {
		watched = make([]string, 0, len(payload))
		for k := range payload {
			watched = append(watched, k)
		}
		sort.Strings(watched)
	}

	diff := ir.Diff{}
	for _, field := range watched {
		before, hadBefore := mirrored[field]
		after, hasAfter := payload[field]
		if serialize(before) == serialize(after) {
			continue
		}

		action := "update"
		switch {
		case !hadBefore:
			action = "create"
		case !hasAfter:
			action = "delete"
		}
		diff[field] = &ir.PropertyDiff{Before: before, After: after, Action: action}
	}
	return diff
}

func serialize(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "!unserializable"
	}
	return string(data)
}
