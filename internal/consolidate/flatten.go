package consolidate

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/sells-group/docflow/internal/model"
)

// Flatten turns a nested payload (as decoded from JSON) into one result per
// leaf. Object keys join with "." and array elements use "[i]", so
// {"rooms":[{"area":12}]} yields "rooms[0].area". An object of the form
// {"value": v, "confidence": c} is a leaf carrying its own confidence;
// other leaves get defaultConfidence. Null leaves are skipped.
func Flatten(streamID, docID string, payload any, defaultConfidence float64, at time.Time) []model.StreamResult {
	var out []model.StreamResult
	var walk func(path string, v any)
	walk = func(path string, v any) {
		switch x := v.(type) {
		case nil:
			return
		case map[string]any:
			if val, conf, ok := leafWithConfidence(x); ok {
				if val != nil && path != "" {
					out = append(out, model.StreamResult{
						StreamID: streamID, DocumentID: docID, FieldPath: path,
						Value: val, Confidence: conf, Timestamp: at,
					})
				}
				return
			}
			keys := make([]string, 0, len(x))
			for k := range x {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(join(path, k), x[k])
			}
		case []any:
			for i, e := range x {
				walk(path+"["+strconv.Itoa(i)+"]", e)
			}
		default:
			if path == "" {
				return
			}
			out = append(out, model.StreamResult{
				StreamID: streamID, DocumentID: docID, FieldPath: path,
				Value: v, Confidence: defaultConfidence, Timestamp: at,
			})
		}
	}
	walk("", payload)
	return out
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// leafWithConfidence recognizes {"value": v, "confidence": c} objects.
func leafWithConfidence(m map[string]any) (any, float64, bool) {
	if len(m) != 2 {
		return nil, 0, false
	}
	val, okV := m["value"]
	raw, okC := m["confidence"]
	if !okV || !okC {
		return nil, 0, false
	}
	switch c := raw.(type) {
	case float64:
		return val, c, true
	case json.Number:
		f, err := c.Float64()
		return val, f, err == nil
	default:
		return nil, 0, false
	}
}
