package output

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// NormalizeJSONValue rewrites CBOR-decoded values so encoding/json accepts
// them: map keys become strings, tags become objects and byte strings are
// summarized.
func NormalizeJSONValue(value any) any {
	switch v := value.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			out[fmt.Sprint(key)] = NormalizeJSONValue(inner)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			out[key] = NormalizeJSONValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = NormalizeJSONValue(inner)
		}
		return out
	case cbor.Tag:
		return map[string]any{"tag": v.Number, "content": NormalizeJSONValue(v.Content)}
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(v))
	default:
		return v
	}
}
