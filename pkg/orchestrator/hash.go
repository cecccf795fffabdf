package orchestrator

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// EmptyConfigHash is the hash of a nil or empty launch configuration.
const EmptyConfigHash = "sha256:empty"

// HashConfig returns a deterministic hash of a launch configuration object.
// Map keys are sorted recursively before serialization so the hash is
// independent of insertion order. A nil or empty configuration hashes to
// EmptyConfigHash.
func HashConfig(config map[string]any) string {
	if len(config) == 0 {
		return EmptyConfigHash
	}
	var b strings.Builder
	writeCanonical(&b, config)
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("sha256:%x", sum)
}

// writeCanonical serializes a value with all nested map keys sorted.
// Scalars round-trip through encoding/json so 1 and 1.0 hash identically
// regardless of how the configuration was decoded.
func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONScalar(b, k)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		writeJSONScalar(b, val)
	}
}

func writeJSONScalar(b *strings.Builder, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		// Unmarshalable values (channels, funcs) never appear in decoded
		// configurations; fall back to the string form.
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(v)))
	}
	b.Write(data)
}
