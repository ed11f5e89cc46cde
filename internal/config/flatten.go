package config

import (
	"sort"
	"strings"

	"github.com/user/sdbus/internal/redact"
)

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"hub": {"listen": "127.0.0.1:52321"}} becomes
// {"hub.listen": "127.0.0.1:52321"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch child := v.(type) {
		case map[string]any:
			flatten(key, child, out)
		default:
			out[key] = v
		}
	}
}

// MaskSecrets returns a copy of the flat map with secret-looking values
// replaced by the redaction marker. The last key segment decides.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		leaf := k
		if i := strings.LastIndex(k, "."); i >= 0 {
			leaf = k[i+1:]
		}
		if s, ok := v.(string); ok && s != "" && redact.IsSecretKey(leaf) {
			out[k] = redact.Marker
			continue
		}
		out[k] = v
	}
	return out
}

// SortedKeys returns the keys of flat in lexical order.
func SortedKeys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
