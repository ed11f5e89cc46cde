// Package redact masks secret-looking values in environment-like maps
// before they are persisted or broadcast.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Marker replaces every masked value.
const Marker = "****"

var secretKey = regexp.MustCompile(`(?i)(KEY|TOKEN|SECRET|PASSWORD)$`)

// IsSecretKey reports whether values stored under key must be masked.
func IsSecretKey(key string) bool {
	return secretKey.MatchString(key)
}

// Mask returns a copy of m with secret values replaced by Marker. All other
// values are coerced to strings; nil becomes the empty string.
func Mask(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if IsSecretKey(k) {
			out[k] = Marker
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// MaskStrings is Mask for maps that already hold strings.
func MaskStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if IsSecretKey(k) {
			out[k] = Marker
		} else {
			out[k] = v
		}
	}
	return out
}

// Environ masks an os.Environ style KEY=VALUE list. Entries without "=" are
// kept with an empty value; later duplicates win.
func Environ(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		if k == "" {
			continue
		}
		m[k] = v
	}
	return MaskStrings(m)
}
