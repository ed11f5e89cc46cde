package types

import (
	"crypto/rand"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxSlugLength   = 40
	fallbackSlug    = "workspace"
	shortIDLength   = 5
	shortIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var slugUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Slugify folds s to ASCII and replaces every run of characters outside
// [a-zA-Z0-9._-] with a single dash. Empty results become "workspace".
func Slugify(s string) string {
	stripMarks := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	slug := slugUnsafe.ReplaceAllString(folded, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
	}
	if slug == "" {
		return fallbackSlug
	}
	return slug
}

// ShortID returns a random lowercase base36 string of five characters.
func ShortID() string {
	var buf [shortIDLength]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return strings.Repeat("0", shortIDLength)
	}
	for i, b := range buf {
		buf[i] = shortIDAlphabet[int(b)%len(shortIDAlphabet)]
	}
	return string(buf[:])
}

// DefaultSessionName derives a display name from the working directory,
// e.g. /home/me/NeuesProjekt becomes "NeuesProjekt-x7k2b".
func DefaultSessionName(cwd string) string {
	base := fallbackSlug
	if cwd != "" {
		base = filepath.Base(filepath.Clean(cwd))
	}
	return Slugify(base) + "-" + ShortID()
}
