package utils

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"
)

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// ResolveURL resolves ref against base and drops the fragment.
// It returns ok=false when either side cannot be parsed.
func ResolveURL(base *url.URL, ref string) (*url.URL, bool) {
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, false
	}
	abs := base.ResolveReference(refURL)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs, true
}

// NormalizeURL lowercases scheme and host and removes the fragment so the
// same resource always yields the same frontier key.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Origin returns scheme://host[:port] for u, defaulting the scheme to https.
func Origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + strings.ToLower(u.Host)
}

// OriginOf is Origin for a raw URL string.
func OriginOf(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	return Origin(u), true
}

// IsHTTP reports whether u is an absolute http(s) URL.
func IsHTTP(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// BaseName returns the last path segment of raw, or "" when the path is
// empty or ends in a slash.
func BaseName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	p := u.Path
	if p == "" || strings.HasSuffix(p, "/") {
		return ""
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// SanitizeFilename removes invalid characters from a filename
func SanitizeFilename(filename string) string {
	filename = invalidFilenameChars.ReplaceAllString(filename, "_")

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, filename)

	cleaned = strings.Trim(cleaned, " .")
	if len(cleaned) > 255 {
		cleaned = cleaned[:255]
	}
	return cleaned
}
