package frontier

import (
	"net/url"
	"strings"
)

// Blocklist vetoes URLs unconditionally, independent of robots.txt.
// A token matches when it is a substring of the host or of the full URL.
type Blocklist []string

// NewBlocklist drops empty tokens.
func NewBlocklist(tokens []string) Blocklist {
	out := make(Blocklist, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Blocks reports whether rawURL hits any token.
func (b Blocklist) Blocks(rawURL string) bool {
	if len(b) == 0 {
		return false
	}
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	for _, token := range b {
		if strings.Contains(host, token) || strings.Contains(rawURL, token) {
			return true
		}
	}
	return false
}

// List returns a copy of the tokens.
func (b Blocklist) List() []string {
	return append([]string{}, b...)
}
