package utils

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveURL(t *testing.T) {
	base, err := url.Parse("https://example.com/docs/index.html")
	require.NoError(t, err)

	tests := []struct {
		ref  string
		want string
	}{
		{"/about", "https://example.com/about"},
		{"report.pdf", "https://example.com/docs/report.pdf"},
		{"https://other.com/x.pdf#page=2", "https://other.com/x.pdf"},
		{"../faq#top", "https://example.com/faq"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, ok := ResolveURL(base, tt.ref)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://example.com/A?b=1", NormalizeURL("HTTPS://Example.COM/A?b=1#frag"))
	assert.Equal(t, "http://example.com:8080/", NormalizeURL(" http://EXAMPLE.com:8080/ "))
}

func TestOriginAndHost(t *testing.T) {
	origin, ok := OriginOf("https://Example.com:8443/path?q=1")
	require.True(t, ok)
	assert.Equal(t, "https://example.com:8443", origin)

	_, ok = OriginOf("/relative")
	assert.False(t, ok)
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "report.pdf", BaseName("https://example.com/docs/report.pdf?dl=1"))
	assert.Equal(t, "", BaseName("https://example.com/docs/"))
	assert.Equal(t, "", BaseName("https://example.com"))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b_c.pdf", SanitizeFilename("a:b?c.pdf"))
	assert.Equal(t, "report.pdf", SanitizeFilename("report\x00.pdf"))
	assert.Len(t, SanitizeFilename(strings.Repeat("x", 300)), 255)
}
