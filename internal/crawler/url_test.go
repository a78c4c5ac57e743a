package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercase host", "https://Example.COM/Path", "https://example.com/Path"},
		{"default https port", "https://example.com:443/a", "https://example.com/a"},
		{"default http port", "http://example.com:80/a", "http://example.com/a"},
		{"fragment removed", "https://example.com/a#section", "https://example.com/a"},
		{"query sorted", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"empty path", "https://example.com", "https://example.com/"},
		{"non-default port kept", "https://example.com:8443/", "https://example.com:8443/"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestNormalizeURLFragmentOnlyDifferences(t *testing.T) {
	t.Parallel()

	base := "https://example.com/docs/page?x=1"
	for _, frag := range []string{"", "#", "#top", "#a/b/c", "#%20"} {
		got, err := NormalizeURL(base + frag)
		require.NoError(t, err)
		want, err := NormalizeURL(base)
		require.NoError(t, err)
		assert.Equal(t, want, got, "fragment %q", frag)
	}
}

func TestDiscoveryKeyStripsQuery(t *testing.T) {
	t.Parallel()

	got, err := DiscoveryKey("https://example.com/a?utm=1#frag")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", got)
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateURL("https://example.com/"))
	for _, bad := range []string{"ftp://example.com", "/relative", "https://", "::nope"} {
		err := ValidateURL(bad)
		require.Error(t, err, bad)
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestSameOrigin(t *testing.T) {
	t.Parallel()

	assert.True(t, SameOrigin("https://example.com/a", "https://EXAMPLE.com:443/b"))
	assert.False(t, SameOrigin("https://example.com/a", "http://example.com/a"))
	assert.False(t, SameOrigin("https://example.com/a", "https://other.com/a"))
	assert.False(t, SameOrigin("https://example.com/a", "not a url"))
}

func TestResolveReference(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://example.com/dir/page.html")
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/dir/other.html", ResolveReference(base, "other.html"))
	assert.Equal(t, "https://example.com/root", ResolveReference(base, "/root"))
	assert.Equal(t, "https://cdn.example.net/x.js", ResolveReference(base, "https://cdn.example.net/x.js"))
	assert.Empty(t, ResolveReference(base, "javascript:void(0)"))
	assert.Empty(t, ResolveReference(base, "mailto:a@example.com"))
	assert.Empty(t, ResolveReference(base, "  "))
	assert.Empty(t, ResolveReference(nil, "/relative"))
}
