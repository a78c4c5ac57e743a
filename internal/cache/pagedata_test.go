package cache

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPageData(t *testing.T) {
	t.Parallel()

	pd, err := ExtractPageData(samplePage, "https://example.com/", nil)
	require.NoError(t, err)

	assert.Equal(t, "Example Domain", pd.Title)
	assert.Equal(t, "An example page", pd.MetaDescription)
	assert.Equal(t, "Hello", pd.H1)
	assert.True(t, pd.HasResponsiveMetaTag)
	assert.Equal(t, 1, pd.H1Count)
	assert.Equal(t, 1, pd.FormsCount)
	assert.Equal(t, "en", pd.HTMLLang)
	assert.Equal(t, "https://example.com/", pd.CanonicalURL)
	assert.Equal(t, []map[string]string{{"og:title": "Example"}}, pd.OpenGraphTags)
	assert.Equal(t, 2, pd.InternalLinks)
	assert.Equal(t, []string{
		"https://example.com/about",
		"https://example.com/contact#form",
		"https://other.example.org/",
	}, pd.Links)
	assert.Equal(t, "https://example.com/", pd.TestURL)
	assert.Equal(t, len(samplePage), pd.PageSize)
}

func TestExtractPageDataLastModified(t *testing.T) {
	t.Parallel()

	html := `<html><head><meta property="article:modified_time" content="2024-03-04T05:06:07Z"></head><body></body></html>`
	pd, err := ExtractPageData(html, "https://example.com/a", http.Header{"Last-Modified": {"Mon, 01 Jan 2024 00:00:00 GMT"}})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-04T05:06:07Z", pd.LastModified)

	pd, err = ExtractPageData(`<html><body>plain</body></html>`, "https://example.com/b", http.Header{"Last-Modified": {"Mon, 01 Jan 2024 00:00:00 GMT"}})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", pd.LastModified)
	assert.Equal(t, 1, pd.WordCount)
}

func TestDetectPricing(t *testing.T) {
	t.Parallel()

	p := DetectPricing(`<p>Call us</p>`, `<p>Now only £12.50</p>`)
	assert.True(t, p.JSDependent)

	p = DetectPricing(`<span itemprop="price">10</span>`, `<span itemprop="price">10</span>`)
	assert.True(t, p.InServedHTML)
	assert.False(t, p.JSDependent)

	p = DetectPricing(`<p>none</p>`, `<p>none</p>`)
	assert.False(t, p.InRenderedHTML)
}
