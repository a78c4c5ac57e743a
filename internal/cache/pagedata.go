package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

// ExtractPageData parses html and collects the page metadata consumed by
// scoring, plus the absolute link table used for discovery.
func ExtractPageData(html, pageURL string, headers http.Header) (*crawler.PageData, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	pd := &crawler.PageData{
		Title:                strings.TrimSpace(doc.Find("title").First().Text()),
		MetaDescription:      doc.Find(`meta[name="description"]`).AttrOr("content", ""),
		H1:                   strings.TrimSpace(doc.Find("h1").First().Text()),
		WordCount:            len(strings.Fields(doc.Find("body").Text())),
		HasResponsiveMetaTag: doc.Find(`meta[name="viewport"]`).Length() > 0,
		Images:               []crawler.Image{},
		StructuredData:       []string{},
		OpenGraphTags:        []map[string]string{},
		TwitterTags:          []map[string]string{},
		H1Count:              doc.Find("h1").Length(),
		H2Count:              doc.Find("h2").Length(),
		H3Count:              doc.Find("h3").Length(),
		H4Count:              doc.Find("h4").Length(),
		H5Count:              doc.Find("h5").Length(),
		H6Count:              doc.Find("h6").Length(),
		ScriptsCount:         doc.Find("script").Length(),
		StylesheetsCount:     doc.Find(`link[rel="stylesheet"]`).Length(),
		HTMLLang:             doc.Find("html").AttrOr("lang", ""),
		CanonicalURL:         doc.Find(`link[rel="canonical"]`).AttrOr("href", ""),
		FormsCount:           doc.Find("form").Length(),
		TablesCount:          doc.Find("table").Length(),
		PageSize:             len(html),
		TestURL:              pageURL,
	}

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		pd.Images = append(pd.Images, crawler.Image{
			Src: s.AttrOr("src", ""),
			Alt: s.AttrOr("alt", ""),
		})
	})
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		pd.StructuredData = append(pd.StructuredData, s.Text())
	})
	doc.Find(`meta[property^="og:"]`).Each(func(_ int, s *goquery.Selection) {
		pd.OpenGraphTags = append(pd.OpenGraphTags, map[string]string{
			s.AttrOr("property", ""): s.AttrOr("content", ""),
		})
	})
	doc.Find(`meta[name^="twitter:"]`).Each(func(_ int, s *goquery.Selection) {
		pd.TwitterTags = append(pd.TwitterTags, map[string]string{
			s.AttrOr("name", ""): s.AttrOr("content", ""),
		})
	})

	pd.InternalLinks, pd.Links = linkTable(doc, base)
	pd.LastModified = lastModified(doc, headers)
	return pd, nil
}

// linkTable counts internal links and resolves every usable href to an
// absolute URL, deduplicated in document order.
func linkTable(doc *goquery.Document, base *url.URL) (int, []string) {
	var (
		internal int
		links    []string
		seen     = make(map[string]struct{})
	)
	origin, host := "", ""
	if base != nil && base.Host != "" {
		origin = base.Scheme + "://" + base.Host
		host = base.Host
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if isInternalHref(href, origin, host) {
			internal++
		}
		abs := crawler.ResolveReference(base, href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return internal, links
}

func isInternalHref(href, origin, host string) bool {
	for _, prefix := range []string{"/", "./", "../", "#"} {
		if strings.HasPrefix(href, prefix) {
			return true
		}
	}
	if origin != "" && strings.HasPrefix(href, origin) {
		return true
	}
	return host != "" && strings.HasPrefix(href, host)
}

// lastModified prefers in-document dates over the Last-Modified header.
func lastModified(doc *goquery.Document, headers http.Header) string {
	for _, sel := range []string{
		`meta[property="article:modified_time"]`,
		`meta[property="og:updated_time"]`,
		`time[itemprop="dateModified"]`,
	} {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		raw := s.AttrOr("content", "")
		if raw == "" {
			raw = s.AttrOr("datetime", strings.TrimSpace(s.Text()))
		}
		if t, ok := parseDate(strings.TrimSpace(raw)); ok {
			return t.Format(time.RFC3339)
		}
	}
	if headers != nil {
		if raw := headers.Get("Last-Modified"); raw != "" {
			if t, err := http.ParseTime(raw); err == nil {
				return t.UTC().Format(time.RFC3339)
			}
			return raw
		}
	}
	return ""
}
