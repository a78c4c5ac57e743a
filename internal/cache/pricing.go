package cache

import (
	"regexp"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$\s*\d+(?:[.,]\d{2})?`),
	regexp.MustCompile(`£\s*\d+(?:[.,]\d{2})?`),
	regexp.MustCompile(`€\s*\d+(?:[.,]\d{2})?`),
	regexp.MustCompile(`(?i)\d+(?:[.,]\d{2})?\s*(?:USD|GBP|EUR)`),
	regexp.MustCompile(`(?i)<[^>]*class="[^"]*price[^"]*"`),
	regexp.MustCompile(`(?i)<[^>]*itemprop="price"`),
	regexp.MustCompile(`(?i)"price":\s*"\d+`),
	regexp.MustCompile(`(?i)data-price="`),
}

// DetectPricing reports where price-like content appears. Pricing that is
// only present after rendering is invisible to non-rendering agents.
func DetectPricing(served, rendered string) crawler.Pricing {
	p := crawler.Pricing{
		InServedHTML:   hasPrice(served),
		InRenderedHTML: hasPrice(rendered),
	}
	p.JSDependent = !p.InServedHTML && p.InRenderedHTML
	return p
}

func hasPrice(html string) bool {
	for _, re := range pricePatterns {
		if re.MatchString(html) {
			return true
		}
	}
	return false
}
