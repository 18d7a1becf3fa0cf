package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/book-relay/internal/relay"
)

var downloadPathPattern = regexp.MustCompile(`/dl/([A-Za-z0-9]+)/([A-Za-z0-9]+)`)

// NormalizeQuery lower-cases the query and collapses whitespace. The result
// is both the cache key and the search term.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// parseSearchResults extracts z-bookcard elements. Cards without a download
// id and token are dropped.
func parseSearchResults(html string, base *url.URL) ([]relay.SearchResultRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse results html: %w", err)
	}
	records := make([]relay.SearchResultRecord, 0)
	doc.Find("z-bookcard").Each(func(_ int, card *goquery.Selection) {
		href := attr(card, "download")
		m := downloadPathPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		rec := relay.SearchResultRecord{
			ID:            attr(card, "id"),
			Title:         slotText(card, "title"),
			Author:        slotText(card, "author"),
			Extension:     strings.ToLower(attr(card, "extension")),
			SizeLabel:     attr(card, "filesize"),
			Language:      attr(card, "language"),
			Year:          attr(card, "year"),
			CoverURL:      coverURL(card, base),
			DownloadPath:  m[0],
			DownloadID:    m[1],
			DownloadToken: m[2],
		}
		if rec.ID == "" {
			rec.ID = rec.DownloadID
		}
		records = append(records, rec)
	})
	return records, nil
}

func attr(sel *goquery.Selection, name string) string {
	v, _ := sel.Attr(name)
	return strings.TrimSpace(v)
}

func slotText(card *goquery.Selection, slot string) string {
	return collapse(card.Find(`[slot="` + slot + `"]`).First().Text())
}

func coverURL(card *goquery.Selection, base *url.URL) string {
	img := card.Find("img").First()
	raw := attr(img, "data-src")
	if raw == "" {
		raw = attr(img, "src")
	}
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
