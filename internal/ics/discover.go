package ics

import (
	"bytes"

	"github.com/PuerkitoBio/goquery"
)

// feedSelectors are tried in order; the first resolvable href wins.
var feedSelectors = []string{
	`link[rel="alternate"][type="text/calendar"]`,
	`link[type="text/calendar"]`,
	`a[href^="webcal:"]`,
	`a[href^="webcals:"]`,
	`a[href$=".ics"]`,
	`a[href*=".ics?"]`,
}

// discoverFeedLink looks for an advertised iCalendar feed in an HTML page,
// e.g. a club website embedding its training calendar.
func discoverFeedLink(pageURL string, body []byte) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", false
	}

	for _, sel := range feedSelectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, ok := s.Attr("href")
			if !ok || href == "" {
				return true
			}
			if link, ok := resolveLink(pageURL, href); ok {
				found = link
				return false
			}
			return true
		})
		if found != "" {
			return found, true
		}
	}
	return "", false
}
