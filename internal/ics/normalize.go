package ics

import (
	"net/url"
	"strings"
)

const googleCalendarHost = "calendar.google.com"

// NormalizeFeedURL validates a feed URL and rewrites known browser-facing
// calendar page URLs to their direct feed form.
//
//   - webcal:// and webcals:// become https://
//   - Google Calendar embed/share links become the public basic.ics feed
//   - Outlook published calendar.html pages become calendar.ics
//   - caldav:// and caldavs:// are kept; they are served by the CalDAV client
func NormalizeFeedURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &InvalidURLError{URL: raw, Reason: "empty"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", &InvalidURLError{URL: raw, Reason: err.Error()}
	}
	if !u.IsAbs() || u.Host == "" {
		return "", &InvalidURLError{URL: raw, Reason: "not an absolute URL"}
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		u.Scheme = strings.ToLower(u.Scheme)
	case "webcal", "webcals":
		u.Scheme = "https"
	case "caldav", "caldavs":
		u.Scheme = strings.ToLower(u.Scheme)
		return u.String(), nil
	default:
		return "", &InvalidURLError{URL: raw, Reason: "unsupported scheme " + u.Scheme}
	}

	if strings.EqualFold(u.Host, googleCalendarHost) {
		if feed, ok := googleFeedURL(u); ok {
			return feed, nil
		}
	}

	if strings.HasPrefix(strings.ToLower(u.Host), "outlook.") && strings.Contains(u.Path, "/calendar/published/") {
		if strings.HasSuffix(u.Path, "/calendar.html") || strings.HasSuffix(u.Path, "/reachcalendar.html") {
			u.Path = strings.TrimSuffix(u.Path, ".html") + ".ics"
			u.RawPath = ""
		}
	}

	return u.String(), nil
}

// googleFeedURL maps Google Calendar page URLs (embed?src=, r?cid=, ?cid=)
// to https://calendar.google.com/calendar/ical/<id>/public/basic.ics.
func googleFeedURL(u *url.URL) (string, bool) {
	if strings.HasPrefix(u.Path, "/calendar/ical/") {
		return u.String(), true
	}

	q := u.Query()
	id := q.Get("src")
	if id == "" {
		id = q.Get("cid")
	}
	if id == "" {
		return "", false
	}

	return "https://" + googleCalendarHost + "/calendar/ical/" + url.PathEscape(id) + "/public/basic.ics", true
}

// IsCalDAV reports whether the feed is served over CalDAV instead of plain HTTP.
func IsCalDAV(feedURL string) bool {
	l := strings.ToLower(feedURL)
	return strings.HasPrefix(l, "caldav://") || strings.HasPrefix(l, "caldavs://")
}

// RedactURL hides sensitive parts of a feed URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if at := strings.LastIndex(strings.SplitN(rest, "/", 2)[0], "@"); at != -1 {
		// Drop userinfo.
		rest = rest[at+1:]
	}
	if j := strings.IndexAny(rest, "/?#"); j != -1 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + redactedSuffix
}
