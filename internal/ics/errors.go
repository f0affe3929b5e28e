package ics

import (
	"fmt"
	"net/http"
)

// FetchError reports a transport failure or a non-2xx response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d %s", RedactURL(e.URL), e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("fetch %s: %v", RedactURL(e.URL), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// InvalidFeedError reports a body that is not an iCalendar document.
type InvalidFeedError struct {
	URL    string
	Reason string
}

func (e *InvalidFeedError) Error() string {
	return fmt.Sprintf("invalid calendar feed %s: %s", RedactURL(e.URL), e.Reason)
}

// ParseError reports ICS text the tokenizer could not read at all.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse calendar: " + e.Err.Error() }

func (e *ParseError) Unwrap() error { return e.Err }

// InvalidURLError reports a feed URL rejected before any network work.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid feed url %q: %s", RedactURL(e.URL), e.Reason)
}
