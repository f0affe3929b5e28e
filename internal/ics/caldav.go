package ics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/url"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	appLog "trainsync/internal/log"
)

const caldavProductID = "-//trainsync//CalDAV export//EN"

// fetchCalDAV queries a CalDAV collection for events overlapping
// [src.From, src.To] and re-encodes them as one VCALENDAR document so the
// rest of the pipeline only ever deals with iCalendar text.
//
// caldavs://host/path maps to https://host with collection /path,
// caldav://host/path to plain http.
func (f *Fetcher) fetchCalDAV(ctx context.Context, src Source, feedURL string) (FetchResult, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return FetchResult{}, &InvalidURLError{URL: feedURL, Reason: err.Error()}
	}
	scheme := "https"
	if strings.EqualFold(u.Scheme, "caldav") {
		scheme = "http"
	}
	endpoint := scheme + "://" + u.Host
	collection := u.Path
	if collection == "" {
		collection = "/"
	}

	var httpClient webdav.HTTPClient = f.client
	if src.Username != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(f.client, src.Username, src.Password)
	}

	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return FetchResult{}, &FetchError{URL: feedURL, Err: err}
	}

	from, to := src.From, src.To
	if from.IsZero() || to.IsZero() {
		from = time.Now().AddDate(0, 0, -7)
		to = time.Now().AddDate(0, 4, 0)
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: from.UTC(),
				End:   to.UTC(),
			}},
		},
	}

	appLog.Info("caldav query start", "id", src.ID, "url", RedactURL(feedURL), "from", from, "to", to)

	objects, err := client.QueryCalendar(ctx, collection, query)
	if err != nil {
		return FetchResult{}, &FetchError{URL: feedURL, Err: err}
	}

	body, err := mergeCalendarObjects(objects)
	if err != nil {
		return FetchResult{}, &InvalidFeedError{URL: feedURL, Reason: "re-encode caldav objects: " + err.Error()}
	}

	appLog.Info("caldav query success", "id", src.ID, "url", RedactURL(feedURL), "objects", len(objects))

	return FetchResult{Source: src, URL: feedURL, Body: body}, nil
}

// mergeCalendarObjects concatenates the VEVENT children of all objects into
// a single calendar. VTIMEZONE blocks are dropped: TZID parameters are
// resolved by name when parsing. Events missing UID or DTSTAMP are repaired;
// events the encoder still rejects are logged and skipped.
func mergeCalendarObjects(objects []caldav.CalendarObject) ([]byte, error) {
	cal := newCalDAVCalendar()

	skipped := 0
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, child := range obj.Data.Children {
			if child.Name != goical.CompEvent {
				continue
			}
			repairEvent(child)
			if err := encodesAlone(child); err != nil {
				skipped++
				appLog.Warn("caldav event skipped", "path", obj.Path, "reason", err.Error())
				continue
			}
			cal.Children = append(cal.Children, child)
		}
	}
	if skipped > 0 {
		appLog.Info("caldav events skipped", "count", skipped)
	}

	if len(cal.Children) == 0 {
		return []byte(emptyCalendar(caldavProductID)), nil
	}

	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newCalDAVCalendar() *goical.Calendar {
	cal := goical.NewCalendar()
	cal.Props.SetText(goical.PropVersion, "2.0")
	cal.Props.SetText(goical.PropProductID, caldavProductID)
	return cal
}

// repairEvent fills the properties the encoder requires. The synthesized
// UID is derived from SUMMARY and DTSTART so it is stable across syncs.
func repairEvent(ev *goical.Component) {
	if p := ev.Props.Get(goical.PropUID); p == nil || strings.TrimSpace(p.Value) == "" {
		var summary, start string
		if p := ev.Props.Get(goical.PropSummary); p != nil {
			summary = p.Value
		}
		if p := ev.Props.Get(goical.PropDateTimeStart); p != nil {
			start = p.Value
		}
		sum := sha256.Sum256([]byte(summary + "|" + start))
		ev.Props.SetText(goical.PropUID, "gen-"+hex.EncodeToString(sum[:8]))
	}
	if ev.Props.Get(goical.PropDateTimeStamp) == nil {
		ev.Props.SetDateTime(goical.PropDateTimeStamp, time.Now().UTC())
	}
}

// encodesAlone reports whether ev can be encoded on its own.
func encodesAlone(ev *goical.Component) error {
	cal := newCalDAVCalendar()
	cal.Children = []*goical.Component{ev}
	return goical.NewEncoder(io.Discard).Encode(cal)
}
