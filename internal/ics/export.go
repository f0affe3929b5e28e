package ics

import (
	"bytes"
	"io"
	"time"

	goical "github.com/emersion/go-ical"

	"trainsync/internal/model"
)

const exportProductID = "-//trainsync//training export//EN"

// ExportCalendar writes trainings as one VCALENDAR. All-day trainings are
// written as DATE values in loc; the rest as UTC DATE-TIMEs.
func ExportCalendar(w io.Writer, name string, trainings []model.Training, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	cal := goical.NewCalendar()
	cal.Props.SetText(goical.PropVersion, "2.0")
	cal.Props.SetText(goical.PropProductID, exportProductID)
	if name != "" {
		cal.Props.SetText("X-WR-CALNAME", name)
	}

	for _, tr := range trainings {
		ev := goical.NewEvent()
		ev.Props.SetText(goical.PropUID, tr.ID+"@trainsync")
		ev.Props.SetDateTime(goical.PropDateTimeStamp, tr.UpdatedAt.UTC())
		if tr.AllDay {
			ev.Props.SetDate(goical.PropDateTimeStart, tr.Start.In(loc))
			ev.Props.SetDate(goical.PropDateTimeEnd, tr.End.In(loc))
		} else {
			ev.Props.SetDateTime(goical.PropDateTimeStart, tr.Start.UTC())
			ev.Props.SetDateTime(goical.PropDateTimeEnd, tr.End.UTC())
		}
		ev.Props.SetText(goical.PropSummary, tr.Title)
		if tr.Description != "" {
			ev.Props.SetText(goical.PropDescription, tr.Description)
		}
		if tr.Location != "" {
			ev.Props.SetText(goical.PropLocation, tr.Location)
		}
		ev.Props.SetText(goical.PropStatus, tr.Status)
		cal.Children = append(cal.Children, ev.Component)
	}

	if len(cal.Children) == 0 {
		_, err := io.WriteString(w, emptyCalendar(exportProductID))
		return err
	}

	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(cal); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// emptyCalendar is written directly because the encoder rejects calendars
// without components.
func emptyCalendar(prodID string) string {
	return calendarMarker + "\r\nVERSION:2.0\r\nPRODID:" + prodID + "\r\nEND:VCALENDAR\r\n"
}
