// Package cot implements the Cursor-on-Target XML event codec: parsing a
// single event document, emitting one, and extracting complete events from
// a concatenated byte stream.
package cot

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sentinel error kinds, classified via errors.Is.
var (
	ErrBadFormat = errors.New("cot: bad format")
	ErrBadNumber = errors.New("cot: bad number")
	ErrBadTime   = errors.New("cot: bad time")
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// tzOffset matches a trailing "Z" or "+HH:MM"/"-HH:MM" timezone offset, the
// only forms RFC3339 accepts. A time attribute missing one is a format
// violation, not a value CoT happens to find unparseable.
var tzOffset = regexp.MustCompile(`(Z|[+-]\d{2}:\d{2})$`)

// Point is the location carried by a CoT event.
type Point struct {
	Lat float64
	Lon float64
	Hae float64
	Ce  float64
	Le  float64
}

// Event is an immutable CoT record. Zero value is not meaningful; build one
// with New or Decode.
type Event struct {
	UID    string
	Type   string
	How    string
	Time   time.Time
	Start  time.Time
	Stale  time.Time
	Point  Point
	Detail string // raw inner XML between <detail> and </detail>, empty if absent
}

// New builds an event with how defaulted to "m-g" and stale = start + dur.
func New(uid, typ string, start time.Time, dur time.Duration, pt Point) Event {
	return Event{
		UID:   uid,
		Type:  typ,
		How:   "m-g",
		Time:  start,
		Start: start,
		Stale: start.Add(dur),
		Point: pt,
	}
}

// eventXML mirrors the wire shape with string attributes so that time and
// float parsing can be driven explicitly (and classified into BadTime /
// BadNumber) rather than relying on encoding/xml's own conversions.
type eventXML struct {
	XMLName xml.Name   `xml:"event"`
	Version string     `xml:"version,attr"`
	UID     string     `xml:"uid,attr"`
	Type    string     `xml:"type,attr"`
	How     string     `xml:"how,attr"`
	Time    string     `xml:"time,attr"`
	Start   string     `xml:"start,attr"`
	Stale   string     `xml:"stale,attr"`
	Point   pointXML   `xml:"point"`
	Detail  *detailXML `xml:"detail"`
}

type pointXML struct {
	Lat string `xml:"lat,attr"`
	Lon string `xml:"lon,attr"`
	Hae string `xml:"hae,attr"`
	Ce  string `xml:"ce,attr"`
	Le  string `xml:"le,attr"`
}

type detailXML struct {
	Inner []byte `xml:",innerxml"`
}

// Decode parses a single complete CoT event document.
func Decode(raw []byte) (Event, error) {
	var ex eventXML
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Entity = nil // never resolve external/custom entities
	if err := dec.Decode(&ex); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if ex.UID == "" {
		return Event{}, fmt.Errorf("%w: missing uid", ErrBadFormat)
	}
	t, err := parseTime(ex.Time)
	if err != nil {
		return Event{}, err
	}
	start, err := parseTime(ex.Start)
	if err != nil {
		return Event{}, err
	}
	stale, err := parseTime(ex.Stale)
	if err != nil {
		return Event{}, err
	}
	pt, err := parsePoint(ex.Point)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		UID:   ex.UID,
		Type:  ex.Type,
		How:   ex.How,
		Time:  t,
		Start: start,
		Stale: stale,
		Point: pt,
	}
	if ex.Detail != nil {
		ev.Detail = string(ex.Detail.Inner)
	}
	return ev, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty time", ErrBadFormat)
	}
	if !tzOffset.MatchString(s) {
		return time.Time{}, fmt.Errorf("%w: missing timezone offset in %q", ErrBadFormat, s)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadTime, err)
	}
	return t.UTC(), nil
}

func parsePoint(p pointXML) (Point, error) {
	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return Point{}, fmt.Errorf("%w: lat %v", ErrBadNumber, err)
	}
	lon, err := strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return Point{}, fmt.Errorf("%w: lon %v", ErrBadNumber, err)
	}
	hae, err := strconv.ParseFloat(p.Hae, 64)
	if err != nil {
		return Point{}, fmt.Errorf("%w: hae %v", ErrBadNumber, err)
	}
	ce, err := strconv.ParseFloat(p.Ce, 64)
	if err != nil {
		return Point{}, fmt.Errorf("%w: ce %v", ErrBadNumber, err)
	}
	le, err := strconv.ParseFloat(p.Le, 64)
	if err != nil {
		return Point{}, fmt.Errorf("%w: le %v", ErrBadNumber, err)
	}
	return Point{Lat: lat, Lon: lon, Hae: hae, Ce: ce, Le: le}, nil
}

// Encode produces a single XML document for ev: prolog, self-closing point,
// and optional detail with its raw inner substring preserved verbatim.
func Encode(ev Event) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<event version="2.0" uid="`)
	xml.EscapeText(&b, []byte(ev.UID))
	b.WriteString(`" type="`)
	xml.EscapeText(&b, []byte(ev.Type))
	b.WriteString(`" how="`)
	xml.EscapeText(&b, []byte(ev.How))
	b.WriteString(`" time="`)
	b.WriteString(ev.Time.UTC().Format(timeLayout))
	b.WriteString(`" start="`)
	b.WriteString(ev.Start.UTC().Format(timeLayout))
	b.WriteString(`" stale="`)
	b.WriteString(ev.Stale.UTC().Format(timeLayout))
	b.WriteString(`">`)
	fmt.Fprintf(&b, `<point lat="%s" lon="%s" hae="%s" ce="%s" le="%s" />`,
		formatFloat(ev.Point.Lat), formatFloat(ev.Point.Lon), formatFloat(ev.Point.Hae),
		formatFloat(ev.Point.Ce), formatFloat(ev.Point.Le))
	if ev.Detail != "" {
		b.WriteString(`<detail>`)
		b.WriteString(ev.Detail)
		b.WriteString(`</detail>`)
	}
	b.WriteString(`</event>`)
	return []byte(b.String())
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
