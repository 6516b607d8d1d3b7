package feed

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

type column int

const (
	colNone column = iota
	colTime
	colLat
	colLon
	colDepth
	colMag
	colPlace
	colThreat
)

// headerColumn maps a header cell to the field it carries. Order matters:
// "depth" and "magnitude" are checked before the looser substrings.
func headerColumn(text string) column {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case t == "":
		return colNone
	case strings.Contains(t, "depth"):
		return colDepth
	case strings.Contains(t, "mag"):
		return colMag
	case strings.HasPrefix(t, "lat"):
		return colLat
	case strings.HasPrefix(t, "lon"), strings.HasPrefix(t, "lng"):
		return colLon
	case strings.Contains(t, "time"), strings.Contains(t, "date"), strings.Contains(t, "utc"):
		return colTime
	case strings.Contains(t, "region"), strings.Contains(t, "place"), strings.Contains(t, "location"), strings.Contains(t, "area"):
		return colPlace
	case strings.Contains(t, "threat"), strings.Contains(t, "level"), strings.Contains(t, "warning"):
		return colThreat
	default:
		return colNone
	}
}

// parseHTML extracts events from the tables of a degraded HTML page. A
// table qualifies once a row names time, latitude, and longitude columns;
// subsequent rows with parseable values become events. Every event is
// marked degraded. A qualifying table with no usable rows yields no events;
// a page with no qualifying table is an error.
func parseHTML(src domain.Source, body []byte, logger *slog.Logger) ([]domain.Event, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var (
		events    []domain.Event
		qualified bool
	)
	for _, table := range findAll(doc, atom.Table) {
		var cols []column
		for _, row := range tableRows(table) {
			cells := rowCells(row)
			if cols == nil {
				if hdr := headerRow(cells); hdr != nil {
					cols = hdr
					qualified = true
				}
				continue
			}
			if ev, ok := htmlRowEvent(src, cols, cells); ok {
				events = append(events, ev)
			}
		}
	}
	if !qualified {
		return nil, ErrNoEventTable
	}
	logger.Debug("html fallback extracted events", "source_id", src.ID, "events", len(events))
	return events, nil
}

func headerRow(cells []string) []column {
	cols := make([]column, len(cells))
	var hasTime, hasLat, hasLon bool
	for i, c := range cells {
		cols[i] = headerColumn(c)
		switch cols[i] {
		case colTime:
			hasTime = true
		case colLat:
			hasLat = true
		case colLon:
			hasLon = true
		}
	}
	if !hasTime || !hasLat || !hasLon {
		return nil
	}
	return cols
}

func htmlRowEvent(src domain.Source, cols []column, cells []string) (domain.Event, bool) {
	var (
		ev             domain.Event
		hasLat, hasLon bool
	)
	for i, text := range cells {
		if i >= len(cols) {
			break
		}
		switch cols[i] {
		case colTime:
			if t, err := parseTime(text); err == nil {
				ev.Time = t
			}
		case colLat:
			ev.Coordinates.Lat, hasLat = parseNumber(text)
		case colLon:
			ev.Coordinates.Lon, hasLon = parseNumber(text)
		case colDepth:
			if v, ok := parseNumber(text); ok {
				ev.Coordinates.DepthKm = domain.Float(v)
			}
		case colMag:
			if v, ok := parseNumber(text); ok {
				ev.Magnitude = domain.Float(v)
			}
		case colPlace:
			ev.Location = text
		case colThreat:
			ev.Threat = text
		}
	}
	if ev.Time.IsZero() || !hasLat || !hasLon || !validCoords(ev.Coordinates.Lat, ev.Coordinates.Lon) {
		return domain.Event{}, false
	}
	ev.ID = eventID(src.ID, "", ev.Time, ev.Coordinates.Lat, ev.Coordinates.Lon)
	ev.SourceID = src.ID
	ev.Category = src.Category
	ev.Degraded = true
	return ev, true
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// tableRows returns the rows of table itself. Rows of tables nested inside
// its cells belong to those tables, which findAll visits separately.
func tableRows(table *html.Node) []*html.Node {
	var rows []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.DataAtom {
			case atom.Table:
				continue
			case atom.Tr:
				rows = append(rows, c)
				continue
			}
			walk(c)
		}
	}
	walk(table)
	return rows
}

func rowCells(tr *html.Node) []string {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
			cells = append(cells, strings.Join(strings.Fields(textContent(c)), " "))
		}
	}
	return cells
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
