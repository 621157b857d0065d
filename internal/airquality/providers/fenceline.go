package providers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // fenceline timestamps are local time

	"github.com/PuerkitoBio/goquery"
	"github.com/guregu/null"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
	"github.com/i474232898/air-quality-connectors/internal/common"
	"github.com/i474232898/air-quality-connectors/internal/config"
	"github.com/i474232898/air-quality-connectors/internal/transport"
)

const fencelineTimeLayout = "2006_01_02 15:04:05"

// notDetected marks a chemical below the detection limit.
const notDetected = "ND"

var (
	weatherTitle = regexp.MustCompile(`Weather\s+Conditions`)
	systemTitles = map[string]*regexp.Regexp{
		"FTIR": regexp.MustCompile(`FTIR\s+Systems`),
		"UV":   regexp.MustCompile(`UV\s+Systems`),
		"TDL":  regexp.MustCompile(`TDL\s+Systems`),
	}

	dateSeparators = regexp.MustCompile(`[\s.!?\-,/]+`)
	firstNumber    = regexp.MustCompile(`[0-9]+`)
)

// Weather cell ids and the channels they feed.
var weatherChannels = []struct{ element, channel string }{
	{"temp", "Temperature_F"},
	{"hum", "Humidity"},
	{"dew", "Dew_Point_F"},
	{"wspeed", "Wind_Speed_MPH"},
}

const windDirectionChannel = "Wind_Direction_degrees"

// Fenceline scrapes the Rodeo fenceline monitoring page: weather for the north
// site and FTIR, UV and TDL chemical readings for both sites.
type Fenceline struct {
	src  config.FencelineSource
	loc  *time.Location
	http *transport.Client
}

// NewFenceline creates the source. It fails when the configured timezone is
// unknown.
func NewFenceline(src config.FencelineSource, client *http.Client) (*Fenceline, error) {
	loc, err := time.LoadLocation(src.Timezone)
	if err != nil {
		return nil, fmt.Errorf("fenceline timezone %q: %w", src.Timezone, err)
	}
	return &Fenceline{
		src:  src,
		loc:  loc,
		http: transport.New("fenceline-rodeo", client, transport.DefaultBackoff),
	}, nil
}

func (f *Fenceline) Name() string {
	return "fenceline-rodeo"
}

func (f *Fenceline) Reduction() airquality.Reduction {
	return airquality.Reduction{}
}

func (f *Fenceline) Fetch(ctx context.Context) ([]airquality.Reading, error) {
	resp, err := f.http.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, f.src.URL, nil)
		if err != nil {
			return nil, err
		}
		if f.src.Origin != "" {
			req.Header.Set("Origin", f.src.Origin)
		}
		if f.src.Referer != "" {
			req.Header.Set("Referer", f.src.Referer)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fenceline page: %w", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse fenceline page: %w", err)
	}
	return f.parse(doc)
}

func (f *Fenceline) parse(doc *goquery.Document) ([]airquality.Reading, error) {
	var readings []airquality.Reading

	weather := innermostTable(doc, weatherTitle)
	if weather == nil {
		return nil, fmt.Errorf("%w: fenceline weather table not found", airquality.ErrUpstreamProtocol)
	}
	ts, err := f.tableTime(weather, 0)
	if err != nil {
		return nil, fmt.Errorf("fenceline weather: %w", err)
	}
	readings = append(readings, f.weatherReadings(weather, ts)...)

	// System tables list the south site first, then north.
	sites := []struct {
		letter string
		column int
		site   config.FencelineSite
	}{
		{"n", 1, f.src.North},
		{"s", 0, f.src.South},
	}

	for _, site := range sites {
		for _, system := range []string{"FTIR", "UV", "TDL"} {
			table := innermostTable(doc, systemTitles[system])
			if table == nil {
				return nil, fmt.Errorf("%w: fenceline %s table not found", airquality.ErrUpstreamProtocol, system)
			}
			ts, err := f.tableTime(table, site.column)
			if err != nil {
				return nil, fmt.Errorf("fenceline %s %s: %w", system, site.site.ID, err)
			}
			for _, chem := range f.src.Chemicals {
				if chem.System != system {
					continue
				}
				element := fmt.Sprintf(chem.Element, site.letter)
				cell := doc.Find("#" + element).First()
				if cell.Length() == 0 {
					log.Printf("DEBUG: fenceline: element %s not on page", element)
					continue
				}
				text := strings.TrimSpace(cell.Text())
				if text == notDetected || text == "" {
					continue
				}
				value := common.ParseFloat(text)
				if !value.Valid {
					log.Printf("DEBUG: fenceline: unparsable %s value %q", element, text)
					continue
				}
				readings = append(readings, f.reading(site.site, system+"_"+chem.Name, value, ts, element, text))
			}
		}
	}
	return readings, nil
}

func (f *Fenceline) weatherReadings(table *goquery.Selection, ts time.Time) []airquality.Reading {
	var readings []airquality.Reading
	for _, wc := range weatherChannels {
		cell := table.Find("#" + wc.element).First()
		if cell.Length() == 0 {
			continue
		}
		text := strings.TrimSpace(cell.Text())
		value := common.ParseFloat(text)
		if !value.Valid {
			continue
		}
		readings = append(readings, f.reading(f.src.North, wc.channel, value, ts, wc.element, text))
	}

	// Direction is rendered like "SW 225°"; only the degrees are kept.
	if cell := table.Find("#wdir").First(); cell.Length() > 0 {
		text := strings.TrimSpace(cell.Text())
		if m := firstNumber.FindString(text); m != "" {
			readings = append(readings, f.reading(f.src.North, windDirectionChannel, common.ParseFloat(m), ts, "wdir", text))
		}
	}
	return readings
}

func (f *Fenceline) reading(site config.FencelineSite, channel string, value null.Float, ts time.Time, element, text string) airquality.Reading {
	return airquality.Reading{
		SiteID:    site.ID,
		SiteName:  site.Name,
		Lat:       null.FloatFrom(site.Lat),
		Lon:       null.FloatFrom(site.Lon),
		Parameter: channel,
		Value:     value,
		Time:      ts.UTC(),
		Raw:       map[string]any{"element": element, "value": text},
	}
}

// tableTime reads the Date and Time rows of table; column selects the value
// cell after the row label.
func (f *Fenceline) tableTime(table *goquery.Selection, column int) (time.Time, error) {
	date, ok := rowValue(table, "Date", column)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: date row missing", airquality.ErrUpstreamProtocol)
	}
	clock, ok := rowValue(table, "Time", column)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: time row missing", airquality.ErrUpstreamProtocol)
	}
	date = dateSeparators.ReplaceAllString(date, "_")
	ts, err := time.ParseInLocation(fencelineTimeLayout, date+" "+clock, f.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", airquality.ErrUpstreamProtocol, err)
	}
	return ts, nil
}

// rowValue returns the column-th value cell of the row labelled label.
func rowValue(table *goquery.Selection, label string, column int) (string, bool) {
	var (
		value string
		found bool
	)
	table.Find("tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		cells := tr.ChildrenFiltered("td, th")
		if cells.Length() < column+2 || strings.TrimSpace(cells.First().Text()) != label {
			return true
		}
		value = strings.TrimSpace(cells.Eq(column + 1).Text())
		found = true
		return false
	})
	return value, found
}

// innermostTable returns the deepest table whose text matches title.
func innermostTable(doc *goquery.Document, title *regexp.Regexp) *goquery.Selection {
	matches := func(_ int, t *goquery.Selection) bool {
		return title.MatchString(t.Text())
	}
	found := doc.Find("table").FilterFunction(func(i int, t *goquery.Selection) bool {
		return matches(i, t) && t.Find("table").FilterFunction(matches).Length() == 0
	})
	if found.Length() == 0 {
		return nil
	}
	return found.First()
}
