package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/guregu/null"
	"github.com/hashicorp/go-multierror"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
	"github.com/i474232898/air-quality-connectors/internal/common"
	"github.com/i474232898/air-quality-connectors/internal/transport"
)

// purpleAirFields maps device fields to channel names.
var purpleAirFields = []struct{ field, channel string }{
	{"PM2_5Value", "PM2_5"},
	{"RSSI", "RSSI"},
	{"Uptime", "Uptime"},
	{"humidity", "humidity"},
	{"pressure", "pressure"},
	{"temp_f", "temp_f"},
}

const statsPrefix = "stats_"

// PurpleAir reads the latest sample of a fixed list of PurpleAir sensors.
type PurpleAir struct {
	name    string
	baseURL string
	ids     []int
	http    *transport.Client
}

func NewPurpleAir(name, baseURL string, ids []int, client *http.Client) *PurpleAir {
	return &PurpleAir{
		name:    name,
		baseURL: baseURL,
		ids:     ids,
		http:    transport.New(name, client, transport.DefaultBackoff),
	}
}

func (p *PurpleAir) Name() string {
	return p.name
}

func (p *PurpleAir) Reduction() airquality.Reduction {
	return airquality.Reduction{}
}

// Fetch queries every sensor in turn. A sensor that cannot be fetched is
// logged and skipped; the source fails only when none could be fetched.
func (p *PurpleAir) Fetch(ctx context.Context) ([]airquality.Reading, error) {
	var (
		readings []airquality.Reading
		errs     *multierror.Error
		fetched  int
	)
	for _, id := range p.ids {
		devices, err := p.device(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("ERROR: %s: sensor %d: %v", p.name, id, err)
			errs = multierror.Append(errs, fmt.Errorf("sensor %d: %w", id, err))
			continue
		}
		fetched++
		for _, d := range devices {
			readings = append(readings, parsePurpleAirDevice(d)...)
		}
	}
	if fetched == 0 && errs != nil {
		return nil, errs.ErrorOrNil()
	}
	return readings, nil
}

func (p *PurpleAir) device(ctx context.Context, id int) ([]map[string]any, error) {
	u := p.baseURL + "?" + url.Values{"show": {strconv.Itoa(id)}}.Encode()
	resp, err := p.http.Do(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode results: %v", airquality.ErrUpstreamProtocol, err)
	}
	return payload.Results, nil
}

// parsePurpleAirDevice turns one result object into readings. Devices without
// parsable coordinates or without a Stats.lastModified time yield nothing.
func parsePurpleAirDevice(d map[string]any) []airquality.Reading {
	lat, lon := common.ParseFloat(d["Lat"]), common.ParseFloat(d["Lon"])
	if !lat.Valid || !lon.Valid {
		return nil
	}

	// Stats is a JSON document embedded in a string.
	var stats map[string]any
	if s, ok := d["Stats"].(string); ok {
		if err := json.Unmarshal([]byte(s), &stats); err != nil {
			stats = nil
		}
	}
	modified := common.ParseFloat(stats["lastModified"])
	if !modified.Valid {
		log.Printf("DEBUG: purpleair: sensor %v has no lastModified, skipping", d["ID"])
		return nil
	}

	base := airquality.Reading{
		SiteID:   common.String(d["ID"]),
		SiteName: common.String(d["Label"]),
		Lat:      lat,
		Lon:      lon,
		Time:     time.UnixMilli(int64(modified.Float64)).UTC(),
	}

	var readings []airquality.Reading
	add := func(channel string, value null.Float) {
		r := base
		r.Parameter = channel
		r.Value = value
		if len(readings) == 0 {
			r.Raw = d
		}
		readings = append(readings, r)
	}

	for _, f := range purpleAirFields {
		if v := common.ParseFloat(d[f.field]); v.Valid {
			add(f.channel, v)
		}
	}

	keys := make([]string, 0, len(stats))
	for k := range stats {
		if k != "lastModified" && k != "timeSinceModified" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(statsPrefix+k, common.ParseFloat(stats[k]))
	}
	return readings
}
