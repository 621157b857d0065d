package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
	"github.com/i474232898/air-quality-connectors/internal/common"
	"github.com/i474232898/air-quality-connectors/internal/config"
	"github.com/i474232898/air-quality-connectors/internal/transport"
)

const (
	insightQueryLayout = "2006-01-02T15:04:05"
	insightRowLayout   = "2006-01-02 15:04:05"

	// insightHalfWindow is the distance of the query start and end from the
	// selected time.
	insightHalfWindow = 3 * time.Minute
	insightStep       = 5 * time.Minute
)

// InsightClient talks to one deployment of the Insight monitoring API. The
// token is shared by every source built from the client.
type InsightClient struct {
	name  string
	src   config.InsightSource
	creds config.Credentials
	http  *transport.Client
	now   func() time.Time

	mu    sync.Mutex
	token string
}

// NewInsightClient creates a client for the named site (e.g. "chevron").
func NewInsightClient(name string, src config.InsightSource, creds config.Credentials, client *http.Client) *InsightClient {
	return &InsightClient{
		name:  name,
		src:   src,
		creds: creds,
		http:  transport.New("insight-"+name, client, transport.DefaultBackoff),
		now:   time.Now,
	}
}

// insightQuery is the JSON document sent in the "input" form field.
type insightQuery struct {
	DataStreams           []int  `json:"dataStreams"`
	SiteIDs               []int  `json:"siteIds"`
	Parameters            []int  `json:"parameters"`
	DurationID            int    `json:"durationId"`
	AggregateID           int    `json:"aggregateId"`
	POCs                  []int  `json:"pocs,omitempty"`
	PublicDataOnly        bool   `json:"publicDataOnly"`
	PrimaryDataOnly       bool   `json:"primaryDataOnly"`
	ValidDataOnly         bool   `json:"validDataOnly"`
	SelectedDateTime      string `json:"selectedDateTime"`
	StartDateTime         string `json:"startDateTime"`
	EndDateTime           string `json:"endDateTime"`
	IsUTC                 bool   `json:"isUtc"`
	OverwriteValue        *int   `json:"overwriteValue,omitempty"`
	OverwriteValueOpCodes []int  `json:"overwriteValueOpCodes,omitempty"`
	IsMulticolorSeries    bool   `json:"isMulticolorSeries,omitempty"`
}

type insightResponse struct {
	Error     bool             `json:"error"`
	Messages  []any            `json:"messages"`
	IsFailure bool             `json:"isFailure"`
	Data      []map[string]any `json:"data"`
	WindData  []map[string]any `json:"windData"`
}

// QueryWindow returns the selected, start and end times of a query issued at
// now. The selected time is shifted back by offset and start/end lie three
// minutes either side; all three are floored to five minutes.
func QueryWindow(now time.Time, offset time.Duration) (selected, start, end string) {
	sel := now.UTC().Add(-offset)
	floor := func(t time.Time) string {
		return t.Truncate(insightStep).Format(insightQueryLayout)
	}
	return floor(sel), floor(sel.Add(-insightHalfWindow)), floor(sel.Add(insightHalfWindow))
}

func (c *InsightClient) headers(req *http.Request) {
	if c.src.Origin != "" {
		req.Header.Set("Origin", c.src.Origin)
	}
	if c.src.Referer != "" {
		req.Header.Set("Referer", c.src.Referer)
	}
}

func (c *InsightClient) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	body := form.Encode()
	return c.http.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.src.BaseURL+path, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		c.headers(req)
		return req, nil
	})
}

// login exchanges the configured credentials for an opaque token. The API
// answers with either a bare JSON string or an object holding "token".
func (c *InsightClient) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.creds.Username)
	form.Set("password", c.creds.Password)

	resp, err := c.postForm(ctx, "/Auth/User/login", form)
	if err != nil {
		return "", fmt.Errorf("insight %s login: %w", c.name, err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return "", fmt.Errorf("insight %s login: decode: %w", c.name, err)
	}

	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		var obj struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("insight %s login: %w: unexpected token payload", c.name, airquality.ErrUpstreamProtocol)
		}
		token = obj.Token
	}
	if token == "" {
		return "", fmt.Errorf("insight %s login: %w", c.name, airquality.ErrAuthExpired)
	}
	return token, nil
}

func (c *InsightClient) currentToken(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && !refresh {
		return c.token, nil
	}
	token, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

// callWithReauth runs fn with the current token. Any failure other than a
// protocol error triggers one fresh login and a single retry whose result is
// returned as is.
func (c *InsightClient) callWithReauth(ctx context.Context, fn func(token string) error) error {
	token, err := c.currentToken(ctx, false)
	if err != nil {
		return err
	}
	err = fn(token)
	if err == nil || errors.Is(err, airquality.ErrUpstreamProtocol) || ctx.Err() != nil {
		return err
	}

	log.Printf("INFO: insight %s: call failed (%v), logging in again", c.name, err)
	if token, err = c.currentToken(ctx, true); err != nil {
		return err
	}
	return fn(token)
}

// filter posts one query to path and returns the decoded rows.
func (c *InsightClient) filter(ctx context.Context, path string, q insightQuery, requestType string, wind bool) ([]map[string]any, error) {
	input, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	err = c.callWithReauth(ctx, func(token string) error {
		form := url.Values{}
		form.Set("input", string(input))
		form.Set("token", token)
		form.Set("type", requestType)
		form.Set("fillMissingPoints", "false")

		resp, err := c.postForm(ctx, path, form)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var payload insightResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		if err := payload.failure(); err != nil {
			return err
		}
		rows = payload.Data
		if wind {
			rows = payload.WindData
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("insight %s %s: %w", c.name, path, err)
	}
	return rows, nil
}

// failure maps an in-band failure to an error. Messages about the token are
// reported as expired auth so that the caller logs in again.
func (p insightResponse) failure() error {
	if p.Error {
		msg := "request rejected"
		if len(p.Messages) > 0 {
			msg = common.String(p.Messages[0])
		}
		if common.HasAny(strings.ToLower(msg), "token", "expired", "unauthorized") {
			return fmt.Errorf("%w: %s", airquality.ErrAuthExpired, msg)
		}
		return fmt.Errorf("%w: %s", airquality.ErrUpstreamProtocol, msg)
	}
	if p.IsFailure {
		return fmt.Errorf("%w: the server responded with a failure", airquality.ErrUpstreamProtocol)
	}
	return nil
}

func (c *InsightClient) query(siteIDs, params []int, durationID int, offset time.Duration) insightQuery {
	selected, start, end := QueryWindow(c.now(), offset)
	return insightQuery{
		DataStreams:      []int{},
		SiteIDs:          siteIDs,
		Parameters:       params,
		DurationID:       durationID,
		SelectedDateTime: selected,
		StartDateTime:    start,
		EndDateTime:      end,
		IsUTC:            true,
	}
}

// InsightParameters fetches every configured parameter batch. Quality codes are
// recorded on the companion "_qc" feeds.
type InsightParameters struct {
	client *InsightClient
}

func NewInsightParameters(client *InsightClient) *InsightParameters {
	return &InsightParameters{client: client}
}

func (s *InsightParameters) Name() string {
	return "insight-" + s.client.name
}

func (s *InsightParameters) Reduction() airquality.Reduction {
	return airquality.Reduction{QCFeeds: true}
}

func (s *InsightParameters) Fetch(ctx context.Context) ([]airquality.Reading, error) {
	src := s.client.src
	var readings []airquality.Reading
	for _, batch := range src.ParameterBatches {
		q := s.client.query(src.SiteIDs, batch, src.DurationID, 0)
		rows, err := s.client.filter(ctx, "/data/filterAsJson", q, "defaultJson", false)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			r, ok := insightReading(row)
			if !ok {
				continue
			}
			r.Parameter = common.String(row["parameterName"])
			r.Value = common.ParseFloat(row["value"])
			r.Unit = common.String(row["unitName"])
			r.Raw = row
			readings = append(readings, r)
		}
	}
	log.Printf("DEBUG: %s: %d readings", s.Name(), len(readings))
	return readings, nil
}

// InsightWind fetches wind speed and direction and keeps only the strongest
// observation of the window.
type InsightWind struct {
	client *InsightClient
}

func NewInsightWind(client *InsightClient) *InsightWind {
	return &InsightWind{client: client}
}

func (s *InsightWind) Name() string {
	return "insight-" + s.client.name + "-wind"
}

func (s *InsightWind) Reduction() airquality.Reduction {
	return airquality.Reduction{MaxBy: s.client.src.Wind.GovernBy}
}

func (s *InsightWind) Fetch(ctx context.Context) ([]airquality.Reading, error) {
	w := s.client.src.Wind
	q := s.client.query(w.SiteIDs, w.Parameters, w.DurationID, w.Offset)
	q.POCs = w.POCs
	q.ValidDataOnly = w.ValidDataOnly
	if len(w.OverwriteOpCodes) > 0 {
		zero := 0
		q.OverwriteValue = &zero
		q.OverwriteValueOpCodes = w.OverwriteOpCodes
		q.IsMulticolorSeries = true
	}

	rows, err := s.client.filter(ctx, "/WindData/filterAsJson", q, w.RequestType, true)
	if err != nil {
		return nil, err
	}

	readings := make([]airquality.Reading, 0, 2*len(rows))
	for _, row := range rows {
		r, ok := insightReading(row)
		if !ok {
			continue
		}
		speed := r
		speed.Parameter = airquality.ParamWindSpeed
		speed.Value = common.ParseFloat(row["windSpeed"])
		speed.Unit = common.String(row["unitName"])
		speed.Raw = row

		direction := r
		direction.Parameter = airquality.ParamWindDirection
		direction.Value = common.ParseFloat(row["windDirection"])

		readings = append(readings, speed, direction)
	}
	log.Printf("DEBUG: %s: %d rows", s.Name(), len(rows))
	return readings, nil
}

// insightReading decodes the fields shared by data and wind rows. Rows with an
// unparsable timestamp are dropped.
func insightReading(row map[string]any) (airquality.Reading, bool) {
	ts, err := time.Parse(insightRowLayout, common.String(row["utc"]))
	if err != nil {
		log.Printf("DEBUG: insight: skipping row with bad utc %v: %v", row["utc"], err)
		return airquality.Reading{}, false
	}
	return airquality.Reading{
		SiteID:   common.String(row["siteId"]),
		SiteName: common.String(row["siteName"]),
		Lat:      common.ParseFloat(row["latitude"]),
		Lon:      common.ParseFloat(row["longitude"]),
		QCCode:   common.ParseNullInt(row["qcCode"]),
		Time:     ts,
	}, true
}
