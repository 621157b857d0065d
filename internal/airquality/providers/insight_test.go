package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
	"github.com/i474232898/air-quality-connectors/internal/config"
)

// fakeInsight serves login and filter endpoints. respond decides the filter
// response for a given token and call number.
type fakeInsight struct {
	mu      sync.Mutex
	logins  int
	calls   int
	inputs  []map[string]any
	types   []string
	respond func(token string, call int, w http.ResponseWriter)
}

func (f *fakeInsight) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		require.NoError(t, r.ParseForm())

		switch r.URL.Path {
		case "/Auth/User/login":
			assert.Equal(t, "user", r.PostForm.Get("username"))
			assert.Equal(t, "pass", r.PostForm.Get("password"))
			assert.Equal(t, "https://example.org", r.Header.Get("Origin"))
			f.logins++
			if f.logins == 1 {
				_ = json.NewEncoder(w).Encode("tok1")
			} else {
				_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok2"})
			}
		case "/data/filterAsJson", "/WindData/filterAsJson":
			var input map[string]any
			require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("input")), &input))
			assert.Equal(t, "false", r.PostForm.Get("fillMissingPoints"))
			f.inputs = append(f.inputs, input)
			f.types = append(f.types, r.PostForm.Get("type"))
			f.calls++
			f.respond(r.PostForm.Get("token"), f.calls, w)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeRows(w http.ResponseWriter, key string, rows ...map[string]any) {
	_ = json.NewEncoder(w).Encode(map[string]any{key: rows})
}

func testInsightSource(baseURL string) config.InsightSource {
	return config.InsightSource{
		BaseURL:          baseURL,
		Origin:           "https://example.org",
		SiteIDs:          []int{46, 47},
		ParameterBatches: [][]int{{2, 9}, {40}},
		DurationID:       2,
		Wind: config.InsightWind{
			SiteIDs:          []int{46},
			Parameters:       []int{289, 24},
			DurationID:       2,
			RequestType:      "windDataJson",
			Offset:           time.Minute,
			POCs:             []int{1},
			ValidDataOnly:    true,
			OverwriteOpCodes: []int{74, 76},
			GovernBy:         airquality.ChannelWindSpeedMPH,
		},
	}
}

func newTestInsight(t *testing.T, f *fakeInsight) *InsightClient {
	srv := f.server(t)
	c := NewInsightClient("chevron", testInsightSource(srv.URL), config.Credentials{Username: "user", Password: "pass"}, srv.Client())
	c.now = func() time.Time { return time.Date(2024, 3, 1, 12, 7, 42, 0, time.UTC) }
	return c
}

func dataRow(site int, param string, value any, qc int) map[string]any {
	return map[string]any{
		"siteId":        site,
		"siteName":      "Point Richmond",
		"latitude":      "37.95",
		"longitude":     -122.37,
		"utc":           "2024-03-01 12:05:00",
		"parameterName": param,
		"qcCode":        qc,
		"value":         value,
		"unitName":      "ppb",
	}
}

func TestQueryWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 7, 42, 0, time.UTC)

	sel, start, end := QueryWindow(now, 0)
	assert.Equal(t, "2024-03-01T12:05:00", sel)
	assert.Equal(t, "2024-03-01T12:00:00", start)
	assert.Equal(t, "2024-03-01T12:10:00", end)

	sel, start, end = QueryWindow(now, time.Minute)
	assert.Equal(t, "2024-03-01T12:05:00", sel)
	assert.Equal(t, "2024-03-01T12:00:00", start)
	assert.Equal(t, "2024-03-01T12:05:00", end)
}

func TestInsightParametersFetch(t *testing.T) {
	f := &fakeInsight{}
	f.respond = func(token string, call int, w http.ResponseWriter) {
		assert.Equal(t, "tok1", token)
		if call == 1 {
			writeRows(w, "data", dataRow(46, "H2S", 1.5, 0), dataRow(46, "SO-2", nil, 9))
			return
		}
		benzene := dataRow(47, "Benzene", "0.2", 0)
		delete(benzene, "qcCode")
		writeRows(w, "data", benzene)
	}
	src := NewInsightParameters(newTestInsight(t, f))

	readings, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 3)
	assert.Equal(t, 1, f.logins)
	assert.Equal(t, "insight-chevron", src.Name())
	assert.True(t, src.Reduction().QCFeeds)

	assert.Equal(t, "46", readings[0].SiteID)
	assert.Equal(t, "H2S", readings[0].Parameter)
	assert.InDelta(t, 1.5, readings[0].Value.Float64, 1e-9)
	assert.InDelta(t, 37.95, readings[0].Lat.Float64, 1e-9)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC), readings[0].Time)
	assert.Equal(t, null.IntFrom(0), readings[0].QCCode)
	assert.Equal(t, null.IntFrom(9), readings[1].QCCode)
	assert.False(t, readings[1].Value.Valid)
	assert.InDelta(t, 0.2, readings[2].Value.Float64, 1e-9)
	assert.False(t, readings[2].QCCode.Valid, "missing qcCode stays null")

	require.Len(t, f.inputs, 2)
	assert.Equal(t, []any{2.0, 9.0}, f.inputs[0]["parameters"])
	assert.Equal(t, []any{40.0}, f.inputs[1]["parameters"])
	assert.Equal(t, []any{}, f.inputs[0]["dataStreams"])
	assert.Equal(t, "2024-03-01T12:05:00", f.inputs[0]["selectedDateTime"])
	assert.Equal(t, true, f.inputs[0]["isUtc"])
	assert.Equal(t, "defaultJson", f.types[0])
}

func TestInsightReauthenticatesOnce(t *testing.T) {
	f := &fakeInsight{}
	f.respond = func(token string, _ int, w http.ResponseWriter) {
		if token != "tok2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeRows(w, "data", dataRow(46, "H2S", 1.0, 0))
	}
	c := newTestInsight(t, f)
	c.src.ParameterBatches = [][]int{{2}}

	readings, err := NewInsightParameters(c).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, readings, 1)
	assert.Equal(t, 2, f.logins)
	assert.Equal(t, 2, f.calls)
}

func TestInsightExpiredTokenMessageReauthenticates(t *testing.T) {
	f := &fakeInsight{}
	f.respond = func(token string, _ int, w http.ResponseWriter) {
		if token == "tok1" {
			_ = json.NewEncoder(w).Encode(map[string]any{"error": true, "messages": []string{"Token has expired"}})
			return
		}
		writeRows(w, "data")
	}
	c := newTestInsight(t, f)
	c.src.ParameterBatches = [][]int{{2}}

	_, err := NewInsightParameters(c).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.logins)
}

func TestInsightProtocolErrorIsNotRetried(t *testing.T) {
	for name, body := range map[string]map[string]any{
		"error":     {"error": true, "messages": []string{"unknown site"}},
		"isFailure": {"isFailure": true},
	} {
		t.Run(name, func(t *testing.T) {
			f := &fakeInsight{}
			f.respond = func(_ string, _ int, w http.ResponseWriter) {
				_ = json.NewEncoder(w).Encode(body)
			}
			_, err := NewInsightParameters(newTestInsight(t, f)).Fetch(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, airquality.ErrUpstreamProtocol)
			assert.Equal(t, 1, f.logins)
			assert.Equal(t, 1, f.calls)
		})
	}
}

func TestInsightWindFetch(t *testing.T) {
	wind := func(utc string, speed any, unit string) map[string]any {
		return map[string]any{
			"siteId": 46, "siteName": "Point Richmond", "latitude": 37.95, "longitude": -122.37,
			"utc": utc, "qcCode": 0, "windSpeed": speed, "windDirection": 225, "unitName": unit,
		}
	}
	f := &fakeInsight{}
	f.respond = func(_ string, _ int, w http.ResponseWriter) {
		writeRows(w, "windData",
			wind("2024-03-01 12:01:00", 5.0, "mph"),
			wind("2024-03-01 12:02:00", 12.3, "mph"),
			wind("2024-03-01 12:03:00", 9.1, "mph"),
		)
	}
	src := NewInsightWind(newTestInsight(t, f))

	readings, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 6)
	assert.Equal(t, airquality.ParamWindSpeed, readings[0].Parameter)
	assert.Equal(t, "mph", readings[0].Unit)
	assert.NotNil(t, readings[0].Raw)
	assert.Equal(t, airquality.ParamWindDirection, readings[1].Parameter)
	assert.Nil(t, readings[1].Raw)

	require.Len(t, f.inputs, 1)
	assert.Equal(t, "windDataJson", f.types[0])
	assert.Equal(t, []any{74.0, 76.0}, f.inputs[0]["overwriteValueOpCodes"])
	assert.Equal(t, []any{1.0}, f.inputs[0]["pocs"])
	assert.Equal(t, true, f.inputs[0]["validDataOnly"])
	assert.Equal(t, "2024-03-01T12:05:00", f.inputs[0]["endDateTime"])

	red := src.Reduction()
	best, err := airquality.SelectMax(airquality.AggregateReadings(readings, red.QCFeeds), red.MaxBy)
	require.NoError(t, err)
	assert.Equal(t, 12.3, best.Record[airquality.ChannelWindSpeedMPH])
	assert.Equal(t, 225.0, best.Record[airquality.ParamWindDirection])
}
