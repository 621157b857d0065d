package airquality

import (
	"math"
	"testing"
	"time"

	"github.com/guregu/null"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)

func reading(site, param string, value float64, qc int, ts time.Time) Reading {
	return Reading{
		SiteID:    site,
		SiteName:  "Site " + site,
		Lat:       null.FloatFrom(37.95),
		Lon:       null.FloatFrom(-122.37),
		Parameter: param,
		Value:     null.FloatFrom(value),
		QCCode:    null.IntFrom(int64(qc)),
		Time:      ts,
		Raw:       param,
	}
}

func TestLocationID(t *testing.T) {
	lat, lon := null.FloatFrom(37.95), null.FloatFrom(-122.37)
	assert.Equal(t, "46_037950N122370W", LocationID("46", lat, lon))
	assert.Equal(t, LocationID("46", lat, lon), LocationID("46", lat, lon))
	assert.Equal(t, "7_033900S151200E", LocationID("7", null.FloatFrom(-33.9), null.FloatFrom(151.2)))

	// Within the 0.001 degree resolution two sites share a key.
	assert.Equal(t,
		LocationID("46", null.FloatFrom(37.9501), lon),
		LocationID("46", null.FloatFrom(37.9502), lon))
	assert.NotEqual(t,
		LocationID("46", null.FloatFrom(37.950), lon),
		LocationID("46", null.FloatFrom(37.952), lon))

	assert.Equal(t, "site_1", LocationID("site.1", null.Float{}, lon))
	assert.Equal(t, "46", LocationID("46", null.FloatFrom(math.NaN()), lon))
}

func TestFeedQC(t *testing.T) {
	f := FeedFor(reading("46", "H2S", 1, 0, t0))
	qc := f.QC()
	assert.Equal(t, f.ID+"_qc", qc.ID)
	assert.Equal(t, "Site 46_qc", qc.Name)
	assert.Equal(t, f.Lat, qc.Lat)
}

func TestAggregateReadingsGroupsByLocationAndTime(t *testing.T) {
	later := t0.Add(5 * time.Minute)
	groups := AggregateReadings([]Reading{
		reading("46", "H2S", 1.5, 0, t0),
		reading("47", "H2S", 2.5, 0, t0),
		reading("46", "SO-2", 3.5, 0, t0),
		reading("46", "H2S", 4.5, 0, later),
	}, false)

	require.Len(t, groups, 3)
	assert.Equal(t, "46_037950N122370W", groups[0].Feed.ID)
	assert.Equal(t, Record{ChannelTime: UnixSeconds(t0), "H2S": 1.5, "SO_2": 3.5}, groups[0].Record)
	assert.Equal(t, []any{"H2S", "SO-2"}, groups[0].Raw)
	assert.Equal(t, "47_037950N122370W", groups[1].Feed.ID)
	assert.Equal(t, later, groups[2].Time)
}

func TestAggregateReadingsQCFeeds(t *testing.T) {
	groups := AggregateReadings([]Reading{
		reading("46", "H2S", 1.5, 0, t0),
		reading("46", "Benzene", 99, QCInvalid, t0),
	}, true)

	require.Len(t, groups, 2)
	qc, primary := groups[0], groups[1]
	assert.Equal(t, "46_037950N122370W_qc", qc.Feed.ID)
	assert.Equal(t, Record{ChannelTime: UnixSeconds(t0), "H2S_qcCode": 0, "Benzene_qcCode": QCInvalid}, qc.Record)
	assert.Len(t, qc.Raw, 2)

	assert.Equal(t, "46_037950N122370W", primary.Feed.ID)
	assert.Equal(t, Record{ChannelTime: UnixSeconds(t0), "H2S": 1.5}, primary.Record)
	assert.NotContains(t, primary.Record, "Benzene")
}

func TestAggregateReadingsMissingQCCode(t *testing.T) {
	r := reading("46", "H2S", 1.5, 0, t0)
	r.QCCode = null.Int{}
	groups := AggregateReadings([]Reading{r}, true)

	require.Len(t, groups, 2)
	qc := groups[0].Record
	assert.Contains(t, qc, "H2S_qcCode")
	assert.Nil(t, qc["H2S_qcCode"])
	assert.Equal(t, 1.5, groups[1].Record["H2S"])
}

func TestAggregateReadingsDropsInvalidWithoutQCFeeds(t *testing.T) {
	groups := AggregateReadings([]Reading{reading("46", "H2S", 1.5, QCInvalid, t0)}, false)
	assert.Empty(t, groups)
}

func TestAggregateReadingsNullValue(t *testing.T) {
	r := reading("46", "H2S", 0, 0, t0)
	r.Value = null.Float{}
	groups := AggregateReadings([]Reading{r}, false)
	require.Len(t, groups, 1)
	assert.Contains(t, groups[0].Record, "H2S")
	assert.Nil(t, groups[0].Record["H2S"])
}

func TestAggregateReadingsNullCoordinates(t *testing.T) {
	a := reading("46", "H2S", 1, 0, t0)
	a.Lat = null.Float{}
	b := reading("46", "SO2", 2, 0, t0)
	b.Lon = null.Float{}

	groups := AggregateReadings([]Reading{a, b}, false)
	require.Len(t, groups, 1)
	assert.Equal(t, "46", groups[0].Feed.ID)
	assert.False(t, groups[0].Feed.Lat.Valid)
}

func TestAggregateReadingsWindUnits(t *testing.T) {
	ms := reading("10", ParamWindSpeed, 10.0, 0, t0)
	ms.Unit = UnitMetersPerSecond
	mph := reading("11", ParamWindSpeed, 12.0, 0, t0)
	mph.Unit = UnitMilesPerHour
	knots := reading("12", ParamWindSpeed, 3.0, 0, t0)
	knots.Unit = "knots"
	missing := reading("13", ParamWindSpeed, 0, 0, t0)
	missing.Unit = UnitMetersPerSecond
	missing.Value = null.Float{}

	groups := AggregateReadings([]Reading{ms, mph, knots, missing}, false)
	require.Len(t, groups, 4)

	assert.Equal(t, 10.0, groups[0].Record[ChannelWindSpeedMS])
	assert.InDelta(t, 22.37, groups[0].Record[ChannelWindSpeedMPH].(float64), 1e-6)

	assert.Equal(t, 12.0, groups[1].Record[ChannelWindSpeedMPH])
	assert.NotContains(t, groups[1].Record, ChannelWindSpeedMS)

	assert.Equal(t, Record{ChannelTime: UnixSeconds(t0)}, groups[2].Record)
	assert.Equal(t, Record{ChannelTime: UnixSeconds(t0)}, groups[3].Record)
}

func TestUnixSeconds(t *testing.T) {
	assert.Equal(t, 1709294700.0, UnixSeconds(t0))
	assert.Equal(t, 1589753663.5, UnixSeconds(time.UnixMilli(1589753663500)))
}
