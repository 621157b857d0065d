package airquality

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func windGroup(id string, ts time.Time, mph any) Group {
	rec := Record{ChannelTime: UnixSeconds(ts)}
	if mph != nil {
		rec[ChannelWindSpeedMPH] = mph
	}
	return Group{Feed: Feed{ID: id}, Time: ts, Record: rec}
}

func TestSelectMax(t *testing.T) {
	groups := []Group{
		windGroup("a", t0, 5.0),
		windGroup("a", t0.Add(time.Minute), 12.3),
		windGroup("a", t0.Add(2*time.Minute), 9.1),
	}
	best, err := SelectMax(groups, ChannelWindSpeedMPH)
	require.NoError(t, err)
	assert.Equal(t, 12.3, best.Record[ChannelWindSpeedMPH])
	assert.Equal(t, t0.Add(time.Minute), best.Time)
}

func TestSelectMaxTieBreak(t *testing.T) {
	groups := []Group{
		windGroup("late", t0.Add(time.Minute), 7.0),
		windGroup("early", t0, 7.0),
		windGroup("early-second", t0, 7.0),
	}
	best, err := SelectMax(groups, ChannelWindSpeedMPH)
	require.NoError(t, err)
	assert.Equal(t, "early", best.Feed.ID)
}

func TestSelectMaxSkipsGroupsWithoutChannel(t *testing.T) {
	groups := []Group{
		windGroup("none", t0, nil),
		windGroup("text", t0, "fast"),
		windGroup("slow", t0, 1.0),
	}
	best, err := SelectMax(groups, ChannelWindSpeedMPH)
	require.NoError(t, err)
	assert.Equal(t, "slow", best.Feed.ID)

	_, err = SelectMax(groups[:2], ChannelWindSpeedMPH)
	assert.ErrorIs(t, err, ErrNoWindData)

	_, err = SelectMax(nil, ChannelWindSpeedMS)
	assert.ErrorIs(t, err, ErrNoWindData)
}

func TestBuildUploadRecord(t *testing.T) {
	rec, err := BuildUploadRecord(Record{"time": 100, "b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rec.ChannelNames)
	assert.Equal(t, [][]any{{100, 1, 2}}, rec.Data)
}

func TestBuildUploadRecordTimeOnly(t *testing.T) {
	rec, err := BuildUploadRecord(Record{"time": 100.5})
	require.NoError(t, err)
	assert.Empty(t, rec.ChannelNames)
	assert.Equal(t, [][]any{{100.5}}, rec.Data)
}

func TestBuildUploadRecordMissingTime(t *testing.T) {
	_, err := BuildUploadRecord(Record{"a": 1})
	assert.ErrorIs(t, err, ErrMissingTime)
}

func TestBuildUploadRecordRoundTrip(t *testing.T) {
	in := Record{"time": 1709294700.0, "H2S": 1.5, "SO_2": nil, "Benzene": 0.25}
	rec, err := BuildUploadRecord(in)
	require.NoError(t, err)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel_names":["Benzene","H2S","SO_2"],"data":[[1709294700,0.25,1.5,null]]}`, string(b))

	out := Record{"time": rec.Data[0][0]}
	for i, name := range rec.ChannelNames {
		out[name] = rec.Data[0][i+1]
	}
	assert.Equal(t, in, out)
}
