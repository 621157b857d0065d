package airquality

import (
	"strings"
	"time"

	"github.com/guregu/null"
)

// MPHPerMS converts meters per second to miles per hour.
const MPHPerMS = 2.237

// QCCodeSuffix is appended to a parameter name on quality-code feeds.
const QCCodeSuffix = "_qcCode"

// Reduction controls how a source's readings are folded into upload groups.
type Reduction struct {
	// QCFeeds records the quality code of every reading on the companion
	// "_qc" feed. Invalid readings never reach the primary feed either way.
	QCFeeds bool

	// MaxBy, when set, keeps only the group with the greatest value of this
	// channel (see SelectMax).
	MaxBy string
}

// groupKey identifies one (feed, timestamp) bucket.
type groupKey struct {
	feedID   string
	unixNano int64
}

// accumulator folds readings into groups and remembers first-seen order.
type accumulator struct {
	order  []groupKey
	groups map[groupKey]*Group
}

func newAccumulator() *accumulator {
	return &accumulator{groups: make(map[groupKey]*Group)}
}

func (a *accumulator) group(feed Feed, ts time.Time) *Group {
	key := groupKey{feedID: feed.ID, unixNano: ts.UnixNano()}
	g, ok := a.groups[key]
	if !ok {
		g = &Group{
			Feed:   feed,
			Time:   ts,
			Record: Record{ChannelTime: UnixSeconds(ts)},
		}
		a.groups[key] = g
		a.order = append(a.order, key)
	}
	return g
}

func (a *accumulator) result() []Group {
	out := make([]Group, 0, len(a.order))
	for _, key := range a.order {
		out = append(out, *a.groups[key])
	}
	return out
}

// AggregateReadings groups readings by normalized location and timestamp into
// one wide record per group. Groups are returned in first-seen order.
//
// A reading with QCInvalid contributes only to the "_qc" feed (when qcFeeds
// is set) and is otherwise dropped.
func AggregateReadings(readings []Reading, qcFeeds bool) []Group {
	acc := newAccumulator()
	for _, r := range readings {
		ts := r.Time.UTC()
		feed := FeedFor(r)
		param := NormalizeParameter(r.Parameter)

		if qcFeeds {
			qc := acc.group(feed.QC(), ts)
			qc.Record[param+QCCodeSuffix] = qcValue(r.QCCode)
			qc.addRaw(r.Raw)
		}
		if r.QCCode.Valid && r.QCCode.Int64 == QCInvalid {
			continue
		}

		g := acc.group(feed, ts)
		setChannel(g.Record, param, r)
		g.addRaw(r.Raw)
	}
	return acc.result()
}

// addRaw keeps the upstream object. Readings decoded from the same object
// set Raw on one of them only.
func (g *Group) addRaw(raw any) {
	if raw != nil {
		g.Raw = append(g.Raw, raw)
	}
}

// NormalizeParameter makes an upstream parameter name usable as a channel name.
func NormalizeParameter(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
}

// UnixSeconds renders ts as fractional seconds since the epoch.
func UnixSeconds(ts time.Time) float64 {
	return float64(ts.UnixNano()) / float64(time.Second)
}

func setChannel(rec Record, param string, r Reading) {
	if param != ParamWindSpeed {
		rec[param] = nullableValue(r)
		return
	}
	if !r.Value.Valid {
		return
	}
	speed := r.Value.Float64
	switch strings.ToLower(strings.TrimSpace(r.Unit)) {
	case UnitMetersPerSecond:
		rec[ChannelWindSpeedMS] = speed
		rec[ChannelWindSpeedMPH] = speed * MPHPerMS
	case UnitMilesPerHour:
		rec[ChannelWindSpeedMPH] = speed
	}
}

func qcValue(code null.Int) any {
	if !code.Valid {
		return nil
	}
	return int(code.Int64)
}

func nullableValue(r Reading) any {
	if !r.Value.Valid {
		return nil
	}
	return r.Value.Float64
}
