package airquality

import "fmt"

// SelectMax returns the group whose channel value is numerically greatest.
// Groups without a numeric value for channel are not candidates. On a tie the
// earlier timestamp wins, then the earlier group.
func SelectMax(groups []Group, channel string) (Group, error) {
	var (
		best  Group
		bestV float64
		found bool
	)
	for _, g := range groups {
		v, ok := numeric(g.Record[channel])
		if !ok {
			continue
		}
		if !found || v > bestV || (v == bestV && g.Time.Before(best.Time)) {
			best, bestV, found = g, v, true
		}
	}
	if !found {
		return Group{}, fmt.Errorf("%w: channel %s across %d groups", ErrNoWindData, channel, len(groups))
	}
	return best, nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
