package airquality

import (
	"fmt"
	"math"
	"strings"

	"github.com/guregu/null"
)

// QCSuffix is appended to a feed id and name to form its quality-code feed.
const QCSuffix = "_qc"

// LocationID derives the normalized key for a site: the site id followed by
// its coordinates at 0.001 degree resolution, e.g. "46_037950N122370W".
// Without usable coordinates the key degrades to the site id alone.
// Dots are replaced with underscores.
func LocationID(siteID string, lat, lon null.Float) string {
	id := siteID
	if usable(lat) && usable(lon) {
		id = fmt.Sprintf("%s_%06d%s%06d%s",
			siteID,
			int64(math.Round(1000*math.Abs(lat.Float64))), hemisphere(lat.Float64, "N", "S"),
			int64(math.Round(1000*math.Abs(lon.Float64))), hemisphere(lon.Float64, "E", "W"),
		)
	}
	return strings.ReplaceAll(id, ".", "_")
}

// FeedFor builds the primary Feed for a reading.
func FeedFor(r Reading) Feed {
	return Feed{
		ID:   LocationID(r.SiteID, r.Lat, r.Lon),
		Name: r.SiteName,
		Lat:  usableOrNull(r.Lat),
		Lon:  usableOrNull(r.Lon),
	}
}

// QC returns the quality-code companion of f.
func (f Feed) QC() Feed {
	return Feed{ID: f.ID + QCSuffix, Name: f.Name + QCSuffix, Lat: f.Lat, Lon: f.Lon}
}

func hemisphere(v float64, pos, neg string) string {
	if v < 0 {
		return neg
	}
	return pos
}

func usable(v null.Float) bool {
	return v.Valid && !math.IsNaN(v.Float64) && !math.IsInf(v.Float64, 0)
}

func usableOrNull(v null.Float) null.Float {
	if usable(v) {
		return v
	}
	return null.Float{}
}
