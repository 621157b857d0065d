package airquality

import (
	"time"

	"github.com/guregu/null"
)

// QCInvalid is the upstream quality code marking a reading as invalid.
const QCInvalid = 9

// Channel names shared by wind sources.
const (
	ParamWindSpeed     = "Wind_Speed"
	ParamWindDirection = "Wind_Direction"

	ChannelWindSpeedMS  = "Wind_Speed_MS"
	ChannelWindSpeedMPH = "Wind_Speed_MPH"

	// ChannelTime is always present in a Record and is implicit in an UploadRecord.
	ChannelTime = "time"
)

// Unit names understood by the wind speed conversion.
const (
	UnitMetersPerSecond = "m/s"
	UnitMilesPerHour    = "mph"
)

// Reading is one atomic upstream observation as emitted by a Source.
type Reading struct {
	SiteID    string
	SiteName  string
	Lat       null.Float
	Lon       null.Float
	Parameter string
	Value     null.Float
	QCCode    null.Int // invalid when the upstream sent none
	Time      time.Time // always UTC
	Unit      string

	// Raw holds the upstream object the reading was decoded from, echoed back
	// in cycle reports. When one object yields several readings only the
	// first carries it.
	Raw any
}

// Feed identifies one local channel group: a normalized location id plus the
// metadata used when the remote feed has to be created.
type Feed struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Lat  null.Float `json:"lat"`
	Lon  null.Float `json:"lon"`
}

// Record maps channel names to values. It always carries ChannelTime.
type Record map[string]any

// Group is one (feed, timestamp) bucket produced by aggregation.
type Group struct {
	Feed   Feed
	Time   time.Time
	Record Record
	Raw    []any
}

// UploadRecord is the wire shape accepted by the storage backend. Time is the
// first element of every row and is not listed in ChannelNames.
type UploadRecord struct {
	ChannelNames []string `json:"channel_names"`
	Data         [][]any  `json:"data"`
}

// Product is the backend namespace a connector's devices live under.
type Product struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Device is one monitoring site of a Product, keyed by serial number.
type Device struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	SerialNumber string `json:"serialNumber"`
	ProductID    int    `json:"productId"`
}

// RemoteFeed is the backend feed a local Feed uploads to. An unresolved feed
// (dry run against a missing device) has ID 0.
type RemoteFeed struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	DeviceID  int        `json:"deviceId"`
	Latitude  null.Float `json:"latitude"`
	Longitude null.Float `json:"longitude"`
}

// Entry describes one emitted group in a cycle report.
type Entry struct {
	Feed     string       `json:"feed"`
	FeedID   int          `json:"-"`
	EsdrData UploadRecord `json:"esdr_data"`
	RawData  []any        `json:"raw_data"`
}

// CycleReport is the outcome of one scrape cycle for a connector.
type CycleReport struct {
	ID         string    `json:"id"`
	Connector  string    `json:"connector"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`
	Entries    []Entry   `json:"entries"`
	Error      string    `json:"error,omitempty"`
}
