package airquality

import (
	"context"
	"time"

	"github.com/guregu/null"
)

// Source abstracts one upstream fetch (e.g. Insight parameters, Insight wind,
// a fenceline page, a PurpleAir device group).
type Source interface {
	Name() string
	Reduction() Reduction
	Fetch(ctx context.Context) ([]Reading, error)
}

// Connector is a named set of sources uploaded under one backend product.
type Connector struct {
	Name    string
	Path    string
	Product string
	Sources []Source

	// Manual connectors are left to HTTP triggers unless the scheduler is
	// told to run them by name.
	Manual bool
}

// Backend is the remote time-series storage service.
type Backend interface {
	GetOrCreateProduct(ctx context.Context, name string) (Product, error)
	GetOrCreateDevice(ctx context.Context, product Product, serialNumber, name string) (Device, error)
	// FindProduct and FindDevice never create; they return nil when missing.
	FindProduct(ctx context.Context, name string) (*Product, error)
	FindDevice(ctx context.Context, product Product, serialNumber string) (*Device, error)
	// GetFeed returns nil when the device has no matching feed.
	GetFeed(ctx context.Context, device Device, lat, lon null.Float) (*RemoteFeed, error)
	CreateFeed(ctx context.Context, device Device, lat, lon null.Float) (RemoteFeed, error)
	Upload(ctx context.Context, feed RemoteFeed, rec UploadRecord) error
}

// Store is the contract the in-memory report store must satisfy.
type Store interface {
	SaveReport(connector string, report CycleReport)
	GetLatest(connector string) (CycleReport, error)
	GetRange(connector string, from, to time.Time) ([]CycleReport, error)
}

// Metrics receives cycle instrumentation.
type Metrics interface {
	ReadingsFetched(source string, n int)
	SourceFailed(source string)
	RecordsUploaded(connector string, n int)
	CycleFinished(connector string, d time.Duration, failed bool)
}

// Archive keeps a copy of every uploaded entry.
type Archive interface {
	SaveEntries(ctx context.Context, connector string, entries []Entry) error
}

type noopMetrics struct{}

func (noopMetrics) ReadingsFetched(string, int)               {}
func (noopMetrics) SourceFailed(string)                       {}
func (noopMetrics) RecordsUploaded(string, int)               {}
func (noopMetrics) CycleFinished(string, time.Duration, bool) {}
