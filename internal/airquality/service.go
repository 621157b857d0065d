package airquality

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Service runs scrape cycles: fetch, aggregate, resolve and upload.
type Service struct {
	backend Backend
	store   Store
	metrics Metrics
	archive Archive
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]chan struct{} // one cycle per product at a time
}

// Option customizes a Service.
type Option func(*Service)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithArchive stores a copy of every uploaded entry.
func WithArchive(a Archive) Option {
	return func(s *Service) { s.archive = a }
}

// WithClock overrides the clock used for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new Service.
func NewService(backend Backend, store Store, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		store:   store,
		metrics: noopMetrics{},
		now:     time.Now,
		locks:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScrapeOptions tune a single cycle.
type ScrapeOptions struct {
	// DryRun looks feeds up and builds records but creates nothing remotely
	// and skips the upload calls. Feeds that do not exist yet are reported
	// with ID 0.
	DryRun bool
}

// Scrape runs one cycle for c. Sources run in order; a failing source is
// recorded and does not stop the others. Uploads already made are kept.
// The report is stored even when the returned error is non-nil.
//
// Cycles of connectors sharing a product run one after the other, so devices
// and feeds are never created twice.
func (s *Service) Scrape(ctx context.Context, c Connector, opts ScrapeOptions) (CycleReport, error) {
	report := CycleReport{
		ID:        uuid.NewString(),
		Connector: c.Name,
		StartedAt: s.now().UTC(),
		DryRun:    opts.DryRun,
		Entries:   []Entry{},
	}

	err := s.scrape(ctx, c, opts, &report)

	report.FinishedAt = s.now().UTC()
	if err != nil {
		report.Error = err.Error()
	}
	s.metrics.CycleFinished(c.Name, report.FinishedAt.Sub(report.StartedAt), err != nil)
	if s.store != nil {
		s.store.SaveReport(c.Name, report)
	}
	return report, err
}

func (s *Service) scrape(ctx context.Context, c Connector, opts ScrapeOptions, report *CycleReport) error {
	release, err := s.acquire(ctx, c.Product)
	if err != nil {
		return fmt.Errorf("wait for product %s: %w", c.Product, err)
	}
	defer release()

	var resolver *FeedResolver
	if opts.DryRun {
		product, err := s.findProduct(ctx, c.Product)
		if err != nil {
			return fmt.Errorf("product %s: %w", c.Product, err)
		}
		resolver = NewLookupResolver(s.backend, product)
	} else {
		product, err := s.backend.GetOrCreateProduct(ctx, c.Product)
		if err != nil {
			return fmt.Errorf("product %s: %w", c.Product, err)
		}
		resolver = NewFeedResolver(s.backend, product)
	}

	errs := &multierror.Error{ErrorFormat: joinErrors}
	for _, src := range c.Sources {
		entries, err := s.runSource(ctx, src, resolver, opts)
		report.Entries = append(report.Entries, entries...)
		if !opts.DryRun {
			s.metrics.RecordsUploaded(c.Name, len(entries))
		}
		if err != nil {
			log.Printf("ERROR: connector %s source %s: %v", c.Name, src.Name(), err)
			s.metrics.SourceFailed(src.Name())
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		}
	}

	if s.archive != nil && !opts.DryRun && len(report.Entries) > 0 {
		if err := s.archive.SaveEntries(ctx, c.Name, report.Entries); err != nil {
			log.Printf("ERROR: archive %d entries for %s: %v", len(report.Entries), c.Name, err)
		}
	}

	return errs.ErrorOrNil()
}

// acquire blocks until no other cycle holds product or ctx is done.
func (s *Service) acquire(ctx context.Context, product string) (func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[product]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[product] = lock
	}
	s.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// findProduct returns the product if it exists; a missing one comes back
// with ID 0.
func (s *Service) findProduct(ctx context.Context, name string) (Product, error) {
	product, err := s.backend.FindProduct(ctx, name)
	if err != nil {
		return Product{}, err
	}
	if product == nil {
		log.Printf("DEBUG: dry-run: product %s does not exist yet", name)
		return Product{Name: name}, nil
	}
	return *product, nil
}

// runSource returns the entries handled before any error so that partial
// uploads are still reported.
func (s *Service) runSource(ctx context.Context, src Source, resolver *FeedResolver, opts ScrapeOptions) ([]Entry, error) {
	readings, err := src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.ReadingsFetched(src.Name(), len(readings))

	red := src.Reduction()
	groups := AggregateReadings(readings, red.QCFeeds)
	if red.MaxBy != "" {
		best, err := SelectMax(groups, red.MaxBy)
		if err != nil {
			return nil, err
		}
		groups = []Group{best}
	}

	entries := make([]Entry, 0, len(groups))
	for _, g := range groups {
		rec, err := BuildUploadRecord(g.Record)
		if err != nil {
			return entries, err
		}
		feed, err := resolver.Resolve(ctx, g.Feed)
		if err != nil {
			return entries, err
		}
		if opts.DryRun {
			log.Printf("DEBUG: dry-run: would upload %d channels to %s (%d)", len(rec.ChannelNames), feed.Name, feed.ID)
		} else {
			log.Printf("INFO: uploading to %d (%s)", feed.ID, feed.Name)
			if err := s.backend.Upload(ctx, feed, rec); err != nil {
				return entries, fmt.Errorf("upload to feed %d: %w", feed.ID, err)
			}
		}
		entries = append(entries, Entry{
			Feed:     fmt.Sprintf("%s (%d)", feed.Name, feed.ID),
			FeedID:   feed.ID,
			EsdrData: rec,
			RawData:  g.Raw,
		})
	}
	return entries, nil
}

// GetLatest delegates to the underlying store.
func (s *Service) GetLatest(connector string) (CycleReport, error) {
	return s.store.GetLatest(connector)
}

// GetRange delegates to the underlying store.
func (s *Service) GetRange(connector string, from, to time.Time) ([]CycleReport, error) {
	return s.store.GetRange(connector, from, to)
}

func joinErrors(errs []error) string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}
