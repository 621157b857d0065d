package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
)

// Scraper runs one cycle for a connector.
type Scraper interface {
	Scrape(ctx context.Context, c airquality.Connector, opts airquality.ScrapeOptions) (airquality.CycleReport, error)
}

// Scheduler periodically runs a scrape cycle for every configured connector.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	service    Scraper
	connectors []airquality.Connector
	interval   time.Duration
	dryRun     bool
}

// New creates a new Scheduler. Each cycle is bounded by interval so that a
// slow upstream cannot hold up the next run.
func New(connectors []airquality.Connector, interval time.Duration, dryRun bool, service Scraper) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler:  s,
		service:    service,
		connectors: connectors,
		interval:   interval,
		dryRun:     dryRun,
	}
}

// Start schedules the periodic job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if len(s.connectors) == 0 {
		log.Println("scheduler: no connectors enabled; nothing to schedule")
		return nil
	}

	interval := s.interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	_, err := s.scheduler.Every(interval).Do(func() {
		s.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// RunOnce runs one cycle of every connector concurrently and waits for all of
// them. Failures are logged; they are also visible in the stored reports.
func (s *Scheduler) RunOnce(ctx context.Context) {
	log.Println("scheduler: running scrape cycle")

	timeout := s.interval
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	var wg sync.WaitGroup
	for _, c := range s.connectors {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			report, err := s.service.Scrape(ctx, c, airquality.ScrapeOptions{DryRun: s.dryRun})
			if err != nil {
				log.Printf("scheduler: connector %s failed: %v", c.Name, err)
				return
			}
			log.Printf("scheduler: connector %s uploaded %d entries", c.Name, len(report.Entries))
		}()
	}
	wg.Wait()
	log.Println("scheduler: completed scrape cycle")
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
