package store

import (
	"errors"
	"sync"
	"time"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
)

var (
	// ErrNotFound is returned when no report is available for a connector.
	ErrNotFound = errors.New("no cycle report for connector")
)

// ReportHistory holds the cycle reports of one connector, oldest first.
type ReportHistory struct {
	Reports []airquality.CycleReport
}

// MemoryStore is a concurrency-safe in-memory history of cycle reports.
type MemoryStore struct {
	mu sync.RWMutex

	// key: connector name
	data map[string]*ReportHistory

	// retention configuration
	maxHistory int           // max number of reports per connector
	maxAge     time.Duration // optional max age, measured from StartedAt

	now func() time.Time
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]*ReportHistory),
		maxHistory: maxHistory,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// SaveReport appends a report for a connector and enforces retention.
func (s *MemoryStore) SaveReport(connector string, report airquality.CycleReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.data[connector]
	if !ok {
		history = &ReportHistory{}
		s.data[connector] = history
	}

	history.Reports = append(history.Reports, report)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(history.Reports) > s.maxHistory {
		over := len(history.Reports) - s.maxHistory
		history.Reports = history.Reports[over:]
	}

	// Enforce retention by age. The newest report is always kept.
	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge)
		i := 0
		for ; i < len(history.Reports)-1; i++ {
			if !history.Reports[i].StartedAt.Before(cutoff) {
				break
			}
		}
		history.Reports = history.Reports[i:]
	}
}

// GetLatest returns the most recent report for a connector.
func (s *MemoryStore) GetLatest(connector string) (airquality.CycleReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[connector]
	if !ok || len(history.Reports) == 0 {
		return airquality.CycleReport{}, ErrNotFound
	}
	return history.Reports[len(history.Reports)-1], nil
}

// GetRange returns the connector's reports started between from and to (inclusive).
func (s *MemoryStore) GetRange(connector string, from, to time.Time) ([]airquality.CycleReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[connector]
	if !ok || len(history.Reports) == 0 {
		return nil, ErrNotFound
	}

	var result []airquality.CycleReport
	for _, r := range history.Reports {
		if !r.StartedAt.Before(from) && !r.StartedAt.After(to) {
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return nil, ErrNotFound
	}

	return result, nil
}

// Connectors lists the connectors with at least one stored report.
func (s *MemoryStore) Connectors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.data))
	for name, h := range s.data {
		if len(h.Reports) > 0 {
			names = append(names, name)
		}
	}
	return names
}

var _ airquality.Store = (*MemoryStore)(nil)
