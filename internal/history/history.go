// Package history stores archived recommendations, newest first.
// MemStore keeps records for the process lifetime; LevelStore persists them in LevelDB.
package history

import (
	"sync"
	"time"

	"github.com/haricheung/agrimind/internal/types"
)

// Store is the archive of HistoricalRecords.
type Store interface {
	// List returns every record, newest first.
	List() []types.HistoricalRecord
	// Prepend inserts rec at the front of the archive.
	Prepend(rec types.HistoricalRecord) error
	Close() error
}

// SeedRecords returns the fixture records loaded at startup, relative to now.
func SeedRecords(now time.Time) []types.HistoricalRecord {
	return []types.HistoricalRecord{
		{
			ID:           "h1",
			Season:       "Spring 2023",
			CropType:     "Tomato",
			Issue:        "Early Blight symptoms on lower leaves.",
			Intervention: "Copper-based fungicide application and improved air circulation.",
			Outcome:      types.OutcomeSuccessful,
			Notes:        "Infection halted; yield was 95% of expected.",
			Timestamp:    now.Add(-365 * 24 * time.Hour),
		},
		{
			ID:           "h2",
			Season:       "Summer 2023",
			CropType:     "Corn",
			Issue:        "Nitrogen deficiency in low-lying area.",
			Intervention: "Targeted top-dressing with urea.",
			Outcome:      types.OutcomePartial,
			Notes:        "Heavy rains washed away some fertilizer shortly after application.",
			Timestamp:    now.Add(-4380 * time.Hour),
		},
	}
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu      sync.RWMutex
	records []types.HistoricalRecord
}

// NewMemStore creates a MemStore holding seed in the given order.
func NewMemStore(seed []types.HistoricalRecord) *MemStore {
	return &MemStore{records: append([]types.HistoricalRecord{}, seed...)}
}

// List returns a copy of the records.
func (s *MemStore) List() []types.HistoricalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.HistoricalRecord{}, s.records...)
}

// Prepend inserts rec at the front.
func (s *MemStore) Prepend(rec types.HistoricalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append([]types.HistoricalRecord{rec}, s.records...)
	return nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }
