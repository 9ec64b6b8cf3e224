package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/agrimind/internal/types"
)

// LevelDB key scheme; the "|" separator keeps ids containing ":" safe.
//
//	h|<inverted-seq>|<id>  → HistoricalRecord JSON   (ordered scan is newest-first)
//	s|seq                  → uint64 big-endian       (last sequence number issued)
const (
	prefixRecord = "h|"
	keySeq       = "s|seq"
)

// LevelStore is a LevelDB-backed Store. Writes are synchronous: an archived
// recommendation is on disk before Prepend returns.
type LevelStore struct {
	mu  sync.Mutex
	db  *leveldb.DB
	seq uint64
}

// OpenLevel opens (or creates) the database at dbPath. When the database holds no
// records and seed is non-empty, seed is written so List returns it in the given order.
//
// Expectations:
//   - Creates the database directory when absent
//   - Seeds only an empty database; reopening never duplicates seed records
//   - Resumes the sequence counter so records prepended after reopen sort first
func OpenLevel(dbPath string, seed []types.HistoricalRecord) (*LevelStore, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("history: open leveldb at %s: %w", dbPath, err)
	}
	s := &LevelStore{db: db}

	raw, err := db.Get([]byte(keySeq), nil)
	switch {
	case err == nil && len(raw) == 8:
		s.seq = binary.BigEndian.Uint64(raw)
	case err != nil && err != leveldb.ErrNotFound:
		_ = db.Close()
		return nil, fmt.Errorf("history: read sequence: %w", err)
	}

	if s.seq == 0 {
		// Oldest first so the first seed record ends up at the front.
		for i := len(seed) - 1; i >= 0; i-- {
			if err := s.Prepend(seed[i]); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		if len(seed) > 0 {
			slog.Info("[HISTORY] seeded fixture records", "path", dbPath, "count", len(seed))
		}
	}
	return s, nil
}

// List scans all records newest-first. Corrupt entries are skipped with a warning.
func (s *LevelStore) List() []types.HistoricalRecord {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixRecord)), nil)
	defer iter.Release()

	out := []types.HistoricalRecord{}
	for iter.Next() {
		var rec types.HistoricalRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			slog.Warn("[HISTORY] skipping corrupt record", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		slog.Error("[HISTORY] scan failed", "error", err)
	}
	return out
}

// Prepend writes rec under the next sequence number in one batch with the counter.
func (s *LevelStore) Prepend(rec types.HistoricalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal record %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.seq + 1
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], next)

	batch := new(leveldb.Batch)
	batch.Put([]byte(recordKey(next, rec.ID)), data)
	batch.Put([]byte(keySeq), seqBuf[:])
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("history: persist record %s: %w", rec.ID, err)
	}
	s.seq = next
	slog.Info("[HISTORY] archived record", "id", rec.ID, "outcome", rec.Outcome, "seq", next)
	return nil
}

// Close closes the database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

// recordKey inverts seq so lexical order is newest-first.
func recordKey(seq uint64, id string) string {
	return fmt.Sprintf("%s%020d|%s", prefixRecord, uint64(math.MaxUint64)-seq, id)
}
