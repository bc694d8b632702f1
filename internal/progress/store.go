// Package progress maintains the durable harvest ledger: which instruments
// are known, which are collected, and which failed. The ledger file is the
// single source of truth for what still needs fetching, so every mutation
// persists the full ledger before returning.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krxquant/krx-harvester/internal/dateutil"
	"github.com/krxquant/krx-harvester/internal/models"
)

// Instrument is the per-ticker entry of the ledger. Dates are YYYYMMDD
// strings, nil when unknown; a nil DelistingDate means still listed.
type Instrument struct {
	Market            models.Market `json:"market"`
	ListingDate       *string       `json:"listing_date"`
	DelistingDate     *string       `json:"delisting_date"`
	Collected         bool          `json:"collected"`
	LastCollectedDate *string       `json:"last_collected_date"`
	Error             *string       `json:"error"`
	// IncompleteNote names year slices that produced no data on an
	// otherwise successful collection. Unlike Error it coexists with
	// Collected=true.
	IncompleteNote *string `json:"incomplete_note,omitempty"`
}

// Stats are derived counts, recomputed from the ticker map on every mutation.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type ledger struct {
	MetadataCollected bool                   `json:"metadata_collected"`
	Tickers           map[string]*Instrument `json:"tickers"`
	Stats             Stats                  `json:"stats"`
	LastUpdated       *time.Time             `json:"last_updated"`
}

// Store owns the ledger file. It is safe for concurrent readers; in batch
// mode the coordinator goroutine is the only caller of mutating methods.
type Store struct {
	mu     sync.RWMutex
	path   string
	state  ledger
	logger *logrus.Entry
}

// NewStore loads the ledger at path, starting fresh when the file is
// missing or unreadable. A corrupt ledger is never fatal.
func NewStore(path string) *Store {
	s := &Store{
		path:   path,
		logger: logrus.WithField("component", "progress"),
	}
	s.state = s.load()
	return s
}

// Path returns the ledger file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() ledger {
	fresh := ledger{Tickers: make(map[string]*Instrument)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).Warn("failed to read progress ledger, starting fresh")
		}
		return fresh
	}

	var state ledger
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.WithError(err).Warn("progress ledger is corrupt, starting fresh")
		return fresh
	}
	if state.Tickers == nil {
		state.Tickers = make(map[string]*Instrument)
	}
	return state
}

// persist rewrites the whole ledger through a temp file and an atomic
// rename, so a crash mid-write can never leave a torn file behind.
// Callers hold the write lock.
func (s *Store) persist() error {
	now := time.Now().UTC()
	s.state.LastUpdated = &now
	s.recomputeStats()

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".progress-*.json")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace progress ledger: %w", err)
	}
	return nil
}

func (s *Store) recomputeStats() {
	stats := Stats{Total: len(s.state.Tickers)}
	for _, inst := range s.state.Tickers {
		if inst.Collected {
			stats.Completed++
		}
		if inst.Error != nil {
			stats.Failed++
		}
	}
	s.state.Stats = stats
}

// IsMetadataCollected reports whether the metadata phase latch is set.
func (s *Store) IsMetadataCollected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.MetadataCollected
}

// MarkMetadataCollected sets the one-way metadata latch.
func (s *Store) MarkMetadataCollected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.MetadataCollected = true
	return s.persist()
}

// AddInstrument creates or overwrites the ledger entry for ticker with
// collected=false.
func (s *Store) AddInstrument(ticker string, market models.Market, listing, delisting *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Tickers[ticker] = &Instrument{
		Market:        market,
		ListingDate:   formatDate(listing),
		DelistingDate: formatDate(delisting),
	}
	return s.persist()
}

// MarkCompleted sets collected=true and clears any recorded error. The last
// collected date only moves forward; a re-run can never regress it. Unknown
// tickers are a silent no-op.
func (s *Store) MarkCompleted(ticker string, lastDate *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.state.Tickers[ticker]
	if !ok {
		return nil
	}
	inst.Collected = true
	inst.Error = nil
	if d := formatDate(lastDate); d != nil {
		if inst.LastCollectedDate == nil || *inst.LastCollectedDate < *d {
			inst.LastCollectedDate = d
		}
	}
	return s.persist()
}

// MarkFailed records the failure reason. Collected stays as it is, so a
// previously completed ticker keeps its data but is flagged.
func (s *Store) MarkFailed(ticker, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.state.Tickers[ticker]
	if !ok {
		return nil
	}
	inst.Error = &reason
	return s.persist()
}

// SetIncompleteNote records which slices of an otherwise successful
// collection produced no data. An empty note clears it.
func (s *Store) SetIncompleteNote(ticker, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.state.Tickers[ticker]
	if !ok {
		return nil
	}
	if note == "" {
		inst.IncompleteNote = nil
	} else {
		inst.IncompleteNote = &note
	}
	return s.persist()
}

// IsCollected reports whether ticker has been fully collected.
func (s *Store) IsCollected(ticker string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.state.Tickers[ticker]
	return ok && inst.Collected
}

// Instrument returns a copy of the ledger entry for ticker.
func (s *Store) Instrument(ticker string) (Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.state.Tickers[ticker]
	if !ok {
		return Instrument{}, false
	}
	return *inst, true
}

// Pending returns the tickers still waiting for collection, sorted for
// deterministic processing order.
func (s *Store) Pending() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []string
	for ticker, inst := range s.state.Tickers {
		if !inst.Collected && inst.Error == nil {
			pending = append(pending, ticker)
		}
	}
	sort.Strings(pending)
	return pending
}

// Stats returns the derived total/completed/failed counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Stats
}

// Reset clears the collection state of ticker for re-collection.
func (s *Store) Reset(ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.state.Tickers[ticker]
	if !ok {
		return nil
	}
	inst.Collected = false
	inst.Error = nil
	inst.LastCollectedDate = nil
	inst.IncompleteNote = nil
	return s.persist()
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := dateutil.Format(*t)
	return &s
}
