// Package journal persists submitted transactions so a restarted dashboard
// can reconcile anything that was still awaiting settlement.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("journal: record not found")
)

// Status is the last known state of a journaled transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusExpired marks transactions whose polling timed out. Their
	// on-chain fate is unknown.
	StatusExpired Status = "expired"
)

// Record describes one submitted transaction.
type Record struct {
	ID          string     `json:"id"`
	FlowID      string     `json:"flowId"`
	Kind        string     `json:"kind"`
	Account     string     `json:"account"`
	Hash        string     `json:"hash"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submittedAt"`
	SettledAt   *time.Time `json:"settledAt,omitempty"`
}

// Store is a BoltDB-backed journal.
type Store struct {
	db *bolt.DB
}

// Open initialises (and migrates) the journal at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put inserts or replaces a record.
func (s *Store) Put(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("journal: record id required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(rec.ID), payload)
	})
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// Pending lists records still awaiting settlement, oldest first.
func (s *Store) Pending() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, raw []byte) error {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("journal: decode: %w", err)
			}
			if rec.Status == StatusPending {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortBySubmission(out)
	return out, nil
}

// Memory is an in-memory journal for tests and deployments without a
// journal path.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory constructs an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// Put inserts or replaces a record.
func (m *Memory) Put(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("journal: record id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

// Get returns the record with the given id.
func (m *Memory) Get(id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Pending lists records still awaiting settlement, oldest first.
func (m *Memory) Pending() ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Status == StatusPending {
			out = append(out, rec)
		}
	}
	sortBySubmission(out)
	return out, nil
}

func sortBySubmission(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].SubmittedAt.Equal(records[j].SubmittedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].SubmittedAt.Before(records[j].SubmittedAt)
	})
}
