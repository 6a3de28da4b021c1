// Package store is the append-only transaction log, keyed by idempotency
// key. It is the authoritative ledger; the UI holds read-only projections.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/musaucrea/foti-pay-2/internal/domain"
)

const (
	txBucket   = "transactions"
	idBucket   = "transactions_by_id"
	filePerm   = 0600
	openWindow = 1 * time.Second
)

// ErrNotFound is returned when a requested transaction does not exist.
var ErrNotFound = errors.New("transaction not found")

// Store persists transactions in Bolt. One record per idempotency key;
// a secondary bucket maps transaction IDs back to keys for reconciliation
// updates.
type Store struct {
	db *bolt.DB

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a per-idempotency-key mutex with a waiter count, so entries can
// be dropped from the lock map once nobody holds or waits on them.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Open opens (or creates) the database file and prepares the buckets.
func Open(path string) (*Store, *bolt.DB, error) {
	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openWindow})
	if err != nil {
		return nil, nil, err
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

// New prepares the transaction buckets on an open database.
func New(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(txBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(idBucket))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, locks: make(map[string]*keyLock)}, nil
}

// Lock takes the per-idempotency-key lock, collapsing concurrent settlement
// attempts for the same key to a single owner. The returned func releases it.
func (s *Store) Lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Record appends a transaction. If a record already exists for the key the
// stored value is returned unchanged, except that a Failed record is
// superseded by the new attempt: retries reuse the idempotency key, and a
// past failure must not block them. Completed and Queued records are
// immutable here.
func (s *Store) Record(tx domain.Transaction) (domain.Transaction, error) {
	var result domain.Transaction

	err := s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket([]byte(txBucket))
		ids := btx.Bucket([]byte(idBucket))

		if existing := b.Get([]byte(tx.IdempotencyKey)); existing != nil {
			var prev domain.Transaction
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			if prev.Status != domain.StatusFailed {
				result = prev
				return nil
			}
			if err := ids.Delete([]byte(prev.ID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(tx.IdempotencyKey), data); err != nil {
			return err
		}
		if err := ids.Put([]byte(tx.ID), []byte(tx.IdempotencyKey)); err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("recording transaction: %w", err)
	}
	return result, nil
}

// Find returns the transaction recorded for an idempotency key, if any.
func (s *Store) Find(key string) (domain.Transaction, bool, error) {
	var tx domain.Transaction
	found := false

	err := s.db.View(func(btx *bolt.Tx) error {
		v := btx.Bucket([]byte(txBucket)).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &tx)
	})
	if err != nil {
		return domain.Transaction{}, false, fmt.Errorf("finding transaction: %w", err)
	}
	return tx, found, nil
}

// UpdateStatus applies the reconciliation transition. Only Queued records may
// move, and only to Completed or Failed; anything else is an
// InvalidTransition contract violation.
func (s *Store) UpdateStatus(id string, status domain.TransactionStatus, providerRef, failureReason string) (domain.Transaction, error) {
	if status != domain.StatusCompleted && status != domain.StatusFailed {
		return domain.Transaction{}, domain.InvalidTransition(fmt.Sprintf("cannot transition to %s", status))
	}

	var result domain.Transaction
	err := s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket([]byte(txBucket))
		keyBytes := btx.Bucket([]byte(idBucket)).Get([]byte(id))
		if keyBytes == nil {
			return ErrNotFound
		}

		v := b.Get(keyBytes)
		if v == nil {
			return ErrNotFound
		}
		var tx domain.Transaction
		if err := json.Unmarshal(v, &tx); err != nil {
			return err
		}
		if tx.Status != domain.StatusQueued {
			return domain.InvalidTransition(fmt.Sprintf("transaction %s is %s, not queued", id, tx.Status))
		}

		now := time.Now().UTC()
		tx.Status = status
		tx.SettledAt = &now
		if providerRef != "" {
			tx.ProviderRef = providerRef
		}
		tx.FailureReason = failureReason

		data, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		if err := b.Put(keyBytes, data); err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return result, nil
}

// List returns all transactions, newest first.
func (s *Store) List() ([]domain.Transaction, error) {
	var txs []domain.Transaction

	err := s.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket([]byte(txBucket)).ForEach(func(_, v []byte) error {
			var tx domain.Transaction
			if err := json.Unmarshal(v, &tx); err != nil {
				return err
			}
			txs = append(txs, tx)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}

	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
	return txs, nil
}

// ListQueued returns transactions still awaiting reconciliation.
func (s *Store) ListQueued() ([]domain.Transaction, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var queued []domain.Transaction
	for _, tx := range all {
		if tx.Status == domain.StatusQueued {
			queued = append(queued, tx)
		}
	}
	return queued, nil
}

// Probe verifies the database is readable, for health checks.
func (s *Store) Probe() error {
	return s.db.View(func(btx *bolt.Tx) error {
		if btx.Bucket([]byte(txBucket)) == nil {
			return errors.New("transaction bucket missing")
		}
		return nil
	})
}
