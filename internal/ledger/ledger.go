// Package ledger is the durable local queue of payment intents created while
// disconnected. Entries are drained FIFO on reconnect, preserving the
// user-perceived ordering of spend.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/musaucrea/foti-pay-2/internal/domain"
)

const queueBucket = "offline_queue"

// Ledger wraps a Bolt bucket holding queued settlement entries keyed by a
// monotonic sequence number, so byte-ordered iteration is FIFO.
type Ledger struct {
	db *bolt.DB
}

// New prepares the queue bucket on an open database.
func New(db *bolt.DB) (*Ledger, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(queueBucket))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Enqueue persists an intent and its settlement snapshot. Failures are fatal
// to this attempt only and surfaced for user retry.
func (l *Ledger) Enqueue(intent domain.PaymentIntent, snapshot domain.SettlementSnapshot) (domain.OfflineQueueEntry, error) {
	entry := domain.OfflineQueueEntry{
		Intent:     intent,
		Snapshot:   snapshot,
		EnqueuedAt: time.Now().UTC(),
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(queueBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
	if err != nil {
		return domain.OfflineQueueEntry{}, domain.StorageFailure("could not queue offline payment", err)
	}
	return entry, nil
}

// Entries returns the queued entries in enqueue order.
func (l *Ledger) Entries() ([]domain.OfflineQueueEntry, error) {
	var entries []domain.OfflineQueueEntry

	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(queueBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry domain.OfflineQueueEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, domain.StorageFailure("could not read offline queue", err)
	}
	return entries, nil
}

// Remove consumes an entry. Removing a missing sequence is a no-op, so a
// drain interrupted after settlement can safely repeat the removal.
func (l *Ledger) Remove(seq uint64) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(queueBucket)).Delete(itob(seq))
	})
	if err != nil {
		return domain.StorageFailure("could not remove offline queue entry", err)
	}
	return nil
}

// Len reports the number of queued entries.
func (l *Ledger) Len() (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(queueBucket)).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, domain.StorageFailure("could not read offline queue", err)
	}
	return n, nil
}

func itob(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
