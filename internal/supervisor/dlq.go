package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/phxrealty/ingest/internal/domain"
)

var bucketDLQ = []byte("dlq")

// DLQ is a durable, append-only store of permanently-failed work
// items, backed by bbolt the same way SessionStore is — a second
// bucket-keyed store rather than a second storage engine.
type DLQ struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenDLQ opens (or creates) the bbolt database at path.
func OpenDLQ(path string) (*DLQ, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating dlq directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening dlq %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDLQ)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dlq bucket: %w", err)
	}
	return &DLQ{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (d *DLQ) Close() error {
	return d.db.Close()
}

// Enqueue appends item with full context. If item.ID is empty one is
// assigned from source/zipcode/current time.
func (d *DLQ) Enqueue(item domain.DeadLetterItem) (string, error) {
	now := d.now().UTC()
	if item.ID == "" {
		item.ID = fmt.Sprintf("%s_%s_%d", item.Source, item.Zipcode, now.UnixNano())
	}
	if item.FirstFailure.IsZero() {
		item.FirstFailure = now
	}
	item.LastFailure = now

	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encoding dead letter item: %w", err)
	}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDLQ).Put([]byte(item.ID), data)
	}); err != nil {
		return "", fmt.Errorf("enqueueing dead letter item: %w", err)
	}
	return item.ID, nil
}

// List returns every item with LastFailure at or after since, ordered
// oldest-first. A zero since returns all items.
func (d *DLQ) List(since time.Time) ([]domain.DeadLetterItem, error) {
	var items []domain.DeadLetterItem
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDLQ).ForEach(func(k, v []byte) error {
			var item domain.DeadLetterItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decoding dead letter item %s: %w", k, err)
			}
			if !since.IsZero() && item.LastFailure.Before(since) {
				return nil
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].LastFailure.Before(items[j].LastFailure)
	})
	return items, nil
}

// Requeue removes item id from the DLQ and returns it so the caller
// can resubmit it to the pipeline. Returns ok=false if id is absent.
func (d *DLQ) Requeue(id string) (item domain.DeadLetterItem, ok bool, err error) {
	err = d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		raw := b.Get([]byte(id))
		if raw == nil {
			return nil
		}
		if unmarshalErr := json.Unmarshal(raw, &item); unmarshalErr != nil {
			return fmt.Errorf("decoding dead letter item %s: %w", id, unmarshalErr)
		}
		ok = true
		return b.Delete([]byte(id))
	})
	return item, ok, err
}

// Purge deletes every item with LastFailure strictly before cutoff,
// returning the count removed.
func (d *DLQ) Purge(cutoff time.Time) (int, error) {
	removed := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var item domain.DeadLetterItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decoding dead letter item %s: %w", k, err)
			}
			if item.LastFailure.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
