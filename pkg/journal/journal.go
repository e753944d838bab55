package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aerodisk/vncbroker/pkg/events"
	"github.com/aerodisk/vncbroker/pkg/log"
)

var bucketEvents = []byte("events")

// Journal is a bbolt-backed audit trail of session lifecycle events. Keys
// are timestamp-prefixed so a cursor walk returns chronological order.
type Journal struct {
	db *bolt.DB
}

// Open opens (or creates) the journal database.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records one event.
func (j *Journal) Append(event *events.Event) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		// Fixed-width nanoseconds keep byte order equal to time order
		key := fmt.Sprintf("%s/%s", event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), event.ID)
		return b.Put([]byte(key), data)
	})
}

// Tail returns the most recent n events, oldest first.
func (j *Journal) Tail(n int) ([]*events.Event, error) {
	var tail []*events.Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(tail) < n; k, v = c.Prev() {
			var event events.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			tail = append(tail, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cursor walked newest-to-oldest; flip to chronological order
	for lo, hi := 0, len(tail)-1; lo < hi; lo, hi = lo+1, hi-1 {
		tail[lo], tail[hi] = tail[hi], tail[lo]
	}
	return tail, nil
}

// Record drains a subscription into the journal until the channel closes.
// Run it on its own goroutine next to the broker.
func (j *Journal) Record(sub events.Subscriber) {
	logger := log.WithComponent("journal")
	for event := range sub {
		if err := j.Append(event); err != nil {
			logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to journal event")
		}
	}
}
