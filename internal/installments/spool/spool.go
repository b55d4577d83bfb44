// Package spool buffers verified webhook deliveries in a local bolt file while
// the database is unavailable, and replays them once it is back.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const bucketName = "webhooks"

// Item is one buffered delivery.
type Item struct {
	Provider   string    `json:"provider"`
	EventID    string    `json:"event_id"`
	Signature  string    `json:"signature"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Logger is a minimal logger interface required by the replayer.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Spool wraps a bolt database.
type Spool struct {
	db *bolt.DB
}

// Open opens (or creates) the spool file at path.
func Open(path string) (*Spool, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Spool{db: db}, nil
}

// Close releases the file lock.
func (s *Spool) Close() error {
	return s.db.Close()
}

// key orders items by arrival; the provider and event id keep it unique and
// make re-spooling the same delivery a no-op.
func key(it Item) []byte {
	return []byte(fmt.Sprintf("%020d|%s|%s", it.ReceivedAt.UnixNano(), it.Provider, it.EventID))
}

// Put stores a delivery.
func (s *Spool) Put(it Item) error {
	data, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put(key(it), data)
	})
}

// Len returns the number of buffered deliveries.
func (s *Spool) Len() (n int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketName)).Stats().KeyN
		return nil
	})
	return n, err
}

// Drain hands items to fn oldest first and removes each one fn accepts. It
// stops at the first error so that ordering is preserved for the next attempt.
func (s *Spool) Drain(ctx context.Context, fn func(context.Context, Item) error) (int, error) {
	drained := 0
	for {
		if err := ctx.Err(); err != nil {
			return drained, err
		}
		var k []byte
		var it Item
		err := s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket([]byte(bucketName)).Cursor()
			ck, v := c.First()
			if ck == nil {
				return nil
			}
			k = append([]byte(nil), ck...)
			return json.Unmarshal(v, &it)
		})
		if err != nil {
			return drained, err
		}
		if k == nil {
			return drained, nil
		}
		if err := fn(ctx, it); err != nil {
			return drained, err
		}
		if err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(bucketName)).Delete(k)
		}); err != nil {
			return drained, err
		}
		drained++
	}
}

// Replay drains the spool every interval until ctx is done.
func (s *Spool) Replay(ctx context.Context, interval time.Duration, fn func(context.Context, Item) error, logger Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Drain(ctx, fn)
			if n > 0 {
				logger.Infof("spool: replayed %d webhook deliveries", n)
			}
			if err != nil && ctx.Err() == nil {
				logger.Errorf("spool: replay stopped: %v", err)
			}
		}
	}
}
