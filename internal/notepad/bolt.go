package notepad

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Bolt is a Notepad backed by a BoltDB file.  Each notepad name maps to
// one bucket, so several notepads can share a file.  BoltDB serializes
// writers, which makes Add atomic with respect to other Bolt notepads on
// the same file.
type Bolt struct {
	db     *bbolt.DB
	bucket []byte
	owned  bool
}

var _ Closer = (*Bolt)(nil)

// OpenBolt opens (creating if needed) the BoltDB file at path and
// returns a notepad that stores identifiers in the bucket called name.
func OpenBolt(path, name string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening notepad %s: %w", path, err)
	}
	b, err := NewBolt(db, name)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewBolt returns a notepad on an already open database.  Close does
// not close db.
func NewBolt(db *bbolt.DB, name string) (*Bolt, error) {
	if name == "" {
		return nil, fmt.Errorf("notepad: bucket name is required")
	}
	bucket := []byte(name)
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket %s: %w", name, err)
	}
	return &Bolt{db: db, bucket: bucket}, nil
}

// Contains implements Notepad.
func (b *Bolt) Contains(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(b.bucket).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// Add implements Notepad.  The value is the time the identifier was
// first recorded.
func (b *Bolt) Add(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		if bkt.Get([]byte(id)) != nil {
			return nil
		}
		stamp, err := time.Now().UTC().MarshalText()
		if err != nil {
			return err
		}
		return bkt.Put([]byte(id), stamp)
	})
}

// Close closes the database if OpenBolt opened it.
func (b *Bolt) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}
