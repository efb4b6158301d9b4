package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
)

// BadgerTracker stores status records in an embedded badger database
// under keys "status/<owner>/<filename>/<recipient>".
type BadgerTracker struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadger opens (or creates) a badger database at path.
// An empty path opens an in-memory database.
func OpenBadger(path string) (*BadgerTracker, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("status: open badger %s: %w", path, err)
	}
	return &BadgerTracker{db: db, now: time.Now}, nil
}

// Close closes the database
func (b *BadgerTracker) Close() error {
	return b.db.Close()
}

func messagePrefix(owner, filename string) []byte {
	return []byte("status/" + owner + "/" + filename + "/")
}

// SetStatus records the latest state for recipient
func (b *BadgerTracker) SetStatus(ctx context.Context, owner, filename string, state State, recipient, reason string) error {
	if err := checkArgs(owner, filename, state); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := json.Marshal(Record{
		Owner:     owner,
		Filename:  filename,
		Recipient: recipient,
		State:     state,
		Reason:    reason,
		UpdatedAt: b.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("status: encode record: %w", err)
	}

	key := append(messagePrefix(owner, filename), recipient...)
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		return fmt.Errorf("status: write %s: %w", key, err)
	}
	return nil
}

// Get returns the records of a message ordered by recipient
func (b *BadgerTracker) Get(ctx context.Context, owner, filename string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := messagePrefix(owner, filename)
	var out []Record

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("status: read %s: %w", prefix, err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}
