package status

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const upsertStatus = `
INSERT INTO message_status (owner, filename, recipient, state, reason, updated_at)
VALUES (:owner, :filename, :recipient, :state, :reason, :updated_at)
ON CONFLICT (owner, filename, recipient)
DO UPDATE SET state = EXCLUDED.state, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`

const selectStatus = `
SELECT owner, filename, recipient, state, reason, updated_at
FROM message_status
WHERE owner = $1 AND filename = $2
ORDER BY recipient`

// SQLTracker stores status records in the message_status table
type SQLTracker struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLTracker creates a tracker on an open database handle
func NewSQLTracker(db *sqlx.DB) *SQLTracker {
	return &SQLTracker{db: db, now: time.Now}
}

// SetStatus upserts the latest state for recipient
func (s *SQLTracker) SetStatus(ctx context.Context, owner, filename string, state State, recipient, reason string) error {
	if err := checkArgs(owner, filename, state); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, upsertStatus, Record{
		Owner:     owner,
		Filename:  filename,
		Recipient: recipient,
		State:     state,
		Reason:    reason,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("status: upsert %s/%s: %w", filename, recipient, err)
	}
	return nil
}

// Get returns the records of a message ordered by recipient
func (s *SQLTracker) Get(ctx context.Context, owner, filename string) ([]Record, error) {
	var out []Record
	if err := s.db.SelectContext(ctx, &out, selectStatus, owner, filename); err != nil {
		return nil, fmt.Errorf("status: select %s: %w", filename, err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}
