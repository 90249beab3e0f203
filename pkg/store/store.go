package store

import (
	"context"
	"errors"
	"time"

	"github.com/studyhall/tutord/pkg/models"
)

// ErrNotFound is returned when no snapshot exists for the requested key.
var ErrNotFound = errors.New("snapshot not found")

// Store persists session snapshots. Persist is idempotent by session_id:
// repeated writes of the same snapshot leave one row.
type Store interface {
	// Persist upserts the snapshot under its session id.
	Persist(ctx context.Context, snap *models.SessionSnapshot) error

	// Restore returns the snapshot stored under sessionID, or ErrNotFound.
	Restore(ctx context.Context, sessionID string) (*models.SessionSnapshot, error)

	// RestoreByLearner returns the learner's most recently updated
	// snapshot, or ErrNotFound. Callers decide whether its state is
	// resumable.
	RestoreByLearner(ctx context.Context, learnerID string) (*models.SessionSnapshot, error)

	// Delete removes the snapshot stored under sessionID. Deleting an
	// absent snapshot is a no-op.
	Delete(ctx context.Context, sessionID string) error

	// DeleteTerminalBefore removes snapshots of completed sessions last
	// updated before cutoff and reports how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteStaleBefore removes snapshots of non-terminal sessions last
	// updated before cutoff and reports how many were removed. These are
	// sessions that died without completing, e.g. across a host crash.
	DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionChannel returns the NOTIFY channel carrying a session's state
// changes. Format: "session:{session_id}".
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// snapshotForWrite copies snap, stamping UpdatedAt when the caller left it
// zero, so the stored document and the updated_at column agree.
func snapshotForWrite(snap *models.SessionSnapshot) models.SessionSnapshot {
	c := *snap
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	return c
}
