package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/psm"
)

// PostgresStore keeps snapshots in the session_snapshots table. A persist
// that changes the session's PSM state publishes a notification on the
// session's channel in the same transaction (pg_notify is transactional —
// held until COMMIT), so external observers never see a notification for a
// write that rolled back.
type PostgresStore struct {
	db *stdsql.DB
}

// NewPostgresStore creates a store over db. The db parameter should be the
// *sql.DB from Client.DB().
func NewPostgresStore(db *stdsql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// stateChangeNotification is the payload published on the session channel
// when a persist changes the stored PSM state.
type stateChangeNotification struct {
	SessionID string    `json:"session_id"`
	LearnerID string    `json:"learner_id"`
	State     psm.State `json:"psm_state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Persist upserts snap under its session id and notifies on state change.
func (s *PostgresStore) Persist(ctx context.Context, snap *models.SessionSnapshot) error {
	if snap == nil || snap.SessionID == "" {
		return fmt.Errorf("snapshot must carry a session id")
	}

	row := snapshotForWrite(snap)
	payload, err := json.Marshal(&row)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persist transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevState stdsql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT psm_state FROM session_snapshots WHERE session_id = $1 FOR UPDATE`,
		row.SessionID,
	).Scan(&prevState)
	if err != nil && !errors.Is(err, stdsql.ErrNoRows) {
		return fmt.Errorf("read previous state: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_snapshots (session_id, learner_id, psm_state, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			learner_id = EXCLUDED.learner_id,
			psm_state  = EXCLUDED.psm_state,
			snapshot   = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at`,
		row.SessionID, row.LearnerID, string(row.State), payload, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	if !prevState.Valid || prevState.String != string(row.State) {
		notification, err := json.Marshal(stateChangeNotification{
			SessionID: row.SessionID,
			LearnerID: row.LearnerID,
			State:     row.State,
			UpdatedAt: row.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal state change notification: %w", err)
		}
		_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)",
			SessionChannel(row.SessionID), string(notification))
		if err != nil {
			return fmt.Errorf("pg_notify failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit persist transaction: %w", err)
	}
	return nil
}

// Restore returns the snapshot stored under sessionID.
func (s *PostgresStore) Restore(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM session_snapshots WHERE session_id = $1`,
		sessionID,
	).Scan(&payload)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return decodeSnapshot(payload)
}

// RestoreByLearner returns the learner's most recently updated snapshot.
func (s *PostgresStore) RestoreByLearner(ctx context.Context, learnerID string) (*models.SessionSnapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM session_snapshots
		 WHERE learner_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		learnerID,
	).Scan(&payload)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot by learner: %w", err)
	}
	return decodeSnapshot(payload)
}

// Delete removes the snapshot stored under sessionID.
func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_snapshots WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// DeleteTerminalBefore removes snapshots of completed sessions last updated
// before cutoff.
func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_snapshots WHERE psm_state = $1 AND updated_at < $2`,
		string(psm.StateSessionComplete), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal snapshots: %w", err)
	}
	return res.RowsAffected()
}

// DeleteStaleBefore removes snapshots of non-terminal sessions last updated
// before cutoff.
func (s *PostgresStore) DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_snapshots WHERE psm_state <> $1 AND updated_at < $2`,
		string(psm.StateSessionComplete), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete stale snapshots: %w", err)
	}
	return res.RowsAffected()
}

func decodeSnapshot(payload []byte) (*models.SessionSnapshot, error) {
	var snap models.SessionSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
