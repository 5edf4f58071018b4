// Package audit records every run lifecycle event into the audit table,
// giving operators a queryable trail independent of the run snapshots.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"steward/pkg/bus"
	"steward/pkg/db"
)

const (
	runEventsSubject = "steward.runs.>"
	subjectPrefix    = "steward.runs."
	systemActor      = "pipeline"
)

// Recorder consumes run lifecycle events from NATS and appends them to the
// audit table.
type Recorder struct {
	pool *pgxpool.Pool
	bus  *bus.Bus

	subMu sync.Mutex
	sub   io.Closer
}

// NewRecorder constructs a Recorder for the provided dependencies.
func NewRecorder(pool *pgxpool.Pool, bus *bus.Bus) (*Recorder, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	return &Recorder{pool: pool, bus: bus}, nil
}

// Start subscribes to run lifecycle events and records them until ctx is
// cancelled.
func (r *Recorder) Start(ctx context.Context) error {
	if r == nil {
		return errors.New("nil recorder")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	sub, err := r.bus.Subscribe(ctx, runEventsSubject, "audit-runs", r.handleEvent)
	if err != nil {
		return err
	}

	r.subMu.Lock()
	r.sub = sub
	r.subMu.Unlock()
	return nil
}

// Close stops the underlying subscription if it was created.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	if r.sub == nil {
		return nil
	}
	err := r.sub.Close()
	r.sub = nil
	return err
}

func (r *Recorder) handleEvent(ctx context.Context, subject string, data []byte) error {
	var details map[string]any
	if err := json.Unmarshal(data, &details); err != nil {
		return err
	}

	runID, _ := details["run_id"].(string)
	if runID == "" {
		return errors.New("run_id missing from event")
	}

	actor := systemActor
	if value, ok := details["actor"].(string); ok && value != "" {
		actor = value
	}

	detailsBytes, err := json.Marshal(details)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, r.pool, `
INSERT INTO audit (actor, action, obj, details, at)
VALUES ($1, $2, $3, $4::jsonb, $5)
`, actor, actionFromSubject(subject), runID, detailsBytes, time.Now().UTC())
	return err
}

// actionFromSubject maps "steward.runs.awaiting_approval" to
// "run_awaiting_approval".
func actionFromSubject(subject string) string {
	suffix := strings.TrimPrefix(subject, subjectPrefix)
	if suffix == "" || suffix == subject {
		return "run_event"
	}
	return "run_" + suffix
}
