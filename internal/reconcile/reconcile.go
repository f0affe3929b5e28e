// Package reconcile turns expanded event instances into idempotent writes
// against a team's training store.
package reconcile

import (
	"context"
	"fmt"
	"time"

	appLog "trainsync/internal/log"
	"trainsync/internal/model"
)

// DefaultBatchSize stays below the 500 writes per commit that document
// stores commonly enforce.
const DefaultBatchSize = 450

// OpKind is the decision taken for one instance.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpUpdate
	OpTouch
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpTouch:
		return "touch"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Write is one pending store mutation. For OpTouch only Training.ID and
// Training.LastSeenAt are meaningful.
type Write struct {
	Kind     OpKind
	Training model.Training
}

// Meta carries the team fields copied onto every written training.
type Meta struct {
	TimeZone  string
	DisplayTZ string
}

// Lookup maps instance ids to the rows currently stored.
type Lookup map[string]model.Training

// WritePlan is the outcome of Plan.
type WritePlan struct {
	Writes []Write
	Result model.SyncResult
}

// Plan decides create, update or touch for every instance against the
// existing rows. It performs no I/O.
//
//   - absent: create; counted as created, or cancelled when the instance
//     is already cancelled
//   - hash or cancelled flag differs: update, keeping CreatedAt and
//     QuestionnaireNotified; counted as cancelled on a false->true
//     transition, updated otherwise
//   - otherwise: touch (LastSeenAt only)
//
// Seen counts every instance. Instances repeating an id already planned in
// the same pass are counted as seen and otherwise ignored.
func Plan(teamID string, instances []model.EventInstance, existing Lookup, meta Meta, now time.Time) *WritePlan {
	now = now.UTC()
	plan := &WritePlan{Writes: make([]Write, 0, len(instances))}
	planned := make(map[string]bool, len(instances))

	for _, inst := range instances {
		plan.Result.Seen++

		id := InstanceID(teamID, inst.UID, inst.Start)
		if planned[id] {
			continue
		}
		planned[id] = true

		hash := ContentHash(inst)
		prev, ok := existing[id]

		switch {
		case !ok:
			tr := newTraining(id, teamID, inst, hash, meta, now)
			tr.CreatedAt = now
			plan.Writes = append(plan.Writes, Write{Kind: OpCreate, Training: tr})
			if inst.Cancelled {
				plan.Result.Cancelled++
			} else {
				plan.Result.Created++
			}

		case prev.Hash != hash || prev.Cancelled != inst.Cancelled:
			tr := newTraining(id, teamID, inst, hash, meta, now)
			tr.CreatedAt = prev.CreatedAt
			tr.QuestionnaireNotified = prev.QuestionnaireNotified
			plan.Writes = append(plan.Writes, Write{Kind: OpUpdate, Training: tr})
			if !prev.Cancelled && inst.Cancelled {
				plan.Result.Cancelled++
			} else {
				plan.Result.Updated++
			}

		default:
			prev.LastSeenAt = now
			plan.Writes = append(plan.Writes, Write{Kind: OpTouch, Training: prev})
		}
	}

	return plan
}

func newTraining(id, teamID string, inst model.EventInstance, hash string, meta Meta, now time.Time) model.Training {
	return model.Training{
		ID:          id,
		TeamID:      teamID,
		UID:         inst.UID,
		Title:       inst.Title,
		Description: inst.Description,
		Location:    inst.Location,
		Status:      inst.Status,
		Cancelled:   inst.Cancelled,
		AllDay:      inst.AllDay,
		Start:       inst.Start.UTC(),
		End:         inst.End.UTC(),
		TimeZone:    meta.TimeZone,
		DisplayTZ:   meta.DisplayTZ,
		Source:      model.SourceICS,
		Hash:        hash,
		LastSeenAt:  now,
		UpdatedAt:   now,
	}
}

// Store is the persistence port of the reconciler.
type Store interface {
	// LookupTrainings returns the stored rows among ids, keyed by id.
	LookupTrainings(ctx context.Context, teamID string, ids []string) (map[string]model.Training, error)
	// CommitBatch applies writes atomically: all or none.
	CommitBatch(ctx context.Context, teamID string, writes []Write) error
	// StaleTrainings lists pipeline rows of the team starting in [from, to]
	// that are not cancelled and were last seen before seenBefore.
	StaleTrainings(ctx context.Context, teamID string, from, to, seenBefore time.Time) ([]model.Training, error)
}

// PersistenceError reports a store failure during a reconcile pass.
// Committed is the number of batches applied before the failure.
type PersistenceError struct {
	Op        string
	TeamID    string
	Committed int
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s team %s (after %d committed batches): %v", e.Op, e.TeamID, e.Committed, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Reconciler applies plans to a Store in bounded batches.
type Reconciler struct {
	store     Store
	batchSize int
	now       func() time.Time
}

// New creates a Reconciler. batchSize <= 0 selects DefaultBatchSize.
func New(store Store, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reconciler{store: store, batchSize: batchSize, now: time.Now}
}

// Reconcile loads the existing rows for instances, plans the writes and
// commits them batch by batch.
func (r *Reconciler) Reconcile(ctx context.Context, teamID string, instances []model.EventInstance, meta Meta) (model.SyncResult, error) {
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, InstanceID(teamID, inst.UID, inst.Start))
	}

	existing, err := r.store.LookupTrainings(ctx, teamID, ids)
	if err != nil {
		return model.SyncResult{}, &PersistenceError{Op: "lookup", TeamID: teamID, Err: err}
	}

	plan := Plan(teamID, instances, existing, meta, r.now())
	if err := r.commit(ctx, teamID, plan.Writes); err != nil {
		return model.SyncResult{}, err
	}

	appLog.Info("reconcile completed",
		"team", teamID,
		"seen", plan.Result.Seen,
		"created", plan.Result.Created,
		"updated", plan.Result.Updated,
		"cancelled", plan.Result.Cancelled,
	)
	return plan.Result, nil
}

// ReapStale cancels pipeline rows in [from, to] that the last pass did not
// see (LastSeenAt before runStart) and returns how many it cancelled.
func (r *Reconciler) ReapStale(ctx context.Context, teamID string, from, to, runStart time.Time) (int, error) {
	stale, err := r.store.StaleTrainings(ctx, teamID, from.UTC(), to.UTC(), runStart.UTC())
	if err != nil {
		return 0, &PersistenceError{Op: "list stale", TeamID: teamID, Err: err}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	now := r.now().UTC()
	writes := make([]Write, 0, len(stale))
	for _, tr := range stale {
		tr.Status = model.StatusCancelled
		tr.Cancelled = true
		tr.Hash = ContentHash(tr.Instance())
		tr.UpdatedAt = now
		writes = append(writes, Write{Kind: OpUpdate, Training: tr})
	}

	if err := r.commit(ctx, teamID, writes); err != nil {
		return 0, err
	}
	appLog.Info("reconcile stale trainings cancelled", "team", teamID, "count", len(writes))
	return len(writes), nil
}

func (r *Reconciler) commit(ctx context.Context, teamID string, writes []Write) error {
	committed := 0
	for start := 0; start < len(writes); start += r.batchSize {
		end := min(start+r.batchSize, len(writes))
		if err := ctx.Err(); err != nil {
			return &PersistenceError{Op: "commit", TeamID: teamID, Committed: committed, Err: err}
		}
		if err := r.store.CommitBatch(ctx, teamID, writes[start:end]); err != nil {
			return &PersistenceError{Op: "commit", TeamID: teamID, Committed: committed, Err: err}
		}
		committed++
		appLog.Debug("reconcile batch committed", "team", teamID, "batch", committed, "writes", end-start)
	}
	return nil
}
