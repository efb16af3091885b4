package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/httprouter/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// OutgoingQuery selects outgoing messages. Zero UpdatedBefore disables the age filter.
type OutgoingQuery struct {
	Status        model.Status
	UpdatedBefore time.Time
	Limit         int
}

// BatchQuery selects outgoing messages of one batch. Empty Backend matches every backend.
type BatchQuery struct {
	BatchID int64
	Backend string
	Status  model.Status
	Limit   int
}

type MessageRepository interface {
	Get(ctx context.Context, id int64) (model.Message, error)
	ListOutgoing(ctx context.Context, q OutgoingQuery) ([]model.Message, error)
	ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error)

	// MarkSent moves the given messages from Queued or Errored to Sent and
	// returns how many rows changed.
	MarkSent(ctx context.Context, ids []int64, sentAt time.Time) (int, error)
	// RecordFailure sets the status of a Queued or Errored message and appends
	// a delivery error in the same transaction.
	RecordFailure(ctx context.Context, id int64, status model.Status, log string) error
	CountDeliveryErrors(ctx context.Context, id int64) (int, error)
	ListDeliveryErrors(ctx context.Context, id int64) ([]model.DeliveryError, error)

	// TransitionStatus sets status on the given messages whose current status is in from.
	TransitionStatus(ctx context.Context, ids []int64, from []model.Status, to model.Status) (int, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) error

	CreateOutgoing(ctx context.Context, conn model.Connection, text string, inResponseTo *int64) (model.Message, error)
	MassText(ctx context.Context, req MassTextRequest) (model.MessageBatch, []model.Message, error)
}

type BatchRepository interface {
	// NextBatch returns the oldest Queued batch with bulk work for backend: a
	// Queued or Errored member on that backend, or every member resolved.
	// Batches stuck on permanently failed members are passed over.
	NextBatch(ctx context.Context, backend string) (model.MessageBatch, error)
	ListBatches(ctx context.Context, status model.Status, limit int) ([]model.MessageBatch, error)
	// ListBatchMessages returns outgoing batch members ordered by priority, then status.
	ListBatchMessages(ctx context.Context, q BatchQuery) ([]model.Message, error)
	// BatchResolved reports whether every member is Sent, Delivered or Cancelled.
	BatchResolved(ctx context.Context, batchID int64) (bool, error)
	UpdateBatchStatus(ctx context.Context, batchID int64, status model.Status) error
}

type Store interface {
	MessageRepository
	BatchRepository
}

type MassTextRequest struct {
	Text        string
	Connections []model.Connection
	Status      model.Status
	BatchStatus model.Status
	BatchName   *string
}

func (r *MassTextRequest) applyDefaults() {
	if r.Status == "" {
		r.Status = model.Processing
	}
	if r.BatchStatus == "" {
		r.BatchStatus = model.Queued
	}
}
