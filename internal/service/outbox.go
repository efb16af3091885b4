package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/httprouter/internal/events"
	"github.com/LeventeLantos/httprouter/internal/lock"
	"github.com/LeventeLantos/httprouter/internal/metrics"
	"github.com/LeventeLantos/httprouter/internal/model"
	"github.com/LeventeLantos/httprouter/internal/repo"
)

// Outbox is the write side used by the router and the operator API.
type Outbox struct {
	store  repo.Store
	locks  lock.Locker
	single *Dispatcher
	admit  Admitter
	events events.Publisher
	lease  time.Duration
	now    func() time.Time
}

func NewOutbox(store repo.Store, locks lock.Locker, single *Dispatcher, admit Admitter, pub events.Publisher) *Outbox {
	if admit == nil {
		admit = AdmitAll
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Outbox{
		store:  store,
		locks:  locks,
		single: single,
		admit:  admit,
		events: pub,
		lease:  DefaultMessageLease,
		now:    time.Now,
	}
}

// NormalizeNumber lowercases identity and drops everything outside [0-9a-z].
func NormalizeNumber(identity string) string {
	var b strings.Builder
	b.Grow(len(identity))
	for _, r := range strings.ToLower(identity) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// AddOutgoing creates an outgoing message, runs admission and, when admitted,
// dispatches it right away.
func (o *Outbox) AddOutgoing(ctx context.Context, conn model.Connection, text string, inResponseTo *int64) (model.Message, Outcome, error) {
	if conn.Backend == "" || conn.Identity == "" {
		return model.Message{}, "", errors.New("connection needs backend and identity")
	}

	m, err := o.store.CreateOutgoing(ctx, conn, text, inResponseTo)
	if err != nil {
		return model.Message{}, "", fmt.Errorf("create outgoing: %w", err)
	}

	to := model.Queued
	if !o.admit.Admit(ctx, m) {
		to = model.Cancelled
	}
	if _, err := o.store.TransitionStatus(ctx, []int64{m.ID}, []model.Status{model.Processing}, to); err != nil {
		return m, "", err
	}
	m.Status = to
	if to == model.Cancelled {
		slog.Info("outgoing message rejected", "message_id", m.ID)
		return m, OutcomeNoOp, nil
	}

	out, err := o.single.Dispatch(ctx, m.ID)
	if err != nil {
		return m, "", err
	}
	if fresh, err := o.store.Get(ctx, m.ID); err == nil {
		m = fresh
	}
	return m, out, nil
}

// MassText creates a batch with one message per connection and announces it.
func (o *Outbox) MassText(ctx context.Context, req repo.MassTextRequest) (model.MessageBatch, []model.Message, error) {
	batch, msgs, err := o.store.MassText(ctx, req)
	if err != nil {
		return model.MessageBatch{}, nil, err
	}
	metrics.AddMassText(len(msgs))

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	status := model.Status("")
	if len(msgs) > 0 {
		status = msgs[0].Status
	}
	o.events.PublishMassText(ctx, events.MassTextSent{
		BatchID:    batch.ID,
		MessageIDs: ids,
		Status:     status,
		At:         o.now().UTC(),
	})

	slog.Info("mass text created", "batch_id", batch.ID, "messages", len(msgs))
	return batch, msgs, nil
}

// Cancel moves a message that is not yet sent to Cancelled. It returns
// lock.ErrNotAcquired while a send is in flight.
func (o *Outbox) Cancel(ctx context.Context, id int64) error {
	return lock.With(ctx, o.locks, lock.MessageKey(id), o.lease, func(ctx context.Context) error {
		m, err := o.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return fmt.Errorf("message %d is %s: %w", id, m.Status, repo.ErrInvalidTransition)
		}
		n, err := o.store.TransitionStatus(ctx, []int64{id}, []model.Status{m.Status}, model.Cancelled)
		if err != nil {
			return err
		}
		if n == 0 {
			return repo.ErrInvalidTransition
		}
		slog.Info("message cancelled", "message_id", id)
		return nil
	})
}

func (o *Outbox) MarkDelivered(ctx context.Context, id int64) error {
	return o.store.MarkDelivered(ctx, id, o.now().UTC())
}
