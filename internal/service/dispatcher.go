package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/httprouter/internal/gateway"
	"github.com/LeventeLantos/httprouter/internal/lock"
	"github.com/LeventeLantos/httprouter/internal/metrics"
	"github.com/LeventeLantos/httprouter/internal/model"
	"github.com/LeventeLantos/httprouter/internal/repo"
)

// MaxAttempts is the total number of delivery attempts per message. The count
// of prior attempts is the number of DeliveryError rows; there is no separate
// counter, so deleting error rows resets the budget.
const MaxAttempts = 3

const (
	DefaultMessageLease = 60 * time.Second
	maxLoggedBody       = 1024
)

type Outcome string

const (
	OutcomeSkipped           Outcome = "skipped"
	OutcomeNoOp              Outcome = "noop"
	OutcomeSent              Outcome = "sent"
	OutcomeErrored           Outcome = "errored"
	OutcomePermanentlyFailed Outcome = "permanently_failed"
)

type Gateway interface {
	MessageURL(m model.Message) (string, error)
	Fetch(ctx context.Context, url string) (gateway.Response, error)
}

// Dispatcher sends one message per call under that message's lease.
type Dispatcher struct {
	store repo.MessageRepository
	locks lock.Locker
	gw    Gateway
	lease time.Duration
	now   func() time.Time

	onSent   func(ctx context.Context, m model.Message)
	onFailed func(ctx context.Context, m model.Message, status model.Status, log string)
}

func NewDispatcher(store repo.MessageRepository, locks lock.Locker, gw Gateway, lease time.Duration) *Dispatcher {
	if lease <= 0 {
		lease = DefaultMessageLease
	}
	return &Dispatcher{
		store: store,
		locks: locks,
		gw:    gw,
		lease: lease,
		now:   time.Now,
	}
}

func (d *Dispatcher) WithHooks(
	onSent func(ctx context.Context, m model.Message),
	onFailed func(ctx context.Context, m model.Message, status model.Status, log string),
) *Dispatcher {
	d.onSent = onSent
	d.onFailed = onFailed
	return d
}

// Dispatch attempts delivery of message id at most once. Lock contention and
// messages no longer Queued or Errored are not errors. A returned error is a
// configuration or store failure; the message status is left as it was.
func (d *Dispatcher) Dispatch(ctx context.Context, id int64) (Outcome, error) {
	g, err := d.locks.Acquire(ctx, lock.MessageKey(id), d.lease)
	if errors.Is(err, lock.ErrNotAcquired) {
		slog.Debug("message locked by another worker", "message_id", id)
		metrics.IncDispatch(string(OutcomeSkipped))
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	defer func() {
		if err := g.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("release message lock", "message_id", id, "err", err)
		}
	}()

	m, err := d.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load message %d: %w", id, err)
	}
	if m.Direction != model.Outgoing || !m.Status.Sendable() {
		metrics.IncDispatch(string(OutcomeNoOp))
		return OutcomeNoOp, nil
	}

	out, err := d.send(ctx, m)
	if err != nil {
		return "", err
	}
	metrics.IncDispatch(string(out))
	return out, nil
}

func (d *Dispatcher) send(ctx context.Context, m model.Message) (Outcome, error) {
	var log strings.Builder
	fmt.Fprintf(&log, "Sending message: [%d]\n", m.ID)

	u, err := d.gw.MessageURL(m)
	if err != nil {
		return "", fmt.Errorf("message %d: %w", m.ID, err)
	}
	fmt.Fprintf(&log, "%s %s\n", m.Connection.Backend, u)

	start := d.now()
	resp, err := d.gw.Fetch(ctx, u)
	if err == nil {
		fmt.Fprintf(&log, "Status Code: %d\n", resp.StatusCode)
		fmt.Fprintf(&log, "Body: %s\n", excerpt(resp.Body))

		if resp.OK() {
			metrics.ObserveGateway(m.Connection.Backend, true, time.Since(start))
			return d.markSent(ctx, m, resp.StatusCode)
		}
		err = fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	metrics.ObserveGateway(m.Connection.Backend, false, time.Since(start))

	return d.fail(ctx, m, &log, err)
}

func (d *Dispatcher) markSent(ctx context.Context, m model.Message, code int) (Outcome, error) {
	sentAt := d.now().UTC()
	n, err := d.store.MarkSent(ctx, []int64{m.ID}, sentAt)
	if err != nil {
		return "", fmt.Errorf("mark message %d sent: %w", m.ID, err)
	}
	if n == 0 {
		slog.Warn("message changed status during send", "message_id", m.ID)
	}

	slog.Info("sms sent", "message_id", m.ID, "backend", m.Connection.Backend, "status_code", code)

	m.Status = model.Sent
	m.SentAt = &sentAt
	if d.onSent != nil {
		d.onSent(ctx, m)
	}
	return OutcomeSent, nil
}

func (d *Dispatcher) fail(ctx context.Context, m model.Message, log *strings.Builder, cause error) (Outcome, error) {
	previous, err := d.store.CountDeliveryErrors(ctx, m.ID)
	if err != nil {
		return "", fmt.Errorf("count delivery errors for %d: %w", m.ID, err)
	}

	fmt.Fprintf(log, "Failure #%d\n\n", previous+1)
	fmt.Fprintf(log, "Error: %s\n\n", cause)

	status, out := model.Errored, OutcomeErrored
	if previous >= MaxAttempts-1 {
		status, out = model.PermanentlyFailed, OutcomePermanentlyFailed
		log.WriteString("Permanent failure, will not retry.")
	} else {
		fmt.Fprintf(log, "Will retry %d more time(s).", MaxAttempts-1-previous)
	}

	if err := d.store.RecordFailure(ctx, m.ID, status, log.String()); err != nil {
		return "", fmt.Errorf("record failure for %d: %w", m.ID, err)
	}

	slog.Warn("sms send failed",
		"message_id", m.ID,
		"backend", m.Connection.Backend,
		"attempt", previous+1,
		"status", status,
		"err", cause,
	)

	if d.onFailed != nil {
		d.onFailed(ctx, m, status, log.String())
	}
	return out, nil
}

func excerpt(body string) string {
	if len(body) <= maxLoggedBody {
		return body
	}
	return body[:maxLoggedBody] + "..."
}
