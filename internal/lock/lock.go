// Package lock provides named, time-bounded mutual exclusion leases shared by
// every dispatcher worker.
package lock

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrNotAcquired means another holder owns the lease. Callers treat it as
// "skip, try later", never as a failure.
var ErrNotAcquired = errors.New("lock: already held")

// Guard is a held lease.
type Guard interface {
	Release(ctx context.Context) error
}

// Extender is a Guard whose lease can be pushed out while held.
type Extender interface {
	Extend(ctx context.Context, lease time.Duration) error
}

// Locker hands out leases. Acquire never blocks waiting for a holder.
type Locker interface {
	Acquire(ctx context.Context, name string, lease time.Duration) (Guard, error)
}

// MessageKey names the lease serializing delivery of one message.
func MessageKey(id int64) string {
	return "send_message_" + strconv.FormatInt(id, 10)
}

// Sweep lease names.
const (
	ResendKey = "resend_messages"
	BulkKey   = "bulk_send"
	QueueKey  = "queue_messages"
)

// Extend renews g for another lease. Guards without a time bound, such as
// Postgres advisory locks, are left alone.
func Extend(ctx context.Context, g Guard, lease time.Duration) error {
	e, ok := g.(Extender)
	if !ok {
		return nil
	}
	return e.Extend(ctx, lease)
}

// With runs fn while holding the named lease and releases it afterwards, even
// if fn panics. It returns ErrNotAcquired without calling fn on contention.
func With(ctx context.Context, l Locker, name string, lease time.Duration, fn func(ctx context.Context) error) error {
	return WithGuard(ctx, l, name, lease, func(ctx context.Context, _ Guard) error {
		return fn(ctx)
	})
}

// WithGuard is With for callers that renew the lease while fn runs.
func WithGuard(ctx context.Context, l Locker, name string, lease time.Duration, fn func(ctx context.Context, g Guard) error) error {
	g, err := l.Acquire(ctx, name, lease)
	if err != nil {
		return err
	}
	defer func() {
		// release must survive a cancelled caller context
		_ = g.Release(context.WithoutCancel(ctx))
	}()

	return fn(ctx, g)
}
