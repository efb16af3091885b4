package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode"

	"github.com/LeventeLantos/httprouter/internal/gateway"
	"github.com/LeventeLantos/httprouter/internal/metrics"
	"github.com/LeventeLantos/httprouter/internal/model"
	"github.com/LeventeLantos/httprouter/internal/repo"
)

const DefaultChunkSize = 400

type BulkGateway interface {
	BulkURL(backend string, recipients []string, text string, firstID int64) (string, error)
	Fetch(ctx context.Context, url string) (gateway.Response, error)
}

// RecipientFilter reports whether a recipient may be part of a bulk call.
type RecipientFilter func(identity string) bool

// NumericRecipient rejects identities containing letters.
func NumericRecipient(identity string) bool {
	for _, r := range identity {
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

type ChunkResult struct {
	Calls    int
	Sent     int
	Failed   int
	Excluded int
}

func (r *ChunkResult) add(o ChunkResult) {
	r.Calls += o.Calls
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Excluded += o.Excluded
}

// ChunkDispatcher sends runs of same-backend messages through bulk gateways,
// one HTTP call per run.
type ChunkDispatcher struct {
	store  repo.MessageRepository
	gw     BulkGateway
	accept RecipientFilter
	now    func() time.Time
}

func NewChunkDispatcher(store repo.MessageRepository, gw BulkGateway, accept RecipientFilter) *ChunkDispatcher {
	if accept == nil {
		accept = NumericRecipient
	}
	return &ChunkDispatcher{
		store:  store,
		gw:     gw,
		accept: accept,
		now:    time.Now,
	}
}

// Runs splits msgs into maximal runs of consecutive messages with the same
// backend. Backends are not regrouped: A A B A gives three runs.
func Runs(msgs []model.Message) [][]model.Message {
	var out [][]model.Message
	start := 0
	for i := 1; i <= len(msgs); i++ {
		if i == len(msgs) || msgs[i].Connection.Backend != msgs[start].Connection.Backend {
			out = append(out, msgs[start:i])
			start = i
		}
	}
	return out
}

// Send issues one call per run. The messages are expected to be Outgoing,
// Queued and ordered by priority then status. A run that fails stays Queued.
func (c *ChunkDispatcher) Send(ctx context.Context, msgs []model.Message) (ChunkResult, error) {
	var (
		total ChunkResult
		errs  []error
	)
	for _, run := range Runs(msgs) {
		res, err := c.sendRun(ctx, run)
		total.add(res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (c *ChunkDispatcher) sendRun(ctx context.Context, run []model.Message) (ChunkResult, error) {
	var (
		res        ChunkResult
		recipients []string
		ids        []int64
	)
	backend := run[0].Connection.Backend

	for _, m := range run {
		if !c.accept(m.Connection.Identity) {
			res.Excluded++
			continue
		}
		recipients = append(recipients, m.Connection.Identity)
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return res, nil
	}

	// all members of a run share the text of a mass text
	u, err := c.gw.BulkURL(backend, recipients, run[0].Text, ids[0])
	if err != nil {
		return res, fmt.Errorf("bulk backend %s: %w", backend, err)
	}

	res.Calls++
	start := c.now()
	resp, err := c.gw.Fetch(ctx, u)
	ok := err == nil && resp.OK()
	metrics.ObserveGateway(backend, ok, time.Since(start))
	metrics.IncBulkChunk(backend, ok, len(ids))

	if !ok {
		res.Failed += len(ids)
		attrs := []any{"backend", backend, "recipients", len(ids), "first_id", ids[0]}
		if err != nil {
			attrs = append(attrs, "err", err)
		} else {
			attrs = append(attrs, "status_code", resp.StatusCode, "body", excerpt(resp.Body))
		}
		slog.Warn("bulk chunk failed, left queued", attrs...)
		return res, nil
	}

	n, err := c.store.MarkSent(ctx, ids, c.now().UTC())
	if err != nil {
		return res, fmt.Errorf("mark bulk chunk sent: %w", err)
	}
	res.Sent += n

	slog.Info("bulk chunk sent", "backend", backend, "recipients", len(ids), "marked", n, "status_code", resp.StatusCode)
	return res, nil
}
