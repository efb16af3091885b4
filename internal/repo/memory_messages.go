package repo

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/httprouter/internal/model"
)

// MemoryRepo is an in-process Store. It is safe for concurrent use and
// follows the same status guards as PostgresRepo.
type MemoryRepo struct {
	mu       sync.Mutex
	now      func() time.Time
	nextMsg  int64
	nextErr  int64
	nextBat  int64
	messages map[int64]*model.Message
	errs     map[int64][]model.DeliveryError
	batches  map[int64]*model.MessageBatch
}

var _ Store = (*MemoryRepo)(nil)

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		now:      time.Now,
		messages: make(map[int64]*model.Message),
		errs:     make(map[int64][]model.DeliveryError),
		batches:  make(map[int64]*model.MessageBatch),
	}
}

// Insert stores a copy of m with a fresh id, keeping its status and batch as given.
func (r *MemoryRepo) Insert(m model.Message) model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextMsg++
	m.ID = r.nextMsg
	now := r.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if m.Direction == "" {
		m.Direction = model.Outgoing
	}
	if m.Priority == 0 {
		m.Priority = model.DefaultPriority
	}
	cp := m
	r.messages[m.ID] = &cp
	return m
}

// InsertBatch stores a batch with a fresh id.
func (r *MemoryRepo) InsertBatch(b model.MessageBatch) model.MessageBatch {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextBat++
	b.ID = r.nextBat
	cp := b
	r.batches[b.ID] = &cp
	return b
}

func (r *MemoryRepo) GetBatch(ctx context.Context, id int64) (model.MessageBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[id]
	if !ok {
		return model.MessageBatch{}, ErrNotFound
	}
	return *b, nil
}

func (r *MemoryRepo) Get(ctx context.Context, id int64) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return *m, nil
}

func (r *MemoryRepo) ListOutgoing(ctx context.Context, q OutgoingQuery) ([]model.Message, error) {
	if q.Limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	return r.selectMessages(func(m *model.Message) bool {
		if m.Direction != model.Outgoing || m.Status != q.Status {
			return false
		}
		return q.UpdatedBefore.IsZero() || !m.UpdatedAt.After(q.UpdatedBefore)
	}, q.Limit), nil
}

func (r *MemoryRepo) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	all := r.selectMessages(func(m *model.Message) bool { return m.Status == status }, 0)
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepo) MarkSent(ctx context.Context, ids []int64, sentAt time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	now := r.now().UTC()
	for _, id := range ids {
		m, ok := r.messages[id]
		if !ok || !m.Status.Sendable() {
			continue
		}
		t := sentAt.UTC()
		m.Status = model.Sent
		m.SentAt = &t
		m.UpdatedAt = now
		n++
	}
	return n, nil
}

func (r *MemoryRepo) RecordFailure(ctx context.Context, id int64, status model.Status, log string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok || !m.Status.Sendable() {
		return ErrInvalidTransition
	}

	now := r.now().UTC()
	m.Status = status
	m.UpdatedAt = now

	r.nextErr++
	r.errs[id] = append(r.errs[id], model.DeliveryError{
		ID:        r.nextErr,
		MessageID: id,
		Log:       log,
		CreatedAt: now,
	})
	return nil
}

func (r *MemoryRepo) CountDeliveryErrors(ctx context.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs[id]), nil
}

func (r *MemoryRepo) ListDeliveryErrors(ctx context.Context, id int64) ([]model.DeliveryError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs[id]), nil
}

func (r *MemoryRepo) TransitionStatus(ctx context.Context, ids []int64, from []model.Status, to model.Status) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	now := r.now().UTC()
	for _, id := range ids {
		m, ok := r.messages[id]
		if !ok || !slices.Contains(from, m.Status) {
			continue
		}
		m.Status = to
		m.UpdatedAt = now
		n++
	}
	return n, nil
}

func (r *MemoryRepo) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok || m.Status != model.Sent {
		return ErrInvalidTransition
	}
	t := at.UTC()
	m.Status = model.Delivered
	m.DeliveredAt = &t
	m.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryRepo) CreateOutgoing(ctx context.Context, conn model.Connection, text string, inResponseTo *int64) (model.Message, error) {
	return r.Insert(model.Message{
		Connection:   conn,
		Text:         text,
		Direction:    model.Outgoing,
		Status:       model.Processing,
		Priority:     model.DefaultPriority,
		InResponseTo: inResponseTo,
	}), nil
}

func (r *MemoryRepo) MassText(ctx context.Context, req MassTextRequest) (model.MessageBatch, []model.Message, error) {
	req.applyDefaults()
	if len(req.Connections) == 0 {
		return model.MessageBatch{}, nil, errors.New("no connections")
	}

	batch := r.InsertBatch(model.MessageBatch{Status: req.BatchStatus, Name: req.BatchName})
	msgs := make([]model.Message, 0, len(req.Connections))
	for _, c := range req.Connections {
		id := batch.ID
		msgs = append(msgs, r.Insert(model.Message{
			Connection: c,
			Text:       req.Text,
			Direction:  model.Outgoing,
			Status:     req.Status,
			BatchID:    &id,
			Priority:   model.DefaultPriority,
		}))
	}
	return batch, msgs, nil
}

func (r *MemoryRepo) NextBatch(ctx context.Context, backend string) (model.MessageBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *model.MessageBatch
	for _, b := range r.batches {
		if b.Status != model.Queued || (best != nil && b.ID > best.ID) {
			continue
		}
		if r.hasBulkWork(b.ID, backend) {
			best = b
		}
	}
	if best == nil {
		return model.MessageBatch{}, ErrNotFound
	}
	return *best, nil
}

func (r *MemoryRepo) hasBulkWork(batchID int64, backend string) bool {
	resolved := true
	for _, m := range r.messages {
		if m.BatchID == nil || *m.BatchID != batchID {
			continue
		}
		if m.Direction == model.Outgoing && m.Connection.Backend == backend && m.Status.Sendable() {
			return true
		}
		if !m.Status.Resolved() {
			resolved = false
		}
	}
	return resolved
}

func (r *MemoryRepo) ListBatches(ctx context.Context, status model.Status, limit int) ([]model.MessageBatch, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.MessageBatch
	for _, b := range r.batches {
		if b.Status == status {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) ListBatchMessages(ctx context.Context, q BatchQuery) ([]model.Message, error) {
	if q.Limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	return r.selectMessages(func(m *model.Message) bool {
		if m.BatchID == nil || *m.BatchID != q.BatchID {
			return false
		}
		if m.Direction != model.Outgoing || m.Status != q.Status {
			return false
		}
		return q.Backend == "" || m.Connection.Backend == q.Backend
	}, q.Limit), nil
}

func (r *MemoryRepo) BatchResolved(ctx context.Context, batchID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.messages {
		if m.BatchID == nil || *m.BatchID != batchID {
			continue
		}
		if !m.Status.Resolved() {
			return false, nil
		}
	}
	return true, nil
}

func (r *MemoryRepo) UpdateBatchStatus(ctx context.Context, batchID int64, status model.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	return nil
}

// SetUpdatedAt backdates a message; used to simulate stale queued messages.
func (r *MemoryRepo) SetUpdatedAt(id int64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.messages[id]; ok {
		m.UpdatedAt = at
	}
}

// selectMessages returns matches ordered by priority, status, id. limit <= 0 means all.
func (r *MemoryRepo) selectMessages(match func(*model.Message) bool, limit int) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Message
	for _, m := range r.messages {
		if match(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
