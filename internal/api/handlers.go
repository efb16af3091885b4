package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/LeventeLantos/httprouter/internal/lock"
	"github.com/LeventeLantos/httprouter/internal/model"
	"github.com/LeventeLantos/httprouter/internal/repo"
	"github.com/LeventeLantos/httprouter/internal/scheduler"
	"github.com/LeventeLantos/httprouter/internal/service"
)

const maxBodyBytes = 1 << 20

type Sender interface {
	Dispatch(ctx context.Context, id int64) (service.Outcome, error)
}

type Outbox interface {
	AddOutgoing(ctx context.Context, conn model.Connection, text string, inResponseTo *int64) (model.Message, service.Outcome, error)
	MassText(ctx context.Context, req repo.MassTextRequest) (model.MessageBatch, []model.Message, error)
	Cancel(ctx context.Context, id int64) error
	MarkDelivered(ctx context.Context, id int64) error
}

type Handler struct {
	sched  *scheduler.Scheduler
	repo   repo.MessageRepository
	sender Sender
	outbox Outbox
}

func NewHandler(s *scheduler.Scheduler, r repo.MessageRepository, sender Sender, outbox Outbox) *Handler {
	return &Handler{sched: s, repo: r, sender: sender, outbox: outbox}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":  h.sched.IsRunning(),
		"interval": h.sched.Interval().String(),
		"jobs":     h.sched.Jobs(),
	})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := h.sched.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job": name, "ok": true})
	}
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.Status(q.Get("status"))
	if status == "" {
		status = model.Sent
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown status "+string(status)))
		return
	}
	limit := parseInt(q.Get("limit"), 50)
	offset := parseInt(q.Get("offset"), 0)

	items, err := h.repo.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := h.repo.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) ListDeliveryErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	items, err := h.repo.ListDeliveryErrors(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type outgoingRequest struct {
	Identity     string `json:"identity"`
	Backend      string `json:"backend"`
	Text         string `json:"text"`
	InResponseTo *int64 `json:"in_response_to,omitempty"`
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req outgoingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conn := model.Connection{Identity: service.NormalizeNumber(req.Identity), Backend: req.Backend}
	if conn.Identity == "" || conn.Backend == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("identity, backend and text are required"))
		return
	}

	m, out, err := h.outbox.AddOutgoing(r.Context(), conn, req.Text, req.InResponseTo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": m, "outcome": out})
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	out, err := h.sender.Dispatch(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "outcome": out})
}

func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.outbox.Cancel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.Cancelled})
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.outbox.MarkDelivered(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.Delivered})
}

type massTextRequest struct {
	Text        string `json:"text"`
	BatchName   string `json:"batch_name,omitempty"`
	Status      string `json:"status,omitempty"`
	Connections []struct {
		Identity string `json:"identity"`
		Backend  string `json:"backend"`
	} `json:"connections"`
}

func (h *Handler) MassText(w http.ResponseWriter, r *http.Request) {
	var req massTextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" || len(req.Connections) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("text and connections are required"))
		return
	}

	mt := repo.MassTextRequest{Text: req.Text, Status: model.Status(req.Status)}
	if mt.Status != "" && !mt.Status.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown status "+req.Status))
		return
	}
	if req.BatchName != "" {
		mt.BatchName = &req.BatchName
	}
	for _, c := range req.Connections {
		conn := model.Connection{Identity: service.NormalizeNumber(c.Identity), Backend: c.Backend}
		if conn.Identity == "" || conn.Backend == "" {
			writeError(w, http.StatusBadRequest, errors.New("every connection needs identity and backend"))
			return
		}
		mt.Connections = append(mt.Connections, conn)
	}

	batch, msgs, err := h.outbox.MassText(r.Context(), mt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	writeJSON(w, http.StatusCreated, map[string]any{"batch": batch, "message_ids": ids})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid message id"))
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, repo.ErrInvalidTransition), errors.Is(err, lock.ErrNotAcquired):
		writeError(w, http.StatusConflict, err)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
