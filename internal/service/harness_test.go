package service_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/httprouter/internal/gateway"
	"github.com/LeventeLantos/httprouter/internal/lock"
	"github.com/LeventeLantos/httprouter/internal/repo"
	"github.com/LeventeLantos/httprouter/internal/service"
)

const bulkBackend = "bulk"

// recorder is a fake SMS gateway answering every request with status.
type recorder struct {
	mu     sync.Mutex
	status int
	calls  []url.Values
	paths  []string
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.calls = append(r.calls, req.URL.Query())
	r.paths = append(r.paths, req.URL.Path)
	status := r.status
	r.mu.Unlock()

	w.WriteHeader(status)
	_, _ = w.Write([]byte("ack"))
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) call(i int) url.Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func (r *recorder) setStatus(code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

type harness struct {
	redis   *miniredis.Miniredis
	store   *repo.MemoryRepo
	locks   *lock.RedisLocker
	gw      *gateway.Client
	router  *recorder
	single  *service.Dispatcher
	chunks  *service.ChunkDispatcher
	sweeper *service.Sweeper
	outbox  *service.Outbox
}

func newHarness(t *testing.T, status int) *harness {
	t.Helper()

	rec := &recorder{status: status}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	return newHarnessWith(t, rec, gateway.Config{
		Templates: gateway.SingleTemplate(srv.URL + "/send?to=%(recipient)s&text=%(text)s&id=%(id)s"),
		BulkTemplates: map[string]string{
			bulkBackend: srv.URL + "/bulk?to=%(recipient)s&text=%(text)s&n=%(count)s",
			"other":     srv.URL + "/bulk-other?to=%(recipient)s&text=%(text)s",
		},
	})
}

func newHarnessWith(t *testing.T, rec *recorder, cfg gateway.Config) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		redis:  mr,
		store:  repo.NewMemoryRepo(),
		locks:  lock.NewRedisLocker(rdb),
		gw:     gateway.NewClient(cfg),
		router: rec,
	}
	h.single = service.NewDispatcher(h.store, h.locks, h.gw, 0)
	h.chunks = service.NewChunkDispatcher(h.store, h.gw, nil)
	h.sweeper = service.NewSweeper(h.store, h.locks, h.single, h.chunks, h.gw.BulkBackends(), nil, service.SweepConfig{})
	h.outbox = service.NewOutbox(h.store, h.locks, h.single, nil, nil)
	return h
}
