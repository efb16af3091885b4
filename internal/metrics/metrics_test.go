package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	Register()
	Register()

	before := testutil.ToFloat64(dispatchOutcomes.WithLabelValues("sent"))
	IncDispatch("sent")
	if got := testutil.ToFloat64(dispatchOutcomes.WithLabelValues("sent")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}

	before = testutil.ToFloat64(sweepItems.WithLabelValues("resend"))
	AddSweepItems("resend", 0)
	AddSweepItems("resend", 3)
	if got := testutil.ToFloat64(sweepItems.WithLabelValues("resend")); got != before+3 {
		t.Fatalf("expected %v, got %v", before+3, got)
	}

	before = testutil.ToFloat64(bulkChunks.WithLabelValues("yo", "failed"))
	IncBulkChunk("yo", false, 12)
	if got := testutil.ToFloat64(bulkChunks.WithLabelValues("yo", "failed")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	Register()
	ObserveHTTPRequest(http.MethodGet, http.StatusOK, 5*time.Millisecond)
	ObserveGateway("kannel", true, 20*time.Millisecond)
	AddMassText(2)

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	for _, name := range []string{
		"http_requests_total",
		"sms_gateway_request_duration_seconds",
		"sms_mass_text_messages_total",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}
