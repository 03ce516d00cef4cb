package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(friendOpsTotal.WithLabelValues("accept", "error"))
	FriendOp("accept", errors.New("x"))
	assert.Equal(t, before+1, testutil.ToFloat64(friendOpsTotal.WithLabelValues("accept", "error")))

	before = testutil.ToFloat64(callEventsTotal.WithLabelValues("busy"))
	CallEvent("busy")
	assert.Equal(t, before+1, testutil.ToFloat64(callEventsTotal.WithLabelValues("busy")))
}

func TestInstrumentAndHandler(t *testing.T) {
	h := Instrument("/api/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/test", nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/test", "418")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "infinitchat_http_requests_total"))
}
