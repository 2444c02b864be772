package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Observe("messages", 2)
	m.Observe("messages", 1)
	m.Observe("edits", 1)
	m.BackfillProcessed(5)
	m.Published(nil)
	m.Published(errors.New("down"))
	m.ObserveHook("message", 3*time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ingested.WithLabelValues("messages")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingested.WithLabelValues("edits")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.backfill))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("error")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	running := 2
	m.RunningJobs(func() int { return running })
	m.Observe("messages", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `chatlog_ingested_total{kind="messages"} 1`)
	assert.Contains(t, body, "chatlog_backfill_running 2")
}
