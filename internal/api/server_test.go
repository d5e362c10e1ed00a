package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asset-orchestrator/internal/breaker"
	"asset-orchestrator/internal/models"
	"asset-orchestrator/internal/ratelimit"
	"asset-orchestrator/internal/resource"
	"asset-orchestrator/internal/scheduler"
	"asset-orchestrator/internal/store"
	"asset-orchestrator/internal/worker"
)

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, models.Job, *models.Checkpoint, worker.Reporter) error {
	return nil
}

type staticHealth resource.Health

func (h staticHealth) Health() resource.Health { return resource.Health(h) }

func newTestServer(t *testing.T, run bool) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 10)
	t.Cleanup(func() { _ = st.Close() })

	br := breaker.New(breaker.Settings{Name: "api-test"})
	sched := scheduler.New(scheduler.Options{MaxConcurrent: 1, MaxQueueSize: 2, PollInterval: 10 * time.Millisecond}, st, noopExecutor{}, br, nil, nil)
	if run {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go func() { _ = sched.Run(ctx) }()
	}

	srv := httptest.NewServer(New(sched, st, staticHealth{Overall: resource.LevelHealthy, MemoryPercent: 40}, nil).Router())
	t.Cleanup(srv.Close)
	return srv, sched
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubmitAndGetJob(t *testing.T) {
	srv, _ := newTestServer(t, true)

	resp := post(t, srv.URL+"/jobs", `{"id":"sofa-1","models":["sofa"],"materials":["velvet"],"priority":2}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sub submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	assert.Equal(t, "sofa-1", sub.ID)

	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/jobs/sofa-1")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var job models.Job
		_ = json.NewDecoder(r.Body).Decode(&job)
		return job.Status == models.StatusCompleted && job.Progress == 100
	}, 2*time.Second, 10*time.Millisecond)

	r, err := http.Get(srv.URL + "/jobs/sofa-1/audit")
	require.NoError(t, err)
	defer r.Body.Close()
	var audit struct {
		Events []models.AuditEvent `json:"events"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&audit))
	require.NotEmpty(t, audit.Events)
	assert.Equal(t, "completed", audit.Events[0].Event)
}

func TestSubmitErrors(t *testing.T) {
	srv, _ := newTestServer(t, false)

	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/jobs", `{`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/jobs", `{"models":["sofa"],"materials":["chrome"]}`).StatusCode)
	assert.Equal(t, http.StatusAccepted, post(t, srv.URL+"/jobs", `{"id":"a","models":["sofa"]}`).StatusCode)
	assert.Equal(t, http.StatusConflict, post(t, srv.URL+"/jobs", `{"id":"a","models":["sofa"]}`).StatusCode)
	assert.Equal(t, http.StatusAccepted, post(t, srv.URL+"/jobs", `{"id":"b","models":["sofa"]}`).StatusCode)

	full := post(t, srv.URL+"/jobs", `{"id":"c","models":["sofa"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, full.StatusCode)
	assert.Equal(t, "30", full.Header.Get("Retry-After"))
}

func TestCancelEndpoint(t *testing.T) {
	srv, sched := newTestServer(t, false)
	post(t, srv.URL+"/jobs", `{"id":"queued","models":["sofa"]}`)

	resp := post(t, srv.URL+"/jobs/queued/cancel", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := sched.Status("queued")
	assert.ErrorIs(t, err, scheduler.ErrJobNotFound)

	assert.Equal(t, http.StatusConflict, post(t, srv.URL+"/jobs/queued/cancel", ``).StatusCode)

	r, err := http.Get(srv.URL + "/jobs/queued")
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)

	a, err := http.Get(srv.URL + "/jobs/queued/audit")
	require.NoError(t, err)
	defer a.Body.Close()
	assert.Equal(t, http.StatusNotFound, a.StatusCode)
}

func TestListStatsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, false)
	post(t, srv.URL+"/jobs", `{"id":"one","models":["sofa"]}`)
	post(t, srv.URL+"/jobs", `{"id":"two","models":["chair"]}`)

	r, err := http.Get(srv.URL + "/jobs")
	require.NoError(t, err)
	defer r.Body.Close()
	var list struct {
		Jobs []models.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&list))
	assert.Len(t, list.Jobs, 2)

	r2, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer r2.Body.Close()
	var m scheduler.Metrics
	require.NoError(t, json.NewDecoder(r2.Body).Decode(&m))
	assert.Equal(t, 2, m.TotalJobs)
	assert.Equal(t, 2, m.QueueSize)
	assert.Equal(t, breaker.StateClosed, m.CircuitBreakerState)

	r3, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer r3.Body.Close()
	var health struct {
		Status    string          `json:"status"`
		Resources resource.Health `json:"resources"`
	}
	require.NoError(t, json.NewDecoder(r3.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 40.0, health.Resources.MemoryPercent)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, false)
	r, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
}

func TestSubmitRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStore(client, 10)
	t.Cleanup(func() { _ = st.Close() })

	sched := scheduler.New(scheduler.Options{MaxQueueSize: 10}, st, noopExecutor{}, breaker.New(breaker.Settings{}), nil, nil)
	limiter := ratelimit.NewSubmitLimiter(client, 1, 0.1, time.Minute)
	srv := httptest.NewServer(New(sched, st, nil, limiter).Router())
	t.Cleanup(srv.Close)

	submit := func(id, clientID string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/jobs", strings.NewReader(`{"id":"`+id+`","models":["sofa"]}`))
		require.NoError(t, err)
		req.Header.Set("X-Client-ID", clientID)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusAccepted, submit("one", "studio-a").StatusCode)
	limited := submit("two", "studio-a")
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))
	assert.Equal(t, http.StatusAccepted, submit("three", "studio-b").StatusCode)
}
