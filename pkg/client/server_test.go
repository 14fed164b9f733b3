package client_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/listingintel/internal/api"
	"github.com/kiranshivaraju/listingintel/internal/api/handler"
	mw "github.com/kiranshivaraju/listingintel/internal/api/middleware"
	"github.com/kiranshivaraju/listingintel/internal/jobs"
	"github.com/kiranshivaraju/listingintel/internal/pollers"
	"github.com/kiranshivaraju/listingintel/internal/store"
	"github.com/kiranshivaraju/listingintel/pkg/client"
	"github.com/kiranshivaraju/listingintel/pkg/client/cache"
	"github.com/kiranshivaraju/listingintel/pkg/client/transport"
	"github.com/kiranshivaraju/listingintel/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const rawKey = "li_sdk_test_key_1234567890"

var result = json.RawMessage(`{"summary":"R","score":72}`)

// stepAnalyzer reports two progress steps and finishes once released.
type stepAnalyzer struct {
	release chan struct{}
}

func (a *stepAnalyzer) Run(ctx context.Context, _ models.AnalysisRequest, report models.ProgressFunc) (json.RawMessage, error) {
	if err := report(10, "collecting listing data"); err != nil {
		return nil, err
	}
	if err := report(55, "scoring"); err != nil {
		return nil, err
	}
	select {
	case <-a.release:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newServer(t *testing.T) (string, *stepAnalyzer) {
	t.Helper()

	st := store.NewMemoryStore()
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIKey(context.Background(), &models.APIKey{
		ID: uuid.New(), OwnerID: "acct_sdk", Name: "sdk", KeyHash: string(hash),
		KeyPrefix: rawKey[:8], Scopes: []string{"jobs"},
	}))

	reg := pollers.NewMemoryRegistry(time.Minute)
	analyzer := &stepAnalyzer{release: make(chan struct{})}
	mgr := jobs.NewManager(st, reg, analyzer, jobs.Options{CancelCheckInterval: 10 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})

	srv := httptest.NewServer(api.NewRouter(api.Dependencies{
		Auth:             mw.NewAuth(st),
		RateLimit:        mw.NewRateLimit(nil, 0),
		HealthHandler:    handler.NewHealthHandler(handler.HealthCheck{Name: "database", Ping: st.Ping}),
		StartJob:         handler.NewStartJobHandler(mgr, reg),
		PollJob:          handler.NewPollJobHandler(mgr, reg),
		CancelJob:        handler.NewCancelJobHandler(mgr),
		UnregisterPoller: handler.NewUnregisterPollerHandler(mgr, reg),
	}))
	t.Cleanup(srv.Close)
	return srv.URL, analyzer
}

type collector struct {
	mu        sync.Mutex
	progress  []int
	completes []client.Job
	errs      []error
}

func (c *collector) config(t *testing.T, baseURL string) client.Config {
	root := t.TempDir()
	hot, err := cache.NewHotCache(root)
	require.NoError(t, err)
	session, err := cache.NewSessionCache(root)
	require.NoError(t, err)

	return client.Config{
		API:          client.NewHTTPAPI(baseURL, rawKey, transport.NewExecutor(nil), transport.Options{Timeout: 2 * time.Second, RetryDelay: 5 * time.Millisecond}),
		Hot:          hot,
		Session:      session,
		PollInterval: 10 * time.Millisecond,
		OnUpdate: func(j client.Job) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if n := len(c.progress); n == 0 || c.progress[n-1] != j.Progress {
				c.progress = append(c.progress, j.Progress)
			}
		},
		OnComplete: func(j client.Job) { c.mu.Lock(); c.completes = append(c.completes, j); c.mu.Unlock() },
		OnError:    func(err error) { c.mu.Lock(); c.errs = append(c.errs, err); c.mu.Unlock() },
	}
}

func (c *collector) sawProgress(p int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.progress {
		if v == p {
			return true
		}
	}
	return false
}

func TestOrchestrator_AgainstServer(t *testing.T) {
	baseURL, analyzer := newServer(t)

	var a, b collector
	first := client.NewOrchestrator(a.config(t, baseURL))
	second := client.NewOrchestrator(b.config(t, baseURL))
	t.Cleanup(first.Close)
	t.Cleanup(second.Close)

	ctx := context.Background()
	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 2)
	for i, o := range []*client.Orchestrator{first, second} {
		wg.Add(1)
		go func(i int, o *client.Orchestrator) {
			defer wg.Done()
			job, err := o.Start(ctx, "listing-1", models.JobTypeBusinessAnalysis, nil)
			if assert.NoError(t, err) {
				ids[i] = job.ID
			}
		}(i, o)
	}
	wg.Wait()
	assert.Equal(t, ids[0], ids[1], "concurrent starts converge on one job")

	require.Eventually(t, func() bool { return a.sawProgress(55) }, 5*time.Second, 5*time.Millisecond)
	close(analyzer.release)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, o := range []*client.Orchestrator{first, second} {
		job, err := o.Wait(waitCtx)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusSucceeded, job.Status)
		assert.JSONEq(t, string(result), string(job.Result))
	}

	for _, c := range []*collector{&a, &b} {
		c.mu.Lock()
		assert.Len(t, c.completes, 1)
		assert.Empty(t, c.errs)
		c.mu.Unlock()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, 100, a.progress[len(a.progress)-1])
	for i := 1; i < len(a.progress); i++ {
		assert.GreaterOrEqual(t, a.progress[i], a.progress[i-1], "progress never goes backwards")
	}
}

func TestOrchestrator_AttachWithoutStartAgainstServer(t *testing.T) {
	baseURL, analyzer := newServer(t)

	var a collector
	starter := client.NewOrchestrator(a.config(t, baseURL))
	t.Cleanup(starter.Close)
	_, err := starter.Start(context.Background(), "listing-9", models.JobTypeDueDiligence, nil)
	require.NoError(t, err)

	// A fresh process with empty caches finds the job through the server.
	var b collector
	resumed := client.NewOrchestrator(b.config(t, baseURL))
	t.Cleanup(resumed.Close)
	job, err := resumed.Attach(context.Background(), "listing-9", models.JobTypeDueDiligence)
	require.NoError(t, err)
	assert.False(t, job.Terminal())

	close(analyzer.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := resumed.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, final.Status)

	_, err = client.NewOrchestrator(b.config(t, baseURL)).Attach(context.Background(), "listing-0", models.JobTypeDueDiligence)
	assert.ErrorIs(t, err, client.ErrNotFound)
}
