package reconciler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdorescf/sselab-risk-scores/pkg/cloudflare"
	"github.com/jdorescf/sselab-risk-scores/pkg/config"
	"github.com/jdorescf/sselab-risk-scores/pkg/core"
	"github.com/jdorescf/sselab-risk-scores/pkg/metrics"
)

// fakeCloudflare serves the three endpoints and applies PATCHes to its list.
type fakeCloudflare struct {
	mu          sync.Mutex
	users       []map[string]string
	list        []cloudflare.ListEntry
	riskStatus  int
	listStatus  int
	patchStatus int
	riskBody    string // raw summary body, overrides users
	listBody    string // raw items body, overrides list
	patches     []string
	authHeaders []http.Header
}

func (f *fakeCloudflare) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeaders = append(f.authHeaders, r.Header.Clone())

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/accounts/acc/zt_risk_scoring/summary":
		if f.riskStatus != 0 {
			w.WriteHeader(f.riskStatus)
			return
		}
		if f.riskBody != "" {
			_, _ = io.WriteString(w, f.riskBody)
			return
		}
		users := f.users
		if users == nil {
			users = []map[string]string{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": map[string]any{"users": users}})
	case r.Method == http.MethodGet && r.URL.Path == "/accounts/acc/gateway/lists/list-1/items":
		if f.listStatus != 0 {
			w.WriteHeader(f.listStatus)
			return
		}
		if f.listBody != "" {
			_, _ = io.WriteString(w, f.listBody)
			return
		}
		var result any
		if len(f.list) > 0 {
			result = f.list
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": result})
	case r.Method == http.MethodPatch && r.URL.Path == "/accounts/acc/gateway/lists/list-1":
		body, _ := io.ReadAll(r.Body)
		f.patches = append(f.patches, string(body))
		if f.patchStatus != 0 {
			w.WriteHeader(f.patchStatus)
			return
		}
		var patch cloudflare.ListPatch
		_ = json.Unmarshal(body, &patch)
		remove := map[string]bool{}
		for _, v := range patch.Remove {
			remove[v] = true
		}
		kept := []cloudflare.ListEntry{}
		for _, e := range f.list {
			if !remove[e.Value] {
				kept = append(kept, e)
			}
		}
		f.list = append(kept, patch.Append...)
		_, _ = io.WriteString(w, `{"success":true,"result":{}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCloudflare) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(baseURL string) config.Config {
	return config.LoadConfigFromMap(map[string]any{
		"account_id": "acc",
		"list_id":    "list-1",
		"base_url":   baseURL,
		"auth_email": "ops@example.com",
		"api_key":    "key",
		"timeout":    "2s",
	})
}

func newTestReconciler(t *testing.T, fake *fakeCloudflare, mutate func(*config.Config)) (*Reconciler, *core.ModuleManager) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	mgr := core.NewModuleManager(testLogger())
	r := NewReconciler(cfg)
	require.NoError(t, r.Init(context.Background(), testLogger(), mgr))
	return r, mgr
}

func TestReconcile_EndToEnd_ReplacesList(t *testing.T) {
	fake := &fakeCloudflare{
		users: []map[string]string{
			{"email": "A", "max_risk_level": "high"},
			{"email": "B", "max_risk_level": "low"},
			{"email": "C", "max_risk_level": "high"},
		},
		list: []cloudflare.ListEntry{{Value: "X"}},
	}
	r, _ := newTestReconciler(t, fake, nil)

	summary, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Removed)
	assert.Equal(t, 2, summary.Appended)
	assert.NotEmpty(t, summary.RunID)
	require.Len(t, fake.patches, 1)
	assert.JSONEq(t,
		`{"remove":["X"],"append":[{"value":"A","description":"high risk"},{"value":"C","description":"high risk"}]}`,
		fake.patches[0])

	hdr := fake.authHeaders[0]
	assert.Equal(t, "ops@example.com", hdr.Get("X-Auth-Email"))
	assert.Equal(t, "key", hdr.Get("X-Auth-Key"))
}

func TestReconcile_EndToEnd_EmptyStillPatches(t *testing.T) {
	fake := &fakeCloudflare{}
	r, _ := newTestReconciler(t, fake, nil)

	summary, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Removed)
	assert.Zero(t, summary.Appended)
	require.Len(t, fake.patches, 1)
	assert.Equal(t, `{"remove":[],"append":[]}`, fake.patches[0])
}

func TestReconcile_SecondRunRemovesPreviousAppend(t *testing.T) {
	fake := &fakeCloudflare{
		users: []map[string]string{
			{"email": "A", "max_risk_level": "high"},
			{"email": "C", "max_risk_level": "high"},
		},
		list: []cloudflare.ListEntry{{Value: "X"}},
	}
	r, _ := newTestReconciler(t, fake, nil)

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	_, err = r.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, fake.patches, 2)
	assert.JSONEq(t,
		`{"remove":["A","C"],"append":[{"value":"A","description":"high risk"},{"value":"C","description":"high risk"}]}`,
		fake.patches[1])
}

func TestReconcile_ErrorPropagation(t *testing.T) {
	tests := []struct {
		name        string
		fake        *fakeCloudflare
		sentinel    error
		wantPatches int
	}{
		{name: "risk_scores_status", fake: &fakeCloudflare{riskStatus: http.StatusInternalServerError}, sentinel: cloudflare.ErrUpstreamFetch, wantPatches: 0},
		{name: "list_items_status", fake: &fakeCloudflare{listStatus: http.StatusForbidden}, sentinel: cloudflare.ErrUpstreamFetch, wantPatches: 0},
		{name: "risk_scores_malformed", fake: &fakeCloudflare{riskBody: `{"success":true,"result":{"users":"nope"}}`}, sentinel: cloudflare.ErrUpstreamParse, wantPatches: 0},
		{name: "risk_scores_not_json", fake: &fakeCloudflare{riskBody: `<html>`}, sentinel: cloudflare.ErrUpstreamParse, wantPatches: 0},
		{name: "list_items_malformed", fake: &fakeCloudflare{listBody: `{"success":true,"result":{"value":"x"}}`}, sentinel: cloudflare.ErrUpstreamParse, wantPatches: 0},
		{name: "list_items_not_json", fake: &fakeCloudflare{listBody: `{"result":`}, sentinel: cloudflare.ErrUpstreamParse, wantPatches: 0},
		{name: "patch_status", fake: &fakeCloudflare{patchStatus: http.StatusBadRequest}, sentinel: cloudflare.ErrUpstreamUpdate, wantPatches: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestReconciler(t, tt.fake, nil)

			_, err := r.Reconcile(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.wantPatches, tt.fake.patchCount())

			last, ok := r.LastRun()
			require.True(t, ok)
			assert.Equal(t, err.Error(), last.Error)
			assert.Equal(t, string(cloudflare.CategoryOf(err)), last.Category)
		})
	}
}

func TestReconcile_FailurePublishesNotification(t *testing.T) {
	fake := &fakeCloudflare{riskStatus: http.StatusBadGateway}
	r, mgr := newTestReconciler(t, fake, nil)

	got := make(chan core.InternalEvent, 1)
	mgr.Subscribe("notify_*", func(ctx context.Context, event core.InternalEvent) { got <- event })

	_, err := r.Reconcile(context.Background())
	require.Error(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, core.EventNotifyReconcileFailed, ev.Type)
		assert.Equal(t, "fetch", ev.Details["category"])
		assert.Equal(t, "list-1", ev.ListID)
	case <-time.After(time.Second):
		t.Fatal("failure notification not published")
	}
}

func TestReconcile_DryRunSkipsPatch(t *testing.T) {
	fake := &fakeCloudflare{
		users: []map[string]string{{"email": "A", "max_risk_level": "high"}},
	}
	r, _ := newTestReconciler(t, fake, func(c *config.Config) { c.DryRun = true })

	summary, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 1, summary.Appended)
	assert.Zero(t, fake.patchCount())
}

func writePreHook(t *testing.T, body string) string {
	t.Helper()
	hooks := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(hooks, "pre"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hooks, "pre", "10-pre.sh"), []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return hooks
}

func TestReconcile_PreHookFailureAborts(t *testing.T) {
	hooks := writePreHook(t, "exit 1")

	fake := &fakeCloudflare{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	cfg := testConfig(srv.URL)
	cfg.HooksDir = hooks
	m := metrics.New(prometheus.NewRegistry())
	mgr := core.NewModuleManager(testLogger())
	r := NewReconciler(cfg, WithMetrics(m))
	require.NoError(t, r.Init(context.Background(), testLogger(), mgr))

	got := make(chan core.InternalEvent, 1)
	mgr.Subscribe(string(core.EventNotifyReconcileFailed), func(ctx context.Context, event core.InternalEvent) { got <- event })

	_, err := r.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrPreHook)
	assert.Empty(t, fake.authHeaders, "no upstream call may be made")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunFailuresTotal.WithLabelValues(CategoryHook)))
	assert.Zero(t, testutil.ToFloat64(m.RunFailuresTotal.WithLabelValues("internal")))

	select {
	case ev := <-got:
		assert.Equal(t, CategoryHook, ev.Details["category"])
	case <-time.After(time.Second):
		t.Fatal("failure notification not published")
	}

	last, ok := r.LastRun()
	require.True(t, ok)
	assert.Equal(t, CategoryHook, last.Category)
}

func TestReconcile_HungPreHookIsKilled(t *testing.T) {
	hooks := writePreHook(t, "sleep 30")

	fake := &fakeCloudflare{}
	r, _ := newTestReconciler(t, fake, func(c *config.Config) {
		c.HooksDir = hooks
		c.HookTimeout = 200 * time.Millisecond
	})

	start := time.Now()
	_, err := r.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrPreHook)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, fake.authHeaders)

	// The singleflight key is free again, so the next run proceeds.
	require.NoError(t, os.Remove(filepath.Join(hooks, "pre", "10-pre.sh")))
	_, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.patchCount())
}

func TestReconcile_PostHookSeesCounts(t *testing.T) {
	hooks := t.TempDir()
	out := filepath.Join(t.TempDir(), "post.txt")
	require.NoError(t, os.MkdirAll(filepath.Join(hooks, "post"), 0o755))
	script := "#!/bin/sh\necho \"$LIST_ID $REMOVED_COUNT $APPENDED_COUNT\" > \"" + out + "\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(hooks, "post", "10-report.sh"), []byte(script), 0o755))

	fake := &fakeCloudflare{
		users: []map[string]string{{"email": "A", "max_risk_level": "high"}},
		list:  []cloudflare.ListEntry{{Value: "X"}, {Value: "Y"}},
	}
	r, _ := newTestReconciler(t, fake, func(c *config.Config) { c.HooksDir = hooks })

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "list-1 2 1\n", string(data))
}

// blockingUpstream holds RiskScores open until released.
type blockingUpstream struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockingUpstream) RiskScores(ctx context.Context) ([]cloudflare.RiskRecord, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	<-b.release
	return []cloudflare.RiskRecord{{Identity: "A", Level: cloudflare.RiskHigh}}, nil
}

func (b *blockingUpstream) ListItems(ctx context.Context, listID string) ([]cloudflare.ListEntry, error) {
	return nil, nil
}

func (b *blockingUpstream) PatchList(ctx context.Context, listID string, patch cloudflare.ListPatch) error {
	return nil
}

func TestReconcile_OverlappingCallsShareOneRun(t *testing.T) {
	up := &blockingUpstream{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewReconciler(testConfig("http://unused"), WithUpstream(up))
	require.NoError(t, r.Init(context.Background(), testLogger(), nil))

	results := make(chan core.RunSummary, 2)
	go func() {
		s, _ := r.Reconcile(context.Background())
		results <- s
	}()
	<-up.entered

	go func() {
		s, _ := r.Reconcile(context.Background())
		results <- s
	}()
	// Give the second caller time to join the in-flight run.
	time.Sleep(50 * time.Millisecond)
	close(up.release)

	first, second := <-results, <-results
	assert.Equal(t, int32(1), up.calls.Load())
	assert.Equal(t, first.RunID, second.RunID)
}

func TestReconcile_CallerCancellationDoesNotAbortSharedRun(t *testing.T) {
	up := &blockingUpstream{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewReconciler(testConfig("http://unused"), WithUpstream(up))
	require.NoError(t, r.Init(context.Background(), testLogger(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(ctx)
		errCh <- err
	}()
	<-up.entered
	cancel()
	close(up.release)

	assert.NoError(t, <-errCh)
}

type secretsPlugin struct {
	secrets map[string]string
}

func (p *secretsPlugin) Name() string { return "test_secrets" }
func (p *secretsPlugin) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	return nil
}
func (p *secretsPlugin) Start(ctx context.Context) error { return nil }
func (p *secretsPlugin) Stop(ctx context.Context) error  { return nil }
func (p *secretsPlugin) Description() string             { return "test secrets" }
func (p *secretsPlugin) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilitySecrets}
}
func (p *secretsPlugin) Status() core.ServiceStatus { return core.StatusHealthy }
func (p *secretsPlugin) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	return p.secrets, nil
}

func TestInit_ResolvesCredentialsFromSecretPlugins(t *testing.T) {
	fake := &fakeCloudflare{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.AuthEmail, cfg.APIKey = "", ""

	mgr := core.NewModuleManager(testLogger())
	mgr.Register(&secretsPlugin{secrets: map[string]string{
		core.SecretKeyAuthEmail: "secret@example.com",
		core.SecretKeyAPIKey:    "secret-key",
	}})

	r := NewReconciler(cfg)
	require.NoError(t, r.Init(context.Background(), testLogger(), mgr))

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret@example.com", fake.authHeaders[0].Get("X-Auth-Email"))
	assert.Equal(t, "secret-key", fake.authHeaders[0].Get("X-Auth-Key"))
}

func TestInit_MissingCredentials(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.AuthEmail, cfg.APIKey = "", ""

	r := NewReconciler(cfg)
	err := r.Init(context.Background(), testLogger(), core.NewModuleManager(testLogger()))
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestInit_MissingIdentifiers(t *testing.T) {
	r := NewReconciler(config.LoadConfigFromMap(map[string]any{"api_token": "tok"}))
	err := r.Init(context.Background(), testLogger(), nil)
	assert.Error(t, err)
}

func TestReconcileNowEventTriggersRun(t *testing.T) {
	fake := &fakeCloudflare{}
	_, mgr := newTestReconciler(t, fake, nil)

	mgr.Publish(context.Background(), core.InternalEvent{Type: core.EventReconcileNow, Source: "test"})

	assert.Eventually(t, func() bool { return fake.patchCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartRunsOnStartAndStops(t *testing.T) {
	fake := &fakeCloudflare{}
	r, _ := newTestReconciler(t, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	assert.Eventually(t, func() bool { return fake.patchCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	assert.NoError(t, r.Stop(stopCtx))
}

func TestManagerStartThenStopRejectsLaterRuns(t *testing.T) {
	fake := &fakeCloudflare{}
	r, mgr := newTestReconciler(t, fake, func(c *config.Config) { c.RunOnStart = false })
	mgr.Register(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Reconcile(context.Background())
		}()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	mgr.Stop(stopCtx)
	wg.Wait()

	_, err := r.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, r.Start(ctx), "start after stop is a no-op")
	assert.NoError(t, r.Stop(stopCtx), "second stop is a no-op")
}

func TestStopWithoutStart(t *testing.T) {
	r, _ := newTestReconciler(t, &fakeCloudflare{}, nil)

	assert.NoError(t, r.Stop(context.Background()))
	_, err := r.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLastRun(t *testing.T) {
	fake := &fakeCloudflare{users: []map[string]string{{"email": "A", "max_risk_level": "high"}}}
	r, _ := newTestReconciler(t, fake, nil)

	_, ok := r.LastRun()
	assert.False(t, ok)

	summary, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	last, ok := r.LastRun()
	require.True(t, ok)
	assert.Equal(t, summary.RunID, last.RunID)
	assert.Equal(t, 1, last.Appended)
	assert.Empty(t, last.Error)
	assert.Empty(t, last.Category)
}
