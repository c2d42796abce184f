package webhooktrigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdorescf/sselab-risk-scores/pkg/core"
)

type fakeReconciler struct {
	calls atomic.Int32
	err   error
}

func (f *fakeReconciler) Reconcile(ctx context.Context) (core.RunSummary, error) {
	f.calls.Add(1)
	if f.err != nil {
		return core.RunSummary{}, f.err
	}
	return core.RunSummary{RunID: "run-1", Removed: 1, Appended: 2}, nil
}

func setup(t *testing.T, section map[string]any, rec core.Reconciler) (*WebhookTriggerPlugin, *core.ModuleManager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := core.NewModuleManager(logger)
	if section != nil {
		mgr.SetConfig(map[string]map[string]any{"webhook_trigger": section})
	}
	if rec != nil {
		mgr.SetReconciler(rec)
	}
	p := New()
	require.NoError(t, p.Init(context.Background(), logger, mgr))
	return p, mgr
}

func serve(mgr *core.ModuleManager, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	mgr.GetMuxServer().ServeHTTP(rr, req)
	return rr
}

func TestFaviconShortCircuits(t *testing.T) {
	rec := &fakeReconciler{}
	_, mgr := setup(t, map[string]any{"token": "secret"}, rec)

	rr := serve(mgr, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Zero(t, rec.calls.Load())
}

func TestRequestRunsReconcileAndConfirms(t *testing.T) {
	rec := &fakeReconciler{}
	_, mgr := setup(t, nil, rec)

	rr := serve(mgr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `"Gateway lists updated!"`, rr.Body.String())
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestRequestFailureIsServerError(t *testing.T) {
	rec := &fakeReconciler{err: errors.New("cloudflare risk_scores [fetch]: unexpected status (status 500)")}
	_, mgr := setup(t, nil, rec)

	rr := serve(mgr, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "risk_scores")
	assert.NotContains(t, rr.Body.String(), "Gateway lists updated!")
}

func TestTokenAuth(t *testing.T) {
	rec := &fakeReconciler{}
	_, mgr := setup(t, map[string]any{"token": "secret"}, rec)

	rr := serve(mgr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr = serve(mgr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestMethodNotAllowed(t *testing.T) {
	rec := &fakeReconciler{}
	_, mgr := setup(t, nil, rec)

	rr := serve(mgr, httptest.NewRequest(http.MethodDelete, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Zero(t, rec.calls.Load())
}

func TestNoReconcilerIsUnavailable(t *testing.T) {
	p, mgr := setup(t, nil, nil)

	rr := serve(mgr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, core.StatusUnhealthy, p.Status())
}

func TestAsyncPublishesReconcileNow(t *testing.T) {
	rec := &fakeReconciler{}
	_, mgr := setup(t, map[string]any{"async": true}, rec)

	got := make(chan core.InternalEvent, 1)
	mgr.Subscribe(string(core.EventReconcileNow), func(ctx context.Context, event core.InternalEvent) { got <- event })

	rr := serve(mgr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Zero(t, rec.calls.Load())

	select {
	case ev := <-got:
		assert.Equal(t, "webhook_trigger", ev.Source)
	case <-time.After(time.Second):
		t.Fatal("reconcile_now not published")
	}
}

func TestExecuteReconcile(t *testing.T) {
	rec := &fakeReconciler{}
	p, _ := setup(t, nil, rec)

	res, err := p.Execute(context.Background(), "reconcile", nil)
	require.NoError(t, err)
	summary, ok := res.(core.RunSummary)
	require.True(t, ok)
	assert.Equal(t, "run-1", summary.RunID)

	_, err = p.Execute(context.Background(), "nope", nil)
	assert.Error(t, err)
}

func TestConfigRedactsToken(t *testing.T) {
	p, _ := setup(t, map[string]any{"token": "secret"}, &fakeReconciler{})
	view, ok := p.Config().(webhookTriggerConfigView)
	require.True(t, ok)
	assert.Equal(t, "REDACTED", view.Token.String())
	assert.Equal(t, core.StatusHealthy, p.Status())
}
