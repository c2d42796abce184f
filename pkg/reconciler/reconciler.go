package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/jdorescf/sselab-risk-scores/pkg/cloudflare"
	"github.com/jdorescf/sselab-risk-scores/pkg/config"
	"github.com/jdorescf/sselab-risk-scores/pkg/core"
	"github.com/jdorescf/sselab-risk-scores/pkg/metrics"
	"github.com/jdorescf/sselab-risk-scores/pkg/utils"
)

var (
	ErrPreHook            = errors.New("pre-reconcile hook failed")
	ErrMissingCredentials = errors.New("missing credentials: set API_TOKEN, or USER_EMAIL and API_KEY")
	ErrStopped            = errors.New("reconciler stopped")
)

// Failure labels outside the upstream categories.
const (
	CategoryHook     = "hook"
	CategoryInternal = "internal"
)

// Upstream is the part of the Cloudflare API a run needs.
type Upstream interface {
	RiskScores(ctx context.Context) ([]cloudflare.RiskRecord, error)
	ListItems(ctx context.Context, listID string) ([]cloudflare.ListEntry, error)
	PatchList(ctx context.Context, listID string, patch cloudflare.ListPatch) error
}

type Reconciler struct {
	cfg      config.Config
	upstream Upstream
	logger   *slog.Logger
	registry core.PluginRegistry
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	group    singleflight.Group
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex // guards the fields below
	started bool
	stopped bool
	lastRun *core.RunStatus
}

type Option func(*Reconciler)

// WithUpstream replaces the Cloudflare client built during Init.
func WithUpstream(u Upstream) Option {
	return func(r *Reconciler) { r.upstream = u }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func NewReconciler(cfg config.Config, opts ...Option) *Reconciler {
	r := &Reconciler{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		logger: slog.Default(),
		tracer: otel.Tracer("sselab-risk-scores/reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New(prometheus.NewRegistry())
	}
	return r
}

func (r *Reconciler) Name() string {
	return "reconciler"
}

func (r *Reconciler) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	r.logger = logger.With("list_id", r.cfg.ListID)
	r.registry = registry
	if err := r.cfg.Validate(); err != nil {
		return err
	}

	if registry != nil {
		for _, desc := range []core.EventTypeDesc{
			{Name: core.EventReconcileNow, Description: "Request an immediate reconciliation"},
			{Name: core.EventReconcileSuccess, Description: "Gateway list replaced with the current high-risk set"},
			{Name: core.EventNotifyReconcileSuccess, Description: "Notification: reconciliation succeeded"},
			{
				Name:        core.EventNotifyReconcileFailed,
				Description: "Notification: reconciliation failed",
				PayloadSpec: map[string]core.PayloadField{
					"category": {Type: "string", Description: "Upstream error category", Required: true},
				},
			},
		} {
			if err := registry.RegisterEventType(desc); err != nil {
				r.logger.DebugContext(ctx, "Event type already registered", "event", desc.Name)
			}
		}
		registry.Subscribe(string(core.EventReconcileNow), func(ctx context.Context, event core.InternalEvent) {
			r.runScheduled(ctx, event.Source)
		})
	}

	if r.upstream != nil {
		return nil
	}

	if err := r.resolveCredentials(ctx); err != nil {
		return err
	}
	if !r.cfg.HasCredentials() {
		return ErrMissingCredentials
	}

	clientCfg := cloudflare.ClientConfig{
		BaseURL:   r.cfg.BaseURL,
		AccountID: r.cfg.AccountID,
		AuthEmail: r.cfg.AuthEmail,
		Timeout:   r.cfg.Timeout,
	}
	if r.cfg.APIToken != "" {
		clientCfg.APIToken = core.NewSecret(r.cfg.APIToken)
	} else {
		clientCfg.APIKey = core.NewSecret(r.cfg.APIKey)
	}
	if registry != nil {
		clientCfg.HTTPClient = registry.GetHTTPClient()
	}
	r.upstream = cloudflare.NewClient(ctx, clientCfg)

	r.logger.InfoContext(ctx, "Reconciler initialized",
		"account_id", r.cfg.AccountID,
		"bearer_auth", r.cfg.APIToken != "",
		"dry_run", r.cfg.DryRun)
	return nil
}

// resolveCredentials fills empty credential fields from secret plugins, in
// registration order.
func (r *Reconciler) resolveCredentials(ctx context.Context) error {
	if r.registry == nil {
		return nil
	}
	for _, p := range r.registry.GetPluginsWithCapability(core.CapabilitySecrets) {
		res, err := p.Execute(ctx, core.ActionGetSecrets, map[string]interface{}{
			"keys": core.CredentialKeys,
		})
		if err != nil {
			return fmt.Errorf("secrets from %s: %w", p.Name(), err)
		}
		secrets, ok := res.(map[string]string)
		if !ok {
			continue
		}
		fill := func(dst *string, key string) {
			if *dst == "" && secrets[key] != "" {
				*dst = secrets[key]
				r.logger.DebugContext(ctx, "Credential resolved from plugin", "plugin", p.Name(), "key", key)
			}
		}
		fill(&r.cfg.APIToken, core.SecretKeyAPIToken)
		fill(&r.cfg.APIKey, core.SecretKeyAPIKey)
		fill(&r.cfg.AuthEmail, core.SecretKeyAuthEmail)
	}
	return nil
}

// Start launches the schedule loop. It is a no-op once started or stopped.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return nil
	}
	r.started = true

	r.logger.Info("Starting Reconciler", "interval", r.cfg.Interval, "run_on_start", r.cfg.RunOnStart)
	ticker := time.NewTicker(r.cfg.Interval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()

		if r.cfg.RunOnStart {
			r.runScheduled(ctx, "startup")
		}

		for {
			select {
			case <-ticker.C:
				r.runScheduled(ctx, "scheduler")
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop ends the schedule loop, rejects further runs and waits for in-flight
// ones until ctx is done.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stopCh)
	}
	r.mu.Unlock()
	r.logger.Info("Waiting for reconciliation to finish...")

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Reconciler stopped gracefully")
	case <-ctx.Done():
		r.logger.Warn("Context cancelled while waiting for reconciler to stop")
		return ctx.Err()
	}

	return nil
}

// runScheduled is the no-response path: failures end up in logs, metrics and
// the notify_reconcile_failed event.
func (r *Reconciler) runScheduled(ctx context.Context, source string) {
	if _, err := r.Reconcile(ctx); err != nil {
		if errors.Is(err, ErrStopped) {
			r.logger.DebugContext(ctx, "Skipping reconciliation after stop", "source", source)
			return
		}
		r.logger.ErrorContext(ctx, "Scheduled reconciliation failed", "source", source, "error", err)
	}
}

// Reconcile runs one reconciliation. A call made while a run for the same list
// is in flight waits for that run and shares its result. Calls made after Stop
// fail with ErrStopped.
func (r *Reconciler) Reconcile(ctx context.Context) (core.RunSummary, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return core.RunSummary{}, ErrStopped
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	v, err, shared := r.group.Do(r.cfg.ListID, func() (interface{}, error) {
		// The run is shared, so one caller going away must not cancel it.
		return r.reconcile(context.WithoutCancel(ctx))
	})
	if shared {
		r.logger.DebugContext(ctx, "Joined in-flight reconciliation")
	}
	summary, _ := v.(core.RunSummary)
	return summary, err
}

func (r *Reconciler) reconcile(ctx context.Context) (summary core.RunSummary, err error) {
	summary = core.RunSummary{
		RunID:     uuid.NewString(),
		ListID:    r.cfg.ListID,
		DryRun:    r.cfg.DryRun,
		StartedAt: time.Now(),
	}
	logger := r.logger.With("run_id", summary.RunID)

	ctx, span := r.tracer.Start(ctx, "reconcile", trace.WithAttributes(
		attribute.String("run_id", summary.RunID),
		attribute.String("list_id", summary.ListID),
		attribute.Bool("dry_run", summary.DryRun),
	))
	defer func() {
		summary.Duration = time.Since(summary.StartedAt)
		r.recordRun(summary, err)
		if err != nil {
			category := failureCategory(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.metrics.RecordFailure(category, summary.Duration)
			r.publish(ctx, core.InternalEvent{
				Type:   core.EventNotifyReconcileFailed,
				Source: r.Name(),
				ListID: summary.ListID,
				String: err.Error(),
				Details: map[string]interface{}{
					"run_id":   summary.RunID,
					"category": category,
				},
			})
		} else {
			r.metrics.RecordSuccess(summary.Removed, summary.Appended, summary.DryRun, summary.Duration)
		}
		span.End()
	}()

	logger.InfoContext(ctx, "Reconciliation started")

	if err := r.runHooks(ctx, "pre", summary); err != nil {
		return summary, fmt.Errorf("%w: %w", ErrPreHook, err)
	}

	records, err := r.upstream.RiskScores(ctx)
	if err != nil {
		return summary, fmt.Errorf("fetch risk scores: %w", err)
	}

	current, err := r.upstream.ListItems(ctx, r.cfg.ListID)
	if err != nil {
		return summary, fmt.Errorf("fetch list items: %w", err)
	}

	plan := BuildPlan(records, current)
	summary.Removed = len(plan.Remove)
	summary.Appended = len(plan.Append)
	span.SetAttributes(
		attribute.Int("plan.remove", summary.Removed),
		attribute.Int("plan.append", summary.Appended),
	)
	logger.InfoContext(ctx, "Plan computed",
		"users", len(records),
		"remove", summary.Removed,
		"append", summary.Appended)

	if r.cfg.DryRun {
		logger.InfoContext(ctx, "DryRun: Would update gateway list", "remove", plan.Remove, "append_count", summary.Appended)
		return summary, nil
	}

	if err := r.upstream.PatchList(ctx, r.cfg.ListID, plan.Patch()); err != nil {
		return summary, fmt.Errorf("update list: %w", err)
	}

	logger.InfoContext(ctx, "Gateway list updated", "duration", time.Since(summary.StartedAt))
	details := map[string]interface{}{
		"run_id":   summary.RunID,
		"removed":  summary.Removed,
		"appended": summary.Appended,
	}
	r.publish(ctx, core.InternalEvent{Type: core.EventReconcileSuccess, Source: r.Name(), ListID: summary.ListID, Details: details})
	r.publish(ctx, core.InternalEvent{
		Type:    core.EventNotifyReconcileSuccess,
		Source:  r.Name(),
		ListID:  summary.ListID,
		String:  fmt.Sprintf("Gateway list updated: %d removed, %d appended", summary.Removed, summary.Appended),
		Details: details,
	})

	if err := r.runHooks(ctx, "post", summary); err != nil {
		logger.ErrorContext(ctx, "Post-reconcile hook failed", "error", err)
	}
	return summary, nil
}

func (r *Reconciler) runHooks(ctx context.Context, stage string, summary core.RunSummary) error {
	if r.cfg.HooksDir == "" {
		return nil
	}
	env := []string{
		"RUN_ID=" + summary.RunID,
		"LIST_ID=" + summary.ListID,
		fmt.Sprintf("REMOVED_COUNT=%d", summary.Removed),
		fmt.Sprintf("APPENDED_COUNT=%d", summary.Appended),
		fmt.Sprintf("DRY_RUN=%t", summary.DryRun),
	}
	timeout := r.cfg.HookTimeout
	if timeout <= 0 {
		timeout = config.DefaultHookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return utils.ExecuteHooks(ctx, filepath.Join(r.cfg.HooksDir, stage), env, r.logger.With("stage", stage))
}

// failureCategory maps a run error to the label used in metrics and the
// notify_reconcile_failed payload.
func failureCategory(err error) string {
	if errors.Is(err, ErrPreHook) {
		return CategoryHook
	}
	if category := cloudflare.CategoryOf(err); category != "" {
		return string(category)
	}
	return CategoryInternal
}

func (r *Reconciler) recordRun(summary core.RunSummary, err error) {
	status := core.RunStatus{RunSummary: summary}
	if err != nil {
		status.Error = err.Error()
		status.Category = failureCategory(err)
	}
	r.mu.Lock()
	r.lastRun = &status
	r.mu.Unlock()
}

// LastRun reports the outcome of the most recent completed run.
func (r *Reconciler) LastRun() (core.RunStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastRun == nil {
		return core.RunStatus{}, false
	}
	return *r.lastRun, true
}

func (r *Reconciler) publish(ctx context.Context, event core.InternalEvent) {
	if r.registry == nil {
		return
	}
	r.registry.Publish(ctx, event)
}
