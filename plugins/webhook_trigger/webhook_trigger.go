// plugins/webhook_trigger/webhook_trigger.go
// Plugin exposing the HTTP entry point that runs a reconciliation on request.

package webhooktrigger

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jdorescf/sselab-risk-scores/pkg/core"
)

// ConfirmationMessage is the JSON string returned after a successful run.
const ConfirmationMessage = "Gateway lists updated!"

type WebhookTriggerPlugin struct {
	path     string
	token    core.Secret
	async    bool
	logger   *slog.Logger
	registry core.PluginRegistry
	mux      *http.ServeMux
}

type webhookTriggerConfig struct {
	Path  string `yaml:"path"`
	Token string `yaml:"token"`
	Async bool   `yaml:"async"`
}

func New() *WebhookTriggerPlugin {
	return &WebhookTriggerPlugin{}
}

func (p *WebhookTriggerPlugin) Name() string {
	return "webhook_trigger"
}

func (p *WebhookTriggerPlugin) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	p.logger = logger
	p.registry = registry

	if registry != nil {
		cfg := registry.GetConfig()
		if section, ok := cfg["webhook_trigger"]; ok {
			var wcfg webhookTriggerConfig
			if err := core.DecodeConfigSection(section, &wcfg); err != nil {
				p.logger.WarnContext(ctx, "Invalid webhook_trigger config", "error", err)
			}
			p.path = wcfg.Path
			p.token = core.NewSecret(wcfg.Token)
			p.async = wcfg.Async
		}
	}
	if p.path == "" {
		p.path = "/"
	}

	if !p.token.IsSet() {
		p.logger.WarnContext(ctx, "WEBHOOK_TOKEN not set, endpoint is unsecured (use with caution)")
	} else {
		p.logger.InfoContext(ctx, "Webhook Trigger Plugin Initialized", "path", p.path, "secured", true, "async", p.async)
	}

	if registry != nil {
		if err := registry.RegisterEventType(core.EventTypeDesc{
			Name:        core.EventWebhookReceived,
			Description: "Raw webhook received (before processing)",
		}); err != nil {
			p.logger.DebugContext(ctx, "Event type already registered", "event", core.EventWebhookReceived)
		}
		p.mux = registry.GetMuxServer()
	} else {
		p.mux = http.NewServeMux()
	}
	p.mux.HandleFunc(p.path, p.handleReconcile)

	return nil
}

func (p *WebhookTriggerPlugin) Start(_ context.Context) error {
	// Served by the shared mux
	return nil
}

func (p *WebhookTriggerPlugin) Stop(ctx context.Context) error {
	return nil
}

func (p *WebhookTriggerPlugin) Description() string {
	return "HTTP trigger for on-demand reconciliation of the high-risk gateway list"
}

func (p *WebhookTriggerPlugin) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityTrigger}
}

func (p *WebhookTriggerPlugin) Status() core.ServiceStatus {
	if p.mux == nil {
		return core.StatusUnknown
	}
	if p.registry == nil || p.registry.GetReconciler() == nil {
		return core.StatusUnhealthy
	}
	if !p.token.IsSet() {
		return core.StatusDegraded
	}
	return core.StatusHealthy
}

type webhookTriggerConfigView struct {
	Path  string      `json:"path"`
	Token core.Secret `json:"token"`
	Async bool        `json:"async"`
}

func (p *WebhookTriggerPlugin) Config() any {
	return webhookTriggerConfigView{Path: p.path, Token: p.token, Async: p.async}
}

// Execute supports "reconcile", running a reconciliation and returning its summary.
func (p *WebhookTriggerPlugin) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	if action != "reconcile" {
		return nil, fmt.Errorf("unknown action: %s", action)
	}
	rec := p.reconciler()
	if rec == nil {
		return nil, fmt.Errorf("no reconciler registered")
	}
	return rec.Reconcile(ctx)
}

func (p *WebhookTriggerPlugin) reconciler() core.Reconciler {
	if p.registry == nil {
		return nil
	}
	return p.registry.GetReconciler()
}

// HTTP handler for the trigger path
func (p *WebhookTriggerPlugin) handleReconcile(w http.ResponseWriter, r *http.Request) {
	// Browsers ask for a favicon when the trigger URL is opened by hand.
	if strings.TrimPrefix(r.URL.Path, "/") == "favicon.ico" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		core.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	// Optional token auth
	if p.token.IsSet() {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != p.token.Value {
			core.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}

	p.logger.InfoContext(r.Context(), "Reconciliation trigger received via webhook",
		"client_ip", r.RemoteAddr,
		"user_agent", r.UserAgent())

	p.publish(r.Context(), core.InternalEvent{
		Type:   core.EventWebhookReceived,
		Source: p.Name(),
		Details: map[string]interface{}{
			"client_ip":  r.RemoteAddr,
			"method":     r.Method,
			"path":       r.URL.Path,
			"user_agent": r.UserAgent(),
		},
	})

	if p.async {
		p.publish(r.Context(), core.InternalEvent{
			Type:    core.EventReconcileNow,
			Source:  p.Name(),
			Details: map[string]interface{}{"client_ip": r.RemoteAddr},
		})
		core.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "message": "Reconciliation triggered"})
		return
	}

	rec := p.reconciler()
	if rec == nil {
		core.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reconciler not available"})
		return
	}

	summary, err := rec.Reconcile(r.Context())
	if err != nil {
		p.logger.ErrorContext(r.Context(), "Webhook-triggered reconciliation failed", "error", err)
		core.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	p.logger.InfoContext(r.Context(), "Webhook-triggered reconciliation complete",
		"run_id", summary.RunID,
		"removed", summary.Removed,
		"appended", summary.Appended)
	core.WriteJSON(w, http.StatusOK, ConfirmationMessage)
}

func (p *WebhookTriggerPlugin) publish(ctx context.Context, event core.InternalEvent) {
	if p.registry != nil {
		p.registry.Publish(ctx, event)
	}
}
