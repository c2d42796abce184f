package notifierwebhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jdorescf/sselab-risk-scores/pkg/core"
)

// WebhookPlugin posts reconciliation notifications as JSON to a fixed URL.
type WebhookPlugin struct {
	logger   *slog.Logger
	url      string
	client   *http.Client
	enabled  bool
	patterns []string
}

type webhookConfig struct {
	URL string `yaml:"url"`
}

// Payload is the JSON body delivered to the receiver.
type Payload struct {
	EventType core.EventTypeName     `json:"event_type"`
	Source    string                 `json:"source"`
	ListID    string                 `json:"list_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func New() *WebhookPlugin {
	return &WebhookPlugin{}
}

func (p *WebhookPlugin) Name() string {
	return "webhook"
}

func (p *WebhookPlugin) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	p.logger = logger
	var subscribeProvided bool
	if registry != nil {
		cfg := registry.GetConfig()
		if section, ok := cfg["webhook"]; ok {
			if _, ok := section["subscribe"]; ok {
				subscribeProvided = true
			}
			var wcfg webhookConfig
			if err := core.DecodeConfigSection(section, &wcfg); err != nil {
				p.logger.WarnContext(ctx, "Invalid webhook config", "error", err)
			}
			p.url = wcfg.URL
			p.patterns = core.ParseSubscribePatterns(section)
		}
		p.client = registry.GetHTTPClient()
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.url == "" {
		p.logger.WarnContext(ctx, "NOTIFY_WEBHOOK_URL not set, webhook notifications disabled")
		p.enabled = false
		return nil
	}

	p.enabled = true
	p.logger.InfoContext(ctx, "Webhook Plugin Initialized", "url", p.url)
	if !subscribeProvided {
		p.patterns = []string{"notify_*"}
	}
	if registry != nil {
		for _, pattern := range p.patterns {
			registry.Subscribe(pattern, p.process)
		}
	}
	if len(p.patterns) == 0 {
		p.logger.InfoContext(ctx, "Webhook notifier has no subscriptions configured; skipping event registration")
	}
	return nil
}

func (p *WebhookPlugin) Start(ctx context.Context) error {
	return nil
}

func (p *WebhookPlugin) Stop(ctx context.Context) error {
	return nil
}

func (p *WebhookPlugin) Description() string { return "Generic webhook notifier" }

func (p *WebhookPlugin) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityNotifier}
}

func (p *WebhookPlugin) Status() core.ServiceStatus {
	if p.enabled && p.url != "" {
		return core.StatusHealthy
	}
	return core.StatusUnhealthy
}

type webhookConfigView struct {
	URL       string   `json:"url"`
	Enabled   bool     `json:"enabled"`
	Subscribe []string `json:"subscribe"`
}

func (p *WebhookPlugin) Config() any {
	return webhookConfigView{URL: p.url, Enabled: p.enabled, Subscribe: p.patterns}
}

// Execute supports "notify" with an "event" param holding a core.InternalEvent.
func (p *WebhookPlugin) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	if action != "notify" {
		return nil, fmt.Errorf("unsupported action: %s", action)
	}
	if p.url == "" {
		p.logger.DebugContext(ctx, "Webhook URL not set, skipping notification")
		return nil, nil
	}

	event, ok := params["event"].(core.InternalEvent)
	if !ok {
		return nil, fmt.Errorf("missing or invalid event")
	}

	if err := p.send(ctx, event); err != nil {
		return nil, err
	}
	return map[string]string{"status": "delivered"}, nil
}

func (p *WebhookPlugin) process(ctx context.Context, event core.InternalEvent) {
	if !p.enabled {
		return
	}
	if err := p.send(ctx, event); err != nil {
		p.logger.ErrorContext(ctx, "Webhook notification failed", "event", event.Type, "error", err)
	}
}

func (p *WebhookPlugin) send(ctx context.Context, event core.InternalEvent) error {
	data, err := json.Marshal(Payload{
		EventType: event.Type,
		Source:    event.Source,
		ListID:    event.ListID,
		Message:   event.String,
		Details:   event.Details,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}

	p.logger.DebugContext(ctx, "Webhook delivered successfully", "event", event.Type)
	return nil
}
