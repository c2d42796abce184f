// plugins/notifier_pushover/pushover.go
package notifierpushover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jdorescf/sselab-risk-scores/pkg/core"
)

// DefaultAPIURL is the Pushover message endpoint.
const DefaultAPIURL = "https://api.pushover.net/1/messages.json"

const notificationTitle = "sselab-risk-scores Notification"

type PushoverNotifier struct {
	logger        *slog.Logger
	client        *http.Client
	apiURL        string
	token         core.Secret
	user          string
	enabled       bool
	subscriptions []string
}

type pushoverConfig struct {
	Token  string `yaml:"token"`
	User   string `yaml:"user"`
	APIURL string `yaml:"api_url"`
}

func New() *PushoverNotifier {
	return &PushoverNotifier{}
}

func (n *PushoverNotifier) Name() string {
	return "pushover"
}

func (n *PushoverNotifier) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	n.logger = logger
	var subscribeProvided bool
	var subscribePatterns []string
	if registry != nil {
		n.client = registry.GetHTTPClient()
		cfg := registry.GetConfig()
		if section, ok := cfg["pushover"]; ok {
			if _, okSub := section["subscribe"]; okSub {
				subscribeProvided = true
			}
			var pushoverCfg pushoverConfig
			if err := core.DecodeConfigSection(section, &pushoverCfg); err != nil {
				n.logger.WarnContext(ctx, "Invalid pushover config", "error", err)
			}
			n.token = core.NewSecret(pushoverCfg.Token)
			n.user = pushoverCfg.User
			n.apiURL = pushoverCfg.APIURL
			subscribePatterns = core.ParseSubscribePatterns(section)
		}
	}
	if n.client == nil {
		n.client = http.DefaultClient
	}
	if n.apiURL == "" {
		n.apiURL = DefaultAPIURL
	}
	if !n.token.IsSet() || n.user == "" {
		n.logger.WarnContext(ctx, "Pushover token or user not set, notifications disabled")
		n.enabled = false
		return nil
	}
	n.enabled = true
	n.logger.InfoContext(ctx, "Pushover Notifier Initialized")

	if !subscribeProvided {
		subscribePatterns = []string{"notify_*"}
	}
	n.subscriptions = append([]string(nil), subscribePatterns...)
	if registry != nil {
		for _, pattern := range subscribePatterns {
			registry.Subscribe(pattern, n.process)
		}
	}
	if len(subscribePatterns) == 0 {
		n.logger.InfoContext(ctx, "Pushover notifier has no subscriptions configured; skipping event registration")
	}

	return nil
}

func (n *PushoverNotifier) Start(ctx context.Context) error {
	return nil
}

func (n *PushoverNotifier) Stop(ctx context.Context) error {
	return nil
}

func (n *PushoverNotifier) Description() string {
	return "Pushover notifier for sending notifications via Pushover API"
}

func (n *PushoverNotifier) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityNotifier}
}

func (n *PushoverNotifier) Status() core.ServiceStatus {
	if n.enabled && n.token.IsSet() && n.user != "" {
		return core.StatusHealthy
	}
	return core.StatusDegraded
}

func (n *PushoverNotifier) process(ctx context.Context, event core.InternalEvent) {
	if !n.enabled {
		return
	}
	if err := n.send(ctx, event); err != nil {
		n.logger.ErrorContext(ctx, "Failed to send Pushover notification", "event", event.Type, "error", err)
	}
}

// Execute supports "notify" with an "event" param holding a core.InternalEvent.
func (n *PushoverNotifier) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	if action != "notify" {
		return nil, fmt.Errorf("unsupported action: %s", action)
	}
	if !n.enabled {
		n.logger.DebugContext(ctx, "Pushover token or user not set, skipping notification")
		return nil, nil
	}
	event, ok := params["event"].(core.InternalEvent)
	if !ok {
		return nil, fmt.Errorf("missing or invalid event")
	}
	if err := n.send(ctx, event); err != nil {
		return nil, err
	}
	return map[string]string{"status": "delivered"}, nil
}

type pushoverConfigView struct {
	Token     core.Secret `json:"token"`
	User      string      `json:"user"`
	Subscribe []string    `json:"subscribe,omitempty"`
	Enabled   bool        `json:"enabled"`
}

func (n *PushoverNotifier) Config() any {
	return pushoverConfigView{
		Token:     n.token,
		User:      n.user,
		Subscribe: append([]string(nil), n.subscriptions...),
		Enabled:   n.enabled,
	}
}

// priority maps failures to high priority so they bypass quiet hours.
func priority(event core.InternalEvent) int {
	if event.Type == core.EventNotifyReconcileFailed {
		return 1
	}
	return 0
}

func formatMessage(event core.InternalEvent) (string, error) {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] %s\nList: %s\n%s", event.Type, event.String, event.ListID, string(details)), nil
}

func (n *PushoverNotifier) send(ctx context.Context, event core.InternalEvent) error {
	message, err := formatMessage(event)
	if err != nil {
		return err
	}

	data, err := json.Marshal(map[string]interface{}{
		"token":    n.token.Value,
		"user":     n.user,
		"message":  message,
		"title":    notificationTitle,
		"priority": priority(event),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pushover API error: %d", resp.StatusCode)
	}

	n.logger.InfoContext(ctx, "Pushover notification delivered successfully")
	return nil
}
