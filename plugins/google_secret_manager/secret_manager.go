package googlesecretmanager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"

	"github.com/jdorescf/sselab-risk-scores/pkg/core"
)

type secretAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// SecretManagerPlugin resolves credentials from Google Secret Manager.
// Keys map to secret names; the latest version is read unless the mapping
// names one.
type SecretManagerPlugin struct {
	logger    *slog.Logger
	projectID string
	secrets   map[string]string

	mu        sync.Mutex
	client    secretAccessor
	newClient func(ctx context.Context) (secretAccessor, error)
}

type secretManagerConfig struct {
	ProjectID string            `yaml:"project_id"`
	Secrets   map[string]string `yaml:"secrets"`
}

func New() *SecretManagerPlugin {
	return &SecretManagerPlugin{
		newClient: func(ctx context.Context) (secretAccessor, error) {
			return secretmanager.NewClient(ctx)
		},
	}
}

func (p *SecretManagerPlugin) Name() string {
	return "google_secret_manager"
}

func (p *SecretManagerPlugin) Description() string {
	return "Resolves credentials from Google Secret Manager"
}

func (p *SecretManagerPlugin) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	p.logger = logger
	if registry != nil {
		if section, ok := registry.GetConfig()["google_secret_manager"]; ok {
			var scfg secretManagerConfig
			if err := core.DecodeConfigSection(section, &scfg); err != nil {
				p.logger.WarnContext(ctx, "Invalid google_secret_manager config", "error", err)
			}
			p.projectID = strings.TrimSpace(scfg.ProjectID)
			p.secrets = scfg.Secrets
		}
	}
	if !p.enabled() {
		p.logger.InfoContext(ctx, "google_secret_manager not configured, disabled")
		return nil
	}
	p.logger.InfoContext(ctx, "Secret Manager Plugin Initialized", "project_id", p.projectID, "secrets", len(p.secrets))
	return nil
}

func (p *SecretManagerPlugin) Start(ctx context.Context) error {
	return nil
}

func (p *SecretManagerPlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		err := p.client.Close()
		p.client = nil
		return err
	}
	return nil
}

func (p *SecretManagerPlugin) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilitySecrets}
}

func (p *SecretManagerPlugin) Status() core.ServiceStatus {
	if !p.enabled() {
		return core.StatusUnknown
	}
	return core.StatusHealthy
}

type secretManagerConfigView struct {
	ProjectID string            `json:"project_id"`
	Secrets   map[string]string `json:"secrets"`
}

func (p *SecretManagerPlugin) Config() any {
	return secretManagerConfigView{ProjectID: p.projectID, Secrets: p.secrets}
}

func (p *SecretManagerPlugin) enabled() bool {
	return p.projectID != "" && len(p.secrets) > 0
}

// Execute supports "get_secrets". Only keys named in the "keys" param and
// present in the secrets mapping are fetched.
func (p *SecretManagerPlugin) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	if action != core.ActionGetSecrets {
		return nil, fmt.Errorf("unknown action: %s", action)
	}
	out := make(map[string]string)
	if !p.enabled() {
		return out, nil
	}

	keys, _ := params["keys"].([]string)
	if len(keys) == 0 {
		for key := range p.secrets {
			keys = append(keys, key)
		}
	}

	for _, key := range keys {
		secret, ok := p.secrets[key]
		if !ok || secret == "" {
			continue
		}
		client, err := p.accessor(ctx)
		if err != nil {
			return nil, fmt.Errorf("secret manager client: %w", err)
		}
		name := secretVersionName(p.projectID, secret)
		resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err != nil {
			return nil, fmt.Errorf("access %s: %w", name, err)
		}
		out[key] = strings.TrimSpace(string(resp.GetPayload().GetData()))
		p.logger.DebugContext(ctx, "Secret resolved", "key", key, "name", name)
	}
	return out, nil
}

func (p *SecretManagerPlugin) accessor(ctx context.Context) (secretAccessor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := p.newClient(ctx)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// secretVersionName expands a short secret name into a version resource path.
// Full "projects/..." paths are used as-is, with "/versions/latest" added if
// no version is given.
func secretVersionName(projectID, secret string) string {
	secret = strings.Trim(strings.TrimSpace(secret), "/")
	if !strings.HasPrefix(secret, "projects/") {
		secret = fmt.Sprintf("projects/%s/secrets/%s", projectID, secret)
	}
	if !strings.Contains(secret, "/versions/") {
		secret += "/versions/latest"
	}
	return secret
}
