package envsecrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jdorescf/sselab-risk-scores/pkg/core"
)

// EventSecretMissing is published when a configured key resolves to nothing.
const EventSecretMissing core.EventTypeName = "secret_missing"

// EnvSecretsPlugin serves secrets from the process environment and from a
// directory of one-file-per-key secrets (docker/k8s secret mounts).
type EnvSecretsPlugin struct {
	logger     *slog.Logger
	registry   core.PluginRegistry
	keys       []string
	prefixes   []string
	secretsDir string
}

type envSecretsConfig struct {
	Keys       []string `yaml:"keys"`
	Prefixes   []string `yaml:"prefixes"`
	SecretsDir string   `yaml:"secrets_dir"`
}

func New() *EnvSecretsPlugin {
	return &EnvSecretsPlugin{}
}

func (p *EnvSecretsPlugin) Name() string {
	return "env_secrets"
}

func (p *EnvSecretsPlugin) Description() string {
	return "Resolves credentials from environment variables and mounted secret files"
}

func (p *EnvSecretsPlugin) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	p.logger = logger
	p.registry = registry

	if registry != nil {
		cfg := registry.GetConfig()
		if section, ok := cfg["env_secrets"]; ok {
			var ecfg envSecretsConfig
			if err := core.DecodeConfigSection(section, &ecfg); err != nil {
				p.logger.WarnContext(ctx, "Invalid env_secrets config", "error", err)
			}
			p.keys = normalizeList(ecfg.Keys)
			p.prefixes = normalizeList(ecfg.Prefixes)
			p.secretsDir = strings.TrimSpace(ecfg.SecretsDir)
		}
		if err := registry.RegisterEventType(core.EventTypeDesc{
			Name:        EventSecretMissing,
			Description: "A configured secret key was not found",
			PayloadSpec: map[string]core.PayloadField{
				"key": {Type: "string", Description: "Missing key", Required: true},
			},
		}); err != nil {
			p.logger.DebugContext(ctx, "Event type already registered", "event", EventSecretMissing)
		}
	}

	p.logger.InfoContext(ctx, "env_secrets initialized",
		"keys", len(p.keys),
		"prefixes", len(p.prefixes),
		"secrets_dir", p.secretsDir)
	return nil
}

func (p *EnvSecretsPlugin) Start(ctx context.Context) error {
	return nil
}

func (p *EnvSecretsPlugin) Stop(ctx context.Context) error {
	return nil
}

func (p *EnvSecretsPlugin) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilitySecrets}
}

func (p *EnvSecretsPlugin) Status() core.ServiceStatus {
	if p.secretsDir == "" {
		return core.StatusHealthy
	}
	if info, err := os.Stat(p.secretsDir); err != nil || !info.IsDir() {
		return core.StatusDegraded
	}
	return core.StatusHealthy
}

type envSecretsConfigView struct {
	Keys       []string `json:"keys"`
	Prefixes   []string `json:"prefixes"`
	SecretsDir string   `json:"secrets_dir"`
}

func (p *EnvSecretsPlugin) Config() any {
	return envSecretsConfigView{Keys: p.keys, Prefixes: p.prefixes, SecretsDir: p.secretsDir}
}

// Execute supports "get_secrets". The optional "keys" param adds keys to the
// configured allowlist for this call. Values come from the environment first,
// then from <secrets_dir>/<KEY>.
func (p *EnvSecretsPlugin) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	if action != core.ActionGetSecrets {
		return nil, fmt.Errorf("unknown action: %s", action)
	}

	requested := requestedKeys(params)
	secrets := make(map[string]string)

	for _, key := range normalizeList(append(append([]string(nil), p.keys...), requested...)) {
		if value, ok := p.lookup(key); ok {
			secrets[key] = value
		}
	}

	// Only explicitly configured keys are expected to exist.
	for _, key := range p.keys {
		if _, ok := secrets[key]; ok {
			continue
		}
		p.logger.WarnContext(ctx, "Secret not found", "key", key)
		if p.registry != nil {
			p.registry.Publish(ctx, core.InternalEvent{
				Type:    EventSecretMissing,
				Source:  p.Name(),
				String:  fmt.Sprintf("Secret %s not set", key),
				Details: map[string]interface{}{"key": key},
			})
		}
	}

	if len(p.prefixes) > 0 {
		for _, env := range os.Environ() {
			key, value, ok := strings.Cut(env, "=")
			if !ok {
				continue
			}
			for _, prefix := range p.prefixes {
				if strings.HasPrefix(key, prefix) {
					if _, exists := secrets[key]; !exists {
						secrets[key] = value
					}
					break
				}
			}
		}
	}

	return secrets, nil
}

func (p *EnvSecretsPlugin) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value, true
	}
	if p.secretsDir == "" || strings.ContainsAny(key, `/\`) {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(p.secretsDir, key))
	if err != nil {
		return "", false
	}
	value := strings.TrimSpace(string(data))
	return value, value != ""
}

func requestedKeys(params map[string]interface{}) []string {
	switch v := params["keys"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return strings.Split(v, ",")
	default:
		return nil
	}
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
