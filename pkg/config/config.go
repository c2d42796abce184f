package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL  = "https://api.cloudflare.com/client/v4"
	DefaultInterval = time.Hour
	DefaultTimeout  = 15 * time.Second
	DefaultHTTPAddr = ":8080"

	// DefaultHookTimeout bounds one hook stage (pre or post).
	DefaultHookTimeout = time.Minute
)

type Config struct {
	AccountID   string
	AuthEmail   string
	APIKey      string
	APIToken    string // Takes precedence over AuthEmail/APIKey when set
	ListID      string
	BaseURL     string
	Interval    time.Duration
	Timeout     time.Duration // Per remote call
	RunOnStart  bool
	DryRun      bool
	HooksDir    string
	HookTimeout time.Duration // Per hook stage
	SecretsDir  string        // Directory to look for secret files
}

// HasCredentials reports whether either auth scheme is fully configured.
func (c Config) HasCredentials() bool {
	return c.APIToken != "" || (c.AuthEmail != "" && c.APIKey != "")
}

// Validate checks the identifiers every run needs. Credentials are checked
// separately because secret plugins may still supply them.
func (c Config) Validate() error {
	var missing []string
	if c.AccountID == "" {
		missing = append(missing, "ACCOUNT_ID")
	}
	if c.ListID == "" {
		missing = append(missing, "LIST_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	return nil
}

// LoadConfig builds the core Config from environment variables only.
func LoadConfig() Config {
	return LoadConfigFromMap(LoadConfigMapFromEnv()["core"])
}

// ConfigMap is a sectioned configuration map keyed by plugin name (or "core").
// Values are YAML-friendly scalars or nested maps/lists.
type ConfigMap map[string]map[string]any

// LoadConfigFile loads a YAML config file from disk.
// Returns an empty map if the file does not exist or is empty.
func LoadConfigFile(path string) (ConfigMap, error) {
	if path == "" {
		return ConfigMap{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ConfigMap{}, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return ConfigMap{}, nil
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return normalizeConfigMap(raw), nil
}

// LoadConfigMapFromEnv builds a sectioned config map from environment variables.
// Unset variables map to "" and fall through to defaults.
func LoadConfigMapFromEnv() ConfigMap {
	cfg := ConfigMap{
		"core": {
			"account_id":   os.Getenv("ACCOUNT_ID"),
			"auth_email":   os.Getenv("USER_EMAIL"),
			"api_key":      os.Getenv("API_KEY"),
			"api_token":    os.Getenv("API_TOKEN"),
			"list_id":      os.Getenv("LIST_ID"),
			"base_url":     os.Getenv("API_BASE_URL"),
			"interval":     os.Getenv("SYNC_INTERVAL"),
			"timeout":      os.Getenv("REQUEST_TIMEOUT"),
			"run_on_start": os.Getenv("RUN_ON_START"),
			"dry_run":      os.Getenv("DRY_RUN"),
			"hooks_dir":    os.Getenv("HOOKS_DIR"),
			"hook_timeout": os.Getenv("HOOK_TIMEOUT"),
			"secrets_dir":  os.Getenv("SECRETS_DIR"),
			"plugins_dir":  os.Getenv("PLUGINS_DIR"),
			"http_addr":    envOr("HTTP_ADDR", DefaultHTTPAddr),
		},
		"pushover": {
			"token": os.Getenv("NOTIFY_PUSHOVER_TOKEN"),
			"user":  os.Getenv("NOTIFY_PUSHOVER_USER"),
		},
		"webhook": {
			"url": os.Getenv("NOTIFY_WEBHOOK_URL"),
		},
		"webhook_trigger": {
			"token": os.Getenv("WEBHOOK_TOKEN"),
			"async": os.Getenv("WEBHOOK_ASYNC") == "true",
		},
		"env_secrets": {
			"secrets_dir": os.Getenv("SECRETS_DIR"),
		},
		"google_secret_manager": {
			"project_id": os.Getenv("GOOGLE_CLOUD_PROJECT"),
		},
	}
	if v := os.Getenv("NOTIFY_PUSHOVER_EVENTS"); v != "" {
		cfg["pushover"]["subscribe"] = v
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_EVENTS"); v != "" {
		cfg["webhook"]["subscribe"] = v
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// LoadConfigFromMap builds a core Config from a map.
// Supported keys (yaml): account_id, auth_email, api_key, api_token, list_id,
// base_url, interval, timeout, run_on_start, dry_run, hooks_dir, hook_timeout,
// secrets_dir.
func LoadConfigFromMap(m map[string]any) Config {
	cfg := Config{RunOnStart: true}

	if v, ok := getString(m, "account_id"); ok {
		cfg.AccountID = v
	}
	if v, ok := getString(m, "auth_email", "user_email"); ok {
		cfg.AuthEmail = v
	}
	if v, ok := getString(m, "api_key"); ok {
		cfg.APIKey = v
	}
	if v, ok := getString(m, "api_token"); ok {
		cfg.APIToken = v
	}
	if v, ok := getString(m, "list_id"); ok {
		cfg.ListID = v
	}
	if v, ok := getString(m, "base_url"); ok {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	if v, ok := getDuration(m, "interval", "sync_interval"); ok {
		cfg.Interval = v
	}
	if v, ok := getDuration(m, "timeout", "request_timeout"); ok {
		cfg.Timeout = v
	}
	if v, ok := getBool(m, "run_on_start"); ok {
		cfg.RunOnStart = v
	}
	if v, ok := getBool(m, "dry_run"); ok {
		cfg.DryRun = v
	}
	if v, ok := getString(m, "hooks_dir"); ok {
		cfg.HooksDir = v
	}
	if v, ok := getDuration(m, "hook_timeout"); ok {
		cfg.HookTimeout = v
	}
	if v, ok := getString(m, "secrets_dir"); ok {
		cfg.SecretsDir = v
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = DefaultHookTimeout
	}

	return cfg
}

// MergeConfigMap merges primary over fallback (primary wins).
// Empty strings in primary do not mask fallback values.
func MergeConfigMap(primary, fallback ConfigMap) ConfigMap {
	out := cloneConfigMap(fallback)
	for section, vals := range primary {
		if len(vals) == 0 {
			continue
		}
		merged := map[string]any{}
		if existing, ok := out[section]; ok {
			for k, v := range existing {
				merged[k] = v
			}
		}
		for k, v := range vals {
			if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
				if _, has := merged[k]; has {
					continue
				}
			}
			merged[k] = v
		}
		out[section] = merged
	}
	return out
}

func cloneConfigMap(src ConfigMap) ConfigMap {
	dst := ConfigMap{}
	for section, vals := range src {
		sectionCopy := map[string]any{}
		for k, v := range vals {
			sectionCopy[k] = v
		}
		dst[section] = sectionCopy
	}
	return dst
}

func normalizeConfigMap(raw map[string]any) ConfigMap {
	out := ConfigMap{}
	for key, value := range raw {
		if m := normalizeStringMap(value); m != nil {
			out[key] = m
		}
	}
	return out
}

func normalizeStringMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		out := map[string]any{}
		for k, v := range t {
			out[k] = normalizeValue(v)
		}
		return out
	case map[any]any:
		out := map[string]any{}
		for k, v := range t {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = normalizeValue(v)
		}
		return out
	default:
		return nil
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any, map[any]any:
		return normalizeStringMap(t)
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return v
	}
}

func getString(m map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			switch t := v.(type) {
			case string:
				t = strings.TrimSpace(t)
				if t == "" {
					continue
				}
				return t, true
			default:
				return strings.TrimSpace(fmt.Sprint(t)), true
			}
		}
	}
	return "", false
}

func getBool(m map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			switch t := v.(type) {
			case bool:
				return t, true
			case string:
				t = strings.TrimSpace(t)
				if t == "" {
					continue
				}
				return strings.EqualFold(t, "true"), true
			case int:
				return t != 0, true
			case int64:
				return t != 0, true
			case float64:
				return t != 0, true
			}
		}
	}
	return false, false
}

func getDuration(m map[string]any, keys ...string) (time.Duration, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			switch t := v.(type) {
			case time.Duration:
				return t, true
			case string:
				d, err := time.ParseDuration(strings.TrimSpace(t))
				if err == nil {
					return d, true
				}
			case int:
				return time.Duration(t) * time.Second, true
			case int64:
				return time.Duration(t) * time.Second, true
			case float64:
				return time.Duration(t) * time.Second, true
			}
		}
	}
	return 0, false
}
