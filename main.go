package main

import (
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdorescf/sselab-risk-scores/pkg/config"
	"github.com/jdorescf/sselab-risk-scores/pkg/core"
	"github.com/jdorescf/sselab-risk-scores/pkg/metrics"
	"github.com/jdorescf/sselab-risk-scores/pkg/reconciler"
	envsecrets "github.com/jdorescf/sselab-risk-scores/plugins/env_secrets"
	googlesecretmanager "github.com/jdorescf/sselab-risk-scores/plugins/google_secret_manager"
	notifierpushover "github.com/jdorescf/sselab-risk-scores/plugins/notifier_pushover"
	notifierwebhook "github.com/jdorescf/sselab-risk-scores/plugins/notifier_webhook"
	webhooktrigger "github.com/jdorescf/sselab-risk-scores/plugins/webhook_trigger"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired module manager with the reconciler it drives.
type app struct {
	mgr        *core.ModuleManager
	reconciler *reconciler.Reconciler
	registry   *prometheus.Registry
}

// loadSettings merges the config file with the environment. File values win
// unless blank.
func loadSettings(logger *slog.Logger, configPath string) (config.Config, config.ConfigMap) {
	cfgMapFile, err := config.LoadConfigFile(configPath)
	if err != nil {
		logger.Error("Failed to load config file", "path", configPath, "error", err)
	}
	cfgMap := config.MergeConfigMap(cfgMapFile, config.LoadConfigMapFromEnv())
	return config.LoadConfigFromMap(cfgMap["core"]), cfgMap
}

// newApp registers the built-in plugins, any shared-object plugins, and the
// reconciler, in that order so secret providers initialize first.
func newApp(logger *slog.Logger, cfg config.Config, cfgMap config.ConfigMap) *app {
	mgr := core.NewModuleManager(logger)
	mgr.SetConfig(cfgMap)
	mgr.SetHTTPClient(&http.Client{Timeout: cfg.Timeout})

	mgr.Register(envsecrets.New())
	mgr.Register(googlesecretmanager.New())
	mgr.Register(notifierwebhook.New())
	mgr.Register(notifierpushover.New())
	mgr.Register(webhooktrigger.New())

	if pluginsDir := pluginsDirFrom(cfgMap); pluginsDir != "" {
		if err := mgr.LoadPlugins(pluginsDir); err != nil {
			logger.Error("Failed to load plugins", "error", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mgr.GetMuxServer().Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r := reconciler.NewReconciler(cfg, reconciler.WithMetrics(metrics.New(reg)))
	mgr.Register(r)
	mgr.SetReconciler(r)

	return &app{mgr: mgr, reconciler: r, registry: reg}
}

func pluginsDirFrom(cfgMap config.ConfigMap) string {
	if coreSection, ok := cfgMap["core"]; ok {
		if v, ok := coreSection["plugins_dir"].(string); ok {
			return v
		}
	}
	return ""
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
