package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"github.com/jdorescf/sselab-risk-scores/pkg/config"
)

type Module interface {
	Name() string
	Init(ctx context.Context, logger *slog.Logger, registry PluginRegistry) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Plugin interface {
	Module
	Description() string
	Capabilities() []Capability
	Status() ServiceStatus
	Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error)
}

// ConfigProvider is implemented by plugins that expose their (redacted) config.
type ConfigProvider interface {
	Config() any
}

// PluginRegistry is the view of the manager handed to modules during Init.
type PluginRegistry interface {
	GetConfig() config.ConfigMap
	GetHTTPClient() *http.Client
	GetMuxServer() *http.ServeMux
	GetPluginsWithCapability(capability Capability) []Plugin
	GetReconciler() Reconciler
	RegisterEventType(desc EventTypeDesc) error
	Subscribe(pattern string, handler Listener)
	Publish(ctx context.Context, event InternalEvent)
}

type ModuleManager struct {
	mu         sync.RWMutex
	modules    []Module
	logger     *slog.Logger
	cfg        config.ConfigMap
	client     *http.Client
	mux        *http.ServeMux
	broker     *Broker
	reconciler Reconciler

	server     *http.Server
	serverOnce sync.Once
}

func NewModuleManager(logger *slog.Logger) *ModuleManager {
	m := &ModuleManager{
		modules: []Module{},
		logger:  logger,
		cfg:     config.ConfigMap{},
		client:  http.DefaultClient,
		mux:     http.NewServeMux(),
		broker:  NewBroker(logger),
	}
	m.registerCoreRoutes()
	return m
}

func (m *ModuleManager) Register(mod Module) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules = append(m.modules, mod)
}

func (m *ModuleManager) SetConfig(cfg config.ConfigMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg == nil {
		cfg = config.ConfigMap{}
	}
	m.cfg = cfg
}

func (m *ModuleManager) GetConfig() config.ConfigMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ModuleManager) SetHTTPClient(client *http.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = client
}

func (m *ModuleManager) GetHTTPClient() *http.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

func (m *ModuleManager) GetMuxServer() *http.ServeMux {
	return m.mux
}

// SetReconciler wires the reconciler that trigger plugins call into.
func (m *ModuleManager) SetReconciler(r Reconciler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciler = r
}

func (m *ModuleManager) GetReconciler() Reconciler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconciler
}

func (m *ModuleManager) RegisterEventType(desc EventTypeDesc) error {
	return m.broker.RegisterEventType(desc)
}

func (m *ModuleManager) Subscribe(pattern string, handler Listener) {
	m.broker.Subscribe(pattern, handler)
}

func (m *ModuleManager) Publish(ctx context.Context, event InternalEvent) {
	m.broker.Publish(ctx, event)
}

// ListPlugins returns every registered module that implements Plugin.
func (m *ModuleManager) ListPlugins() []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Plugin{}
	for _, mod := range m.modules {
		if p, ok := mod.(Plugin); ok {
			out = append(out, p)
		}
	}
	return out
}

func (m *ModuleManager) GetPlugin(name string) (Plugin, error) {
	for _, p := range m.ListPlugins() {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("plugin %s not found", name)
}

func (m *ModuleManager) GetPluginsWithCapability(capability Capability) []Plugin {
	out := []Plugin{}
	for _, p := range m.ListPlugins() {
		for _, c := range p.Capabilities() {
			if c == capability {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func (m *ModuleManager) LoadPlugins(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Debug("Plugins directory not found", "dir", dir)
			return nil
		}
		return fmt.Errorf("failed to read plugins dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		m.logger.Info("Loading plugin", "path", path)

		p, err := plugin.Open(path)
		if err != nil {
			m.logger.Error("Failed to open plugin", "path", path, "error", err)
			continue
		}

		sym, err := p.Lookup("Plugin")
		if err != nil {
			m.logger.Error("Plugin symbol not found", "path", path, "error", err)
			continue
		}

		// Lookup returns a pointer to the exported variable.
		var plug Plugin
		switch v := sym.(type) {
		case *Plugin:
			plug = *v
		case Plugin:
			plug = v
		default:
			m.logger.Error("Plugin has wrong type", "path", path)
			continue
		}

		m.Register(plug)
		m.logger.Info("Plugin loaded successfully", "name", plug.Name())
	}
	return nil
}

func (m *ModuleManager) Init(ctx context.Context) error {
	m.mu.RLock()
	modules := append([]Module(nil), m.modules...)
	m.mu.RUnlock()

	for _, mod := range modules {
		if err := mod.Init(ctx, m.logger.With("module", mod.Name()), m); err != nil {
			return fmt.Errorf("init %s: %w", mod.Name(), err)
		}
	}
	return nil
}

func (m *ModuleManager) Start(ctx context.Context) {
	m.mu.RLock()
	modules := append([]Module(nil), m.modules...)
	m.mu.RUnlock()

	for _, mod := range modules {
		go func(mod Module) {
			m.logger.Info("Starting module", "module", mod.Name())
			if err := mod.Start(ctx); err != nil {
				m.logger.Error("Module failed", "module", mod.Name(), "error", err)
			}
		}(mod)
	}
	m.startHTTPServer()
}

func (m *ModuleManager) Stop(ctx context.Context) {
	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Error("HTTP server shutdown failed", "error", err)
		}
	}

	m.mu.RLock()
	modules := append([]Module(nil), m.modules...)
	m.mu.RUnlock()

	for i := len(modules) - 1; i >= 0; i-- {
		mod := modules[i]
		m.logger.Info("Stopping module", "module", mod.Name())
		if err := mod.Stop(ctx); err != nil {
			m.logger.Error("Error stopping module", "module", mod.Name(), "error", err)
		}
	}
}
