package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type pluginInfo struct {
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Capabilities []Capability  `json:"capabilities,omitempty"`
	Status       ServiceStatus `json:"status,omitempty"`
	Config       any           `json:"config,omitempty"`
}

// statusResponse is served on /api/status.
type statusResponse struct {
	ReconcilerWired bool                     `json:"reconciler_wired"`
	LastRun         *RunStatus               `json:"last_run,omitempty"`
	Plugins         map[string]ServiceStatus `json:"plugins"`
}

func (m *ModuleManager) registerCoreRoutes() {
	m.mux.HandleFunc("/api/plugins", getOnly(m.handlePlugins))
	m.mux.HandleFunc("/api/plugins/", getOnly(m.handlePlugin))
	m.mux.HandleFunc("/api/status", getOnly(m.handleStatus))
	m.mux.HandleFunc("/healthz", m.handleHealth)
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

func (m *ModuleManager) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports plugin health and, when the wired reconciler keeps
// one, the outcome of the last run.
func (m *ModuleManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Plugins: map[string]ServiceStatus{}}
	for _, p := range m.ListPlugins() {
		resp.Plugins[p.Name()] = p.Status()
	}
	rec := m.GetReconciler()
	resp.ReconcilerWired = rec != nil
	if reporter, ok := rec.(RunReporter); ok {
		if last, ok := reporter.LastRun(); ok {
			resp.LastRun = &last
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (m *ModuleManager) handlePlugins(w http.ResponseWriter, r *http.Request) {
	includeConfig := strings.EqualFold(r.URL.Query().Get("include_config"), "true")
	plugins := m.ListPlugins()
	out := make([]pluginInfo, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, buildPluginInfo(p, includeConfig))
	}
	WriteJSON(w, http.StatusOK, out)
}

func (m *ModuleManager) handlePlugin(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/plugins/"), "/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "plugin name required")
		return
	}
	plug, err := m.GetPlugin(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, buildPluginInfo(plug, true))
}

func buildPluginInfo(plug Plugin, includeConfig bool) pluginInfo {
	info := pluginInfo{
		Name:         plug.Name(),
		Description:  plug.Description(),
		Capabilities: plug.Capabilities(),
		Status:       plug.Status(),
	}
	if includeConfig {
		if cfg, ok := plug.(ConfigProvider); ok {
			info.Config = cfg.Config()
		}
	}
	return info
}

func (m *ModuleManager) startHTTPServer() {
	m.serverOnce.Do(func() {
		addr := m.httpAddr()
		if addr == "" {
			return
		}
		m.server = &http.Server{
			Addr:    addr,
			Handler: m.mux,
		}
		m.logger.Info("HTTP server starting", "addr", addr)
		go func() {
			if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				m.logger.Error("HTTP server failed", "error", err)
			}
		}()
	})
}

func (m *ModuleManager) httpAddr() string {
	cfg := m.GetConfig()
	coreSection, ok := cfg["core"]
	if !ok {
		return ""
	}
	if v, ok := coreSection["http_addr"]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
