package cloudflare

import (
	"encoding/json"
	"strings"
)

type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskUnknown RiskLevel = "unknown"
)

// ParseRiskLevel maps the API's max_risk_level onto the known levels.
// Case and surrounding whitespace are ignored on purpose, so "HIGH" counts as
// high. Anything else, including "very high" or "critical", is RiskUnknown and
// never lands on the list.
func ParseRiskLevel(s string) RiskLevel {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow
	case RiskMedium:
		return RiskMedium
	case RiskHigh:
		return RiskHigh
	default:
		return RiskUnknown
	}
}

// RiskRecord is one user from the risk-scoring summary.
type RiskRecord struct {
	Identity string    // email
	Level    RiskLevel
}

// ListEntry is one item of a Gateway list.
type ListEntry struct {
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// ListPatch is the body of the list PATCH call.
type ListPatch struct {
	Remove []string    `json:"remove"`
	Append []ListEntry `json:"append"`
}

// MarshalJSON always emits both arrays, never null.
func (p ListPatch) MarshalJSON() ([]byte, error) {
	type wire ListPatch
	w := wire(p)
	if w.Remove == nil {
		w.Remove = []string{}
	}
	if w.Append == nil {
		w.Append = []ListEntry{}
	}
	return json.Marshal(w)
}

// envelope is the standard Cloudflare v4 response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Errors  []apiMessage    `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type riskSummary struct {
	Users *[]riskUser `json:"users"`
}

type riskUser struct {
	Email        string `json:"email"`
	MaxRiskLevel string `json:"max_risk_level"`
}

type listItem struct {
	Value       string `json:"value"`
	Description string `json:"description"`
}
