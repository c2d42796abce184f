package reconciler

import "github.com/jdorescf/sselab-risk-scores/pkg/cloudflare"

// HighRiskDescription labels every entry the reconciler appends.
const HighRiskDescription = "high risk"

// Plan is the full-replacement instruction for one run: drop every current
// value, then append every high-risk identity. An identity present before and
// after the run appears in both halves.
type Plan struct {
	Remove []string
	Append []cloudflare.ListEntry
}

// Patch converts the plan to the list PATCH body.
func (p Plan) Patch() cloudflare.ListPatch {
	return cloudflare.ListPatch{Remove: p.Remove, Append: p.Append}
}

// HighRiskEntries keeps the high-risk records in source order. Duplicates are kept.
func HighRiskEntries(records []cloudflare.RiskRecord) []cloudflare.ListEntry {
	out := []cloudflare.ListEntry{}
	for _, rec := range records {
		if rec.Level != cloudflare.RiskHigh {
			continue
		}
		out = append(out, cloudflare.ListEntry{Value: rec.Identity, Description: HighRiskDescription})
	}
	return out
}

// RemoveValues returns the value of every current entry in order.
func RemoveValues(current []cloudflare.ListEntry) []string {
	out := make([]string, 0, len(current))
	for _, e := range current {
		out = append(out, e.Value)
	}
	return out
}

// BuildPlan combines the risk records and the current list contents.
func BuildPlan(records []cloudflare.RiskRecord, current []cloudflare.ListEntry) Plan {
	return Plan{
		Remove: RemoveValues(current),
		Append: HighRiskEntries(records),
	}
}
