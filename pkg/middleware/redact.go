package middleware

import (
	"context"
	"strings"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/fn"
)

const redactedValue = "****"

var defaultRedactKeys = []string{
	"token", "apikey", "authorization", "password", "secret",
	"privatekey", "accesstoken", "refreshtoken",
}

// RedactConfig configures which object keys get scrubbed.
type RedactConfig struct {
	Keys []string
}

type redactor struct {
	keys map[string]bool
}

func newRedactor(cfg RedactConfig) *redactor {
	keys := cfg.Keys
	if len(keys) == 0 {
		keys = defaultRedactKeys
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = true
	}
	return &redactor{keys: set}
}

func (r *redactor) stage(_ context.Context, ev *event.AnalyticsEventV1) fn.Result[Outcome] {
	out := ev.Clone()
	out.Payload = r.walk(out.Payload)
	if out.Ctx != nil {
		out.Ctx = r.walkMap(out.Ctx)
	}
	if out.Actor != nil {
		if r.keys["id"] && out.Actor.ID != "" {
			out.Actor.ID = redactedValue
		}
		if r.keys["name"] && out.Actor.Name != "" {
			out.Actor.Name = redactedValue
		}
	}
	return keep(out)
}

// walk recursively redacts map keys and traverses arrays; it never
// descends into an already-redacted subtree.
func (r *redactor) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.walkMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.walk(item)
		}
		return out
	default:
		return v
	}
}

func (r *redactor) walkMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.keys[strings.ToLower(k)] {
			out[k] = redactedValue
			continue
		}
		out[k] = r.walk(v)
	}
	return out
}
