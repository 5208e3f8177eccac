package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/fn"
)

// PIIConfig configures the deterministic PII-hashing stage.
type PIIConfig struct {
	Enabled         bool
	Salt            string
	Pepper          string
	SaltID          string
	RotateAfterDays int
	Fields          []string // dotted paths, e.g. "actor.id", "ctx.repo"
	Now             func() time.Time
}

type piiHasher struct {
	cfg PIIConfig
}

func newPIIHasher(cfg PIIConfig) *piiHasher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &piiHasher{cfg: cfg}
}

func (h *piiHasher) stage(_ context.Context, ev *event.AnalyticsEventV1) fn.Result[Outcome] {
	if !h.cfg.Enabled || h.cfg.Salt == "" {
		return keep(ev)
	}

	out := ev.Clone()
	saltID := h.saltID()
	hashed := false

	for _, path := range h.cfg.Fields {
		if v, ok := getPath(out, path); ok {
			if s, isStr := v.(string); isStr && s != "" {
				setPath(out, path, h.hash(s))
				hashed = true
			}
		}
	}

	if hashed {
		out.HashMeta = &event.HashMeta{Algo: event.HashAlgo, SaltID: saltID}
	}
	return keep(out)
}

func (h *piiHasher) hash(value string) string {
	msg := h.cfg.Salt + ":"
	if h.cfg.Pepper != "" {
		msg += h.cfg.Pepper + ":"
	}
	msg += value
	mac := hmac.New(sha256.New, []byte(h.cfg.Salt))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// saltID returns the configured saltId, or the auto-generated
// "default-YYYY-MM" for the current month.
func (h *piiHasher) saltID() string {
	if h.cfg.SaltID != "" {
		return h.cfg.SaltID
	}
	now := h.cfg.Now()
	return fmt.Sprintf("default-%04d-%02d", now.Year(), now.Month())
}

// SaltRotationDue reports whether an auto-generated "default-YYYY-MM"
// saltId is older than RotateAfterDays and a caller should mint a new one.
func SaltRotationDue(saltID string, rotateAfterDays int, now time.Time) bool {
	if rotateAfterDays <= 0 {
		return false
	}
	const prefix = "default-"
	if !strings.HasPrefix(saltID, prefix) {
		return false
	}
	minted, err := time.Parse("2006-01", strings.TrimPrefix(saltID, prefix))
	if err != nil {
		return false
	}
	return now.Sub(minted) > time.Duration(rotateAfterDays)*24*time.Hour
}

// getPath reads a dotted path like "actor.id" or "ctx.repo" off ev.
func getPath(ev *event.AnalyticsEventV1, path string) (any, bool) {
	parts := strings.SplitN(path, ".", 2)
	switch parts[0] {
	case "actor":
		if ev.Actor == nil || len(parts) != 2 {
			return nil, false
		}
		switch parts[1] {
		case "id":
			return ev.Actor.ID, true
		case "name":
			return ev.Actor.Name, true
		}
		return nil, false
	case "ctx":
		if ev.Ctx == nil || len(parts) != 2 {
			return nil, false
		}
		v, ok := ev.Ctx[parts[1]]
		return v, ok
	default:
		return nil, false
	}
}

// setPath writes a string value back to the same dotted path getPath reads.
func setPath(ev *event.AnalyticsEventV1, path, value string) {
	parts := strings.SplitN(path, ".", 2)
	switch parts[0] {
	case "actor":
		if ev.Actor == nil || len(parts) != 2 {
			return
		}
		switch parts[1] {
		case "id":
			ev.Actor.ID = value
		case "name":
			ev.Actor.Name = value
		}
	case "ctx":
		if ev.Ctx == nil || len(parts) != 2 {
			return
		}
		ev.Ctx[parts[1]] = value
	}
}
