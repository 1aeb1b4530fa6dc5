// Package decision resolves which engine handles an email body and whether
// attachment conversion is enabled, honoring a strict precedence chain:
// global override, then flag rollout, then the hardcoded safe default.
package decision

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/myhometech/email-ingest/internal/convert"
)

// Flag names evaluated per tenant.
const (
	// FlagCloudBody ramps cloud rendering of email bodies.
	FlagCloudBody = "cloud_body_rendering"
	// FlagAttachmentConversion ramps attachment-to-PDF conversion.
	FlagAttachmentConversion = "attachment_conversion"
)

// RequestContext identifies the inbound email being decided for.
type RequestContext struct {
	TenantID string
	Tier     string
}

// Config carries the explicit global override. It is populated once in main;
// nothing below cmd/ reads the environment.
type Config struct {
	// GlobalEngineOverride, when set, wins outright and disables flag
	// evaluation.
	GlobalEngineOverride convert.Engine
}

// FlagStore is a snapshot view of rollout percentages.
type FlagStore interface {
	// RolloutPercent returns the 0-100 rollout for a flag, and whether the
	// flag exists.
	RolloutPercent(ctx context.Context, flag string) (int, bool, error)
}

// Decision is the resolved engine policy for one request.
type Decision struct {
	BodyEngine         convert.Engine
	ConvertAttachments bool
	// Reasons is the ordered list of rules that fired, for observability.
	Reasons []string
}

// Decide resolves the engine policy. It is pure given its inputs and the
// flag-store snapshot; flag lookup failures fall through to the safe default
// rather than erroring.
func Decide(ctx context.Context, cfg Config, store FlagStore, req RequestContext) Decision {
	if cfg.GlobalEngineOverride != "" {
		d := Decision{
			BodyEngine:         cfg.GlobalEngineOverride,
			ConvertAttachments: cfg.GlobalEngineOverride == convert.EngineCloud,
		}
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("global override set: body engine %s, flag evaluation disabled", cfg.GlobalEngineOverride))
		if d.ConvertAttachments {
			d.Reasons = append(d.Reasons, "attachment conversion enabled by cloud override")
		} else {
			d.Reasons = append(d.Reasons, "attachment conversion disabled: local engine cannot convert attachments")
		}
		return d
	}

	// Safe default: local body rendering, attachments stored as-is.
	d := Decision{BodyEngine: convert.EngineLocal, ConvertAttachments: false}

	if on, reason := evaluateFlag(ctx, store, req.TenantID, FlagCloudBody); on {
		d.BodyEngine = convert.EngineCloud
		d.Reasons = append(d.Reasons, reason)
	} else {
		d.Reasons = append(d.Reasons, reason+"; body engine defaults to local")
	}

	if on, reason := evaluateFlag(ctx, store, req.TenantID, FlagAttachmentConversion); on {
		d.ConvertAttachments = true
		d.Reasons = append(d.Reasons, reason)
	} else {
		d.Reasons = append(d.Reasons, reason+"; attachment conversion defaults to off")
	}

	return d
}

// evaluateFlag reports whether the tenant falls inside the flag's rollout,
// with a human-readable explanation of the rule that fired.
func evaluateFlag(ctx context.Context, store FlagStore, tenantID, flag string) (bool, string) {
	if store == nil {
		return false, fmt.Sprintf("flag %s: no flag store configured", flag)
	}
	pct, found, err := store.RolloutPercent(ctx, flag)
	if err != nil {
		return false, fmt.Sprintf("flag %s: lookup failed (%v)", flag, err)
	}
	if !found {
		return false, fmt.Sprintf("flag %s: not configured", flag)
	}
	if pct <= 0 {
		return false, fmt.Sprintf("flag %s: rollout 0%%", flag)
	}
	if pct >= 100 {
		return true, fmt.Sprintf("flag %s: rollout 100%%", flag)
	}
	bucket := rolloutBucket(tenantID, flag)
	if bucket < pct {
		return true, fmt.Sprintf("flag %s: tenant bucket %d within rollout %d%%", flag, bucket, pct)
	}
	return false, fmt.Sprintf("flag %s: tenant bucket %d outside rollout %d%%", flag, bucket, pct)
}

// rolloutBucket maps a tenant deterministically into [0,100) per flag, so a
// ramp never flaps a tenant between engines.
func rolloutBucket(tenantID, flag string) int {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{'#'})
	h.Write([]byte(flag))
	return int(h.Sum32() % 100)
}
