package classify

import (
	"context"
	"net/url"

	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/aau-network-security/cloakwatch/signals"
)

type Decision struct {
	IsScam      bool
	Confidence  float64
	AllowListed bool
}

type Engine struct {
	allow AllowList
}

func NewEngine(allow AllowList) *Engine {
	if allow == nil {
		allow = StaticAllowList{}
	}
	return &Engine{
		allow: allow,
	}
}

// Decide fuses the raw classifier verdict with the detected signals. A destination on the
// allow-list is never scam. Otherwise the classifier must be confident enough and at least
// one weighted signal must corroborate it.
func (e *Engine) Decide(ctx context.Context, raw Verdict, s models.Signals, finalUrl string, threshold float64) Decision {
	d := Decision{
		Confidence: raw.Confidence,
	}
	if u, err := url.Parse(finalUrl); err == nil && e.allow.Allowed(ctx, u.Hostname()) {
		d.AllowListed = true
		return d
	}
	d.IsScam = raw.IsScam && raw.Confidence >= threshold && signals.HasWeightedSignal(s)
	return d
}
