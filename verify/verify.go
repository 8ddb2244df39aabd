package verify

import (
	"context"
	"time"

	"github.com/aau-network-security/cloakwatch/browser"
	"github.com/aau-network-security/cloakwatch/classify"
	"github.com/aau-network-security/cloakwatch/signals"
	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	DefaultOpts = Opts{
		Interaction: 5 * time.Second,
	}
)

type Opts struct {
	Interaction time.Duration // time evasive code gets to reveal itself
}

type Browser interface {
	Visit(ctx context.Context, url string, opts browser.VisitOpts) (*browser.Page, error)
}

type Result struct {
	StartUrl     string
	FinalUrl     string
	RedirectPath []string
	Signals      models.Signals
	Verdict      classify.Verdict
	Decision     classify.Decision
}

func (r *Result) IsScam() bool {
	return r.Decision.IsScam
}

// Verifier visits a url with instrumentation installed, classifies what it ends up on
// and decides whether it is a scam
type Verifier struct {
	browser    Browser
	classifier classify.Classifier
	engine     *classify.Engine
	opts       Opts
}

func New(b Browser, c classify.Classifier, e *classify.Engine, opts Opts) *Verifier {
	return &Verifier{
		browser:    b,
		classifier: c,
		engine:     e,
		opts:       opts,
	}
}

func (v *Verifier) Verify(ctx context.Context, url string, threshold float64) (*Result, error) {
	inst := signals.NewInstrumentation()
	page, err := v.browser.Visit(ctx, url, browser.VisitOpts{
		Profile:     browser.Desktop,
		InitScripts: []string{inst.Script()},
		Interaction: v.opts.Interaction,
		Collect:     inst.CollectExpression(),
		Screenshot:  true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "visit %s", url)
	}

	res := &Result{
		StartUrl:     url,
		FinalUrl:     page.FinalUrl,
		RedirectPath: page.RedirectPath,
	}

	dynamic, err := inst.Parse(page.Collected)
	if err != nil {
		// a page that wipes the carrier yields no dynamic signals, not a failed verification
		log.Debug().Msgf("no dynamic signals for %s: %s", url, err)
	}
	static, err := signals.Static(page.FinalUrl)
	if err != nil {
		return nil, errors.Wrap(err, "static signals")
	}
	res.Signals = dynamic.Merge(static)

	res.Verdict, err = v.classifier.Classify(ctx, page.Screenshot)
	if err != nil {
		return nil, errors.Wrap(err, "classify screenshot")
	}
	res.Decision = v.engine.Decide(ctx, res.Verdict, res.Signals, res.FinalUrl, threshold)
	return res, nil
}
