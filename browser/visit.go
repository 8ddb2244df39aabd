package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/device"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	NavigationTimeoutErr = errors.New("navigation timed out")
)

// Profile applies device characteristics to a tab before navigation
type Profile chromedp.Action

var (
	Desktop Profile = chromedp.EmulateViewport(1920, 1080)
	Mobile  Profile = chromedp.Emulate(device.IPhone7)
)

type VisitOpts struct {
	Profile     Profile
	InitScripts []string // registered before navigation, run on every new document
	Interaction time.Duration
	Collect     string // expression evaluated after the interaction window
	Screenshot  bool
	Content     bool
}

type Page struct {
	StartUrl     string
	FinalUrl     string
	RedirectPath []string // document navigations, starting with the first request
	Screenshot   []byte
	Content      string
	Collected    string
}

// records main frame document requests in order
type pathRecorder struct {
	m    sync.Mutex
	hops []string
}

func (r *pathRecorder) add(u string) {
	r.m.Lock()
	defer r.m.Unlock()
	if u == "" || u == "about:blank" {
		return
	}
	if n := len(r.hops); n > 0 && r.hops[n-1] == u {
		return
	}
	r.hops = append(r.hops, u)
}

func (r *pathRecorder) path() []string {
	r.m.Lock()
	defer r.m.Unlock()
	res := make([]string, len(r.hops))
	copy(res, r.hops)
	return res
}

func (p *Pool) listen(tabCtx context.Context, rec *pathRecorder) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			if e.Type != network.ResourceTypeDocument {
				return
			}
			if e.RedirectResponse != nil {
				rec.add(e.RedirectResponse.URL)
			}
			if e.Request != nil {
				rec.add(e.Request.URL)
			}
		case *fetch.EventRequestPaused:
			go func() {
				if err := chromedp.Run(tabCtx, fetch.ContinueRequest(e.RequestID)); err != nil {
					log.Debug().Msgf("failed to continue paused request: %s", err)
				}
			}()
		case *fetch.EventAuthRequired:
			go func() {
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: p.conf.ProxyUser,
					Password: p.conf.ProxyPassword,
				}
				if err := chromedp.Run(tabCtx, fetch.ContinueWithAuth(e.RequestID, resp)); err != nil {
					log.Debug().Msgf("failed to answer proxy authentication: %s", err)
				}
			}()
		}
	})
}

func (p *Pool) prepare(opts VisitOpts) chromedp.Tasks {
	tasks := chromedp.Tasks{
		network.Enable(),
		network.ClearBrowserCookies(),
	}
	if p.conf.ProxyUser != "" {
		tasks = append(tasks, fetch.Enable().WithHandleAuthRequests(true))
	}
	if opts.Profile != nil {
		tasks = append(tasks, opts.Profile)
	}
	for _, script := range opts.InitScripts {
		script := script
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	return tasks
}

// waits until the location has not changed for the settle time
func (p *Pool) settle(ctx context.Context) (string, error) {
	var cur string
	if err := chromedp.Run(ctx, chromedp.Location(&cur)); err != nil {
		return "", err
	}
	stableSince := time.Now()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for time.Since(stableSince) < p.opts.SettleTime {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		var next string
		if err := chromedp.Run(ctx, chromedp.Location(&next)); err != nil {
			return "", err
		}
		if next != cur {
			cur = next
			stableSince = time.Now()
		}
	}
	return cur, nil
}

// Visit navigates a fresh tab to the url with all instrumentation installed beforehand
func (p *Pool) Visit(ctx context.Context, url string, opts VisitOpts) (*Page, error) {
	if err := p.tabs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.tabs.Release(1)

	inst, err := p.acquire()
	if err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(inst.ctx)
	defer tabCancel()
	// the tab must not outlive the caller
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	// the first run creates the target; it must not happen on the timeout context,
	// whose expiry would otherwise close the tab early
	if err := chromedp.Run(tabCtx); err != nil {
		return nil, p.visitErr(inst, err, "open tab")
	}

	timeoutCtx, cancel := context.WithTimeout(tabCtx, p.opts.NavigationTimeout)
	defer cancel()

	rec := &pathRecorder{}
	p.listen(tabCtx, rec)

	if err := chromedp.Run(timeoutCtx, p.prepare(opts)); err != nil {
		return nil, p.visitErr(inst, err, "prepare tab")
	}
	if err := chromedp.Run(timeoutCtx, chromedp.Navigate(url)); err != nil {
		return nil, p.visitErr(inst, err, "navigate")
	}

	if opts.Interaction > 0 {
		select {
		case <-timeoutCtx.Done():
			return nil, p.visitErr(inst, timeoutCtx.Err(), "interaction window")
		case <-time.After(opts.Interaction):
		}
	}

	final, err := p.settle(timeoutCtx)
	if err != nil {
		return nil, p.visitErr(inst, err, "settle")
	}

	res := &Page{
		StartUrl: url,
		FinalUrl: final,
	}

	var actions chromedp.Tasks
	if opts.Collect != "" {
		actions = append(actions, chromedp.Evaluate(opts.Collect, &res.Collected))
	}
	if opts.Screenshot {
		actions = append(actions, chromedp.CaptureScreenshot(&res.Screenshot))
	}
	if opts.Content {
		actions = append(actions, chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ""`, &res.Content))
	}
	if len(actions) > 0 {
		if err := chromedp.Run(timeoutCtx, actions); err != nil {
			return nil, p.visitErr(inst, err, "extract page")
		}
	}

	res.RedirectPath = rec.path()
	if len(res.RedirectPath) == 0 || res.RedirectPath[len(res.RedirectPath)-1] != final {
		res.RedirectPath = append(res.RedirectPath, final)
	}
	return res, nil
}

func (p *Pool) visitErr(inst *instance, err error, step string) error {
	if inst.ctx.Err() != nil {
		// the browser itself went away, not just this tab
		p.invalidate(inst)
		return errors.Wrap(BrowserUnavailableErr, step)
	}
	if errors.Cause(err) == context.DeadlineExceeded {
		return errors.Wrap(NavigationTimeoutErr, step)
	}
	return errors.Wrap(err, step)
}
