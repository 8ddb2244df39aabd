package resolver

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aau-network-security/cloakwatch/browser"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html/charset"
)

const (
	maxBodySize = 2 << 20
)

var (
	DefaultOpts = Opts{
		Timeout:     15 * time.Second,
		Interaction: 5 * time.Second,
	}
)

type Config struct {
	Proxy      string   `yaml:"proxy"`
	UserAgents []string `yaml:"user-agents"`
}

type Opts struct {
	Timeout     time.Duration
	Interaction time.Duration // time a browser visit is given to run client-side redirects
}

// Browser visits a url in a real browser
type Browser interface {
	Visit(ctx context.Context, url string, opts browser.VisitOpts) (*browser.Page, error)
}

type Resolver struct {
	client  *http.Client
	agents  *userAgents
	browser Browser
	opts    Opts
}

func New(conf Config, opts Opts, b Browser) (*Resolver, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultOpts.Timeout
	}
	client, err := newClient(conf.Proxy, opts.Timeout)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		client:  client,
		agents:  newUserAgents(conf.UserAgents),
		browser: b,
		opts:    opts,
	}, nil
}

// Resolve follows a single source with the given mechanism.
// An empty destination without error means no redirect happened.
func (r *Resolver) Resolve(ctx context.Context, t Type, src string) (string, error) {
	switch t {
	case Header:
		return r.ResolveHeader(ctx, src)
	case StagedScript:
		return r.ResolveStagedScript(ctx, src)
	case BrowserDesktop:
		return r.ResolveBrowser(ctx, src, browser.Desktop)
	case BrowserMobile:
		return r.ResolveBrowser(ctx, src, browser.Mobile)
	}
	return "", UnsupportedTypeErr{Type: t.String()}
}

func (r *Resolver) get(ctx context.Context, src string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", r.agents.pick())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", src)
	}
	return resp, nil
}

// ResolveHeader issues a single request and reads the Location header
func (r *Resolver) ResolveHeader(ctx context.Context, src string) (string, error) {
	resp, err := r.get(ctx, src)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", nil
	}
	base, err := url.Parse(src)
	if err != nil {
		return "", errors.Wrap(err, "parse source url")
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", errors.Wrapf(err, "parse location %q", loc)
	}
	return base.ResolveReference(ref).String(), nil
}

// ResolveStagedScript fetches an intermediate page, extracts the embedded url
// and follows it with a header redirect
func (r *Resolver) ResolveStagedScript(ctx context.Context, src string) (string, error) {
	resp, err := r.get(ctx, src)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := charset.NewReader(io.LimitReader(resp.Body, maxBodySize), resp.Header.Get("Content-Type"))
	if err != nil {
		return "", errors.Wrap(err, "decode body")
	}
	staged := ExtractStagedDestination(body, src)
	if staged == "" {
		return "", nil
	}
	log.Debug().Msgf("staged url on %s: %s", src, staged)

	dest, err := r.ResolveHeader(ctx, staged)
	if err != nil {
		return "", err
	}
	if dest == "" {
		// the embedded url is the destination itself
		return staged, nil
	}
	return dest, nil
}

// ResolveBrowser loads the source in a real browser and reports the url it settles on
func (r *Resolver) ResolveBrowser(ctx context.Context, src string, profile browser.Profile) (string, error) {
	if r.browser == nil {
		return "", errors.Wrap(browser.BrowserUnavailableErr, "no browser configured")
	}
	page, err := r.browser.Visit(ctx, src, browser.VisitOpts{
		Profile:     profile,
		Interaction: r.opts.Interaction,
	})
	if err != nil {
		return "", err
	}
	if SameUrl(page.FinalUrl, src) {
		return "", nil
	}
	return page.FinalUrl, nil
}

// SameUrl compares two urls ignoring an empty versus root path and the fragment
func SameUrl(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	for _, u := range []*url.URL{ua, ub} {
		if u.Path == "" {
			u.Path = "/"
		}
		u.Fragment = ""
		u.Host = strings.ToLower(u.Host)
		u.Scheme = strings.ToLower(u.Scheme)
	}
	return ua.String() == ub.String()
}

