package takedown

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNetcraftEndpoint = "https://mirror2.netcraft.com/check_url/v4"
	patternTimeout          = 100 * time.Millisecond
)

type InvalidPatternErr struct {
	Pattern string
	Err     error
}

func (err InvalidPatternErr) Error() string {
	return fmt.Sprintf("invalid pattern %q: %s", err.Pattern, err.Err)
}

type Pattern struct {
	Pattern         string `json:"pattern"` // base64 encoded
	Type            string `json:"type"`
	Subtype         string `json:"subtype"`
	MessageOverride string `json:"message_override"`
}

type netcraftResponse struct {
	Patterns []Pattern `json:"patterns"`
}

// Compile decodes the pattern and turns its leading inline flags into regex options
func (p Pattern) Compile() (*regexp2.Regexp, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Pattern)
	if err != nil {
		return nil, InvalidPatternErr{Pattern: p.Pattern, Err: err}
	}
	expr, opts := translateFlags(string(raw))
	re, err := regexp2.Compile(expr, opts)
	if err != nil {
		return nil, InvalidPatternErr{Pattern: expr, Err: err}
	}
	re.MatchTimeout = patternTimeout
	return re, nil
}

// strips (?i), (?m) and combined markers such as (?im) from the start of a pattern
func translateFlags(expr string) (string, regexp2.RegexOptions) {
	opts := regexp2.None
	for strings.HasPrefix(expr, "(?") {
		end := strings.Index(expr, ")")
		if end < 0 {
			break
		}
		flags := expr[2:end]
		if flags == "" || strings.Trim(flags, "im") != "" {
			break
		}
		if strings.Contains(flags, "i") {
			opts |= regexp2.IgnoreCase
		}
		if strings.Contains(flags, "m") {
			opts |= regexp2.Multiline
		}
		expr = expr[end+1:]
	}
	return expr, opts
}

type Netcraft struct {
	endpoint string
	http     *http.Client
	patterns *lru.Cache // origin -> []Pattern, for the duration of a sweep
}

func NewNetcraft(conf NetcraftConfig) *Netcraft {
	if conf.Endpoint == "" {
		conf.Endpoint = DefaultNetcraftEndpoint
	}
	patterns, _ := lru.New(1024)
	return &Netcraft{
		endpoint: strings.TrimSuffix(conf.Endpoint, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		patterns: patterns,
	}
}

func origin(rawUrl string) (string, error) {
	u, err := url.Parse(rawUrl)
	if err != nil {
		return "", errors.Wrap(err, "parse url")
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.Errorf("url has no origin: %s", rawUrl)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Lookup fetches the patterns the service holds for an origin
func (nc *Netcraft) Lookup(ctx context.Context, origin string) ([]Pattern, error) {
	if v, ok := nc.patterns.Get(origin); ok {
		return v.([]Pattern), nil
	}

	endpoint := nc.endpoint + "/" + base64.StdEncoding.EncodeToString([]byte(origin))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	resp, err := nc.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "netcraft lookup")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, app.HttpErr{Service: "netcraft", Code: resp.StatusCode}
	}

	var res netcraftResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	nc.patterns.Add(origin, res.Patterns)
	return res.Patterns, nil
}

// Check reports whether any pattern of the url's origin matches the full url
func (nc *Netcraft) Check(ctx context.Context, rawUrl string) (bool, error) {
	o, err := origin(rawUrl)
	if err != nil {
		return false, err
	}
	patterns, err := nc.Lookup(ctx, o)
	if err != nil {
		return false, err
	}
	for _, p := range patterns {
		re, err := p.Compile()
		if err != nil {
			log.Debug().Msgf("skipping netcraft pattern: %s", err)
			continue
		}
		ok, err := re.MatchString(rawUrl)
		if err != nil {
			log.Debug().Msgf("netcraft pattern %q on %s: %s", re.String(), rawUrl, err)
			continue
		}
		if ok {
			log.Debug().Msgf("netcraft %s/%s pattern matches %s", p.Type, p.Subtype, rawUrl)
			return true, nil
		}
	}
	return false, nil
}

// Reset drops cached patterns, called at the start of every sweep
func (nc *Netcraft) Reset() {
	nc.patterns.Purge()
}
