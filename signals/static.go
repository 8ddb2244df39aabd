package signals

import (
	"net"
	"net/url"
	"strings"

	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/pkg/errors"
	"github.com/weppos/publicsuffix-go/publicsuffix"
)

// PaaS and CDN suffixes that either are missing from the private section of the public suffix list,
// or are listed there but are worth keeping explicit
var SupplementaryHostingSuffixes = []string{
	"herokuapp.com",
	"github.io",
	"gitlab.io",
	"netlify.app",
	"vercel.app",
	"pages.dev",
	"workers.dev",
	"r2.dev",
	"web.app",
	"firebaseapp.com",
	"appspot.com",
	"azurewebsites.net",
	"azureedge.net",
	"blob.core.windows.net",
	"web.core.windows.net",
	"cloudfront.net",
	"s3.amazonaws.com",
	"amplifyapp.com",
	"onrender.com",
	"fly.dev",
	"glitch.me",
	"repl.co",
	"surge.sh",
	"000webhostapp.com",
	"weebly.com",
	"wixsite.com",
	"blogspot.com",
	"ngrok.io",
	"ngrok-free.app",
	"trycloudflare.com",
}

// IsIPAddress reports whether the host is an IPv4 or IPv6 literal
func IsIPAddress(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return net.ParseIP(host) != nil
}

func hasDotSuffix(host, suffix string) bool {
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

// IsThirdPartyHosting reports whether the host lives under a suffix that anyone can register
// subdomains on: the private section of the public suffix list or one of the supplementary suffixes.
func IsThirdPartyHosting(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" || IsIPAddress(host) {
		return false
	}

	for _, suffix := range SupplementaryHostingSuffixes {
		if hasDotSuffix(host, suffix) {
			return true
		}
	}

	rule := publicsuffix.DefaultList.Find(host, publicsuffix.DefaultFindOptions)
	return rule != nil && rule.Private
}

// Static computes the signals that can be derived from the URL alone
func Static(rawUrl string) (models.Signals, error) {
	u, err := url.Parse(rawUrl)
	if err != nil {
		return models.Signals{}, errors.Wrap(err, "parse url")
	}
	host := u.Hostname()
	if host == "" {
		return models.Signals{}, errors.Errorf("url has no host: %s", rawUrl)
	}
	return models.Signals{
		IPAddress:         IsIPAddress(host),
		ThirdPartyHosting: IsThirdPartyHosting(host),
	}, nil
}

// HasWeightedSignal reports whether any signal strong enough to corroborate a scam verdict is set.
// The page freeze flag only ever corroborates and is therefore ignored.
func HasWeightedSignal(s models.Signals) bool {
	return s.Fullscreen ||
		s.KeyboardLock ||
		s.PointerLock ||
		s.ThirdPartyHosting ||
		s.IPAddress ||
		s.WorkerBomb
}
