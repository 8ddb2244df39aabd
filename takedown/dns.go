package takedown

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

const resolvConf = "/etc/resolv.conf"

var (
	NoDNSServersErr = errors.New("no dns servers configured")
)

type RcodeErr struct {
	Host  string
	Rcode int
}

func (err RcodeErr) Error() string {
	return "dns lookup of " + err.Host + ": " + dns.RcodeToString[err.Rcode]
}

// DNSChecker tells apart hosts that no longer exist (NXDOMAIN) from lookups that merely failed
type DNSChecker struct {
	servers []string
	client  *dns.Client
}

func NewDNSChecker(conf DNSConfig) (*DNSChecker, error) {
	servers := conf.Servers
	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, errors.Wrap(err, "read resolver configuration")
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
	}
	if len(servers) == 0 {
		return nil, NoDNSServersErr
	}
	timeout := time.Duration(conf.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSChecker{
		servers: servers,
		client: &dns.Client{
			Timeout: timeout,
		},
	}, nil
}

// Resolvable returns false only on an authoritative NXDOMAIN answer. Any other failure is an error.
func (c *DNSChecker) Resolvable(ctx context.Context, host string) (bool, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false, errors.New("empty host")
	}
	if net.ParseIP(host) != nil {
		return true, nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range c.servers {
		r, _, err := c.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = errors.Wrapf(err, "query %s", server)
			continue
		}
		switch r.Rcode {
		case dns.RcodeSuccess:
			return true, nil
		case dns.RcodeNameError:
			return false, nil
		default:
			lastErr = RcodeErr{Host: host, Rcode: r.Rcode}
		}
	}
	return false, lastErr
}

// hostOf returns the host name of a url, without port
func hostOf(rawUrl string) (string, error) {
	u, err := url.Parse(rawUrl)
	if err != nil {
		return "", errors.Wrap(err, "parse url")
	}
	if u.Hostname() == "" {
		return "", errors.Errorf("url has no host: %s", rawUrl)
	}
	return u.Hostname(), nil
}

// ResolvableUrl checks the host of a url
func (c *DNSChecker) ResolvableUrl(ctx context.Context, rawUrl string) (bool, error) {
	host, err := hostOf(rawUrl)
	if err != nil {
		return false, err
	}
	return c.Resolvable(ctx, host)
}
