package hunt

import (
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	FormatList = "list"
	FormatZone = "zone"

	feedRetries = 2
)

type CandidateFunc func(string) error

type StreamWrapper func(io.Reader) (io.Reader, error)

type StreamHandler func(io.Reader, CandidateFunc) error

// ListHandler reads one candidate per line, skipping blank lines and # comments
func ListHandler(str io.Reader, f CandidateFunc) error {
	scanner := bufio.NewScanner(str)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := f(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ZoneFileHandler reads the delegated domains of a zone file
func ZoneFileHandler(str io.Reader, f CandidateFunc) error {
	seen := make(map[string]struct{})
	zp := dns.NewZoneParser(str, "", "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		ns, isNS := rr.(*dns.NS)
		if !isNS {
			continue
		}
		domain := strings.TrimSuffix(strings.ToLower(ns.Header().Name), ".")

		// the apex itself (e.g. `com`)
		if !strings.Contains(domain, ".") {
			continue
		}
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}
		if err := f(domain); err != nil {
			return err
		}
	}
	return zp.Err()
}

func GzipWrapper(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

type ListConfig struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"` // file path or http(s) url, .gz is decompressed
	Format   string `yaml:"format"`   // list or zone
}

// StaticFeed yields the candidates of a list kept in a file or behind a url
type StaticFeed struct {
	conf     ListConfig
	client   *http.Client
	wrappers []StreamWrapper
	handler  StreamHandler
}

func NewStaticFeed(conf ListConfig, client *http.Client) (*StaticFeed, error) {
	if conf.Location == "" {
		return nil, errors.New("static feed requires a location")
	}
	if client == nil {
		client = http.DefaultClient
	}
	sf := &StaticFeed{
		conf:   conf,
		client: client,
	}
	switch conf.Format {
	case FormatList, "":
		sf.handler = ListHandler
	case FormatZone:
		sf.handler = ZoneFileHandler
	default:
		return nil, errors.Errorf("unknown feed format: %s", conf.Format)
	}
	if strings.HasSuffix(conf.Location, ".gz") {
		sf.wrappers = append(sf.wrappers, GzipWrapper)
	}
	return sf, nil
}

func (sf *StaticFeed) Name() string {
	if sf.conf.Name != "" {
		return sf.conf.Name
	}
	return "list"
}

func (sf *StaticFeed) stream(ctx context.Context) (io.ReadCloser, error) {
	if !strings.HasPrefix(sf.conf.Location, "http://") && !strings.HasPrefix(sf.conf.Location, "https://") {
		return os.Open(sf.conf.Location)
	}
	var body io.ReadCloser
	err := app.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sf.conf.Location, nil)
		if err != nil {
			return err
		}
		resp, err := sf.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return app.HttpErr{Service: "feed", Code: resp.StatusCode}
		}
		body = resp.Body
		return nil
	}, feedRetries)
	return body, err
}

// Candidates returns the urls of the list, bare domains are visited over http
func (sf *StaticFeed) Candidates(ctx context.Context) ([]string, error) {
	rc, err := sf.stream(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "open feed %s", sf.Name())
	}
	defer rc.Close()
	log.Debug().Msgf("obtained stream for feed '%s'", sf.Name())

	var str io.Reader = rc
	for _, w := range sf.wrappers {
		str, err = w(str)
		if err != nil {
			return nil, errors.Wrapf(err, "read feed %s", sf.Name())
		}
	}

	var candidates []string
	err = sf.handler(str, func(c string) error {
		candidates = append(candidates, candidateUrl(c))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read feed %s", sf.Name())
	}
	return candidates, nil
}

func candidateUrl(c string) string {
	if strings.Contains(c, "://") {
		return c
	}
	return "http://" + c
}
