package takedown

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/pkg/errors"
)

const (
	DefaultSafeBrowsingEndpoint = "https://safebrowsing.googleapis.com/v4/threatMatches:find"
	// maximum number of threat entries the service accepts per request
	SafeBrowsingMaxChunk = 500
)

var threatTypes = []string{
	"MALWARE",
	"SOCIAL_ENGINEERING",
	"UNWANTED_SOFTWARE",
	"POTENTIALLY_HARMFUL_APPLICATION",
}

type sbClient struct {
	ClientID      string `json:"clientId"`
	ClientVersion string `json:"clientVersion"`
}

type sbEntry struct {
	Url string `json:"url"`
}

type sbThreatInfo struct {
	ThreatTypes      []string  `json:"threatTypes"`
	PlatformTypes    []string  `json:"platformTypes"`
	ThreatEntryTypes []string  `json:"threatEntryTypes"`
	ThreatEntries    []sbEntry `json:"threatEntries"`
}

type sbRequest struct {
	Client     sbClient     `json:"client"`
	ThreatInfo sbThreatInfo `json:"threatInfo"`
}

type sbMatch struct {
	ThreatType string  `json:"threatType"`
	Threat     sbEntry `json:"threat"`
}

type sbResponse struct {
	Matches []sbMatch `json:"matches"`
}

type SafeBrowsing struct {
	endpoint string
	apiKey   string
	client   sbClient
	chunk    int
	http     *http.Client
}

func NewSafeBrowsing(conf SafeBrowsingConfig, chunk int) *SafeBrowsing {
	if conf.Endpoint == "" {
		conf.Endpoint = DefaultSafeBrowsingEndpoint
	}
	if conf.ClientID == "" {
		conf.ClientID = "cloakwatch"
	}
	if conf.ClientVersion == "" {
		conf.ClientVersion = "1.0"
	}
	if chunk <= 0 || chunk > SafeBrowsingMaxChunk {
		chunk = SafeBrowsingMaxChunk
	}
	return &SafeBrowsing{
		endpoint: conf.Endpoint,
		apiKey:   conf.ApiKey,
		client: sbClient{
			ClientID:      conf.ClientID,
			ClientVersion: conf.ClientVersion,
		},
		chunk: chunk,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Lookup returns the subset of urls the service knows as threats. A url missing from
// the result is not flagged. A failed chunk does not prevent the others from being looked up.
func (sb *SafeBrowsing) Lookup(ctx context.Context, urls []string) (map[string]bool, error) {
	flagged := make(map[string]bool)
	var firstErr error
	for start := 0; start < len(urls); start += sb.chunk {
		end := start + sb.chunk
		if end > len(urls) {
			end = len(urls)
		}
		matches, err := sb.lookupChunk(ctx, urls[start:end])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, m := range matches {
			flagged[m.Threat.Url] = true
		}
	}
	return flagged, firstErr
}

func (sb *SafeBrowsing) lookupChunk(ctx context.Context, urls []string) ([]sbMatch, error) {
	req := sbRequest{
		Client: sb.client,
		ThreatInfo: sbThreatInfo{
			ThreatTypes:      threatTypes,
			PlatformTypes:    []string{"ANY_PLATFORM"},
			ThreatEntryTypes: []string{"URL"},
		},
	}
	for _, u := range urls {
		req.ThreatInfo.ThreatEntries = append(req.ThreatInfo.ThreatEntries, sbEntry{Url: u})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}

	endpoint := sb.endpoint + "?key=" + url.QueryEscape(sb.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := sb.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "safebrowsing lookup")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, app.HttpErr{Service: "safebrowsing", Code: resp.StatusCode}
	}

	var res sbResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	return res.Matches, nil
}
