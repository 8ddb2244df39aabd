package report

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/pkg/errors"
)

const (
	DefaultNetcraftReportEndpoint = "https://report.netcraft.com/api/v3/report/urls"
	// per interval submission cap of the netcraft report api
	DefaultNetcraftCap = 1000
)

// Submitter hands a batch of urls to a downstream service
type Submitter interface {
	Submit(ctx context.Context, urls []string) error
}

type ncReportUrl struct {
	Url string `json:"url"`
}

type ncReport struct {
	Email  string        `json:"email"`
	Reason string        `json:"reason"`
	Urls   []ncReportUrl `json:"urls"`
}

type netcraftSubmitter struct {
	endpoint string
	email    string
	http     *http.Client
}

func NewNetcraftSubmitter(endpoint, email string) Submitter {
	if endpoint == "" {
		endpoint = DefaultNetcraftReportEndpoint
	}
	return &netcraftSubmitter{
		endpoint: endpoint,
		email:    email,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (ns *netcraftSubmitter) Submit(ctx context.Context, urls []string) error {
	r := ncReport{
		Email:  ns.email,
		Reason: "Technical support scam reached through a cloaked redirect",
	}
	for _, u := range urls {
		r.Urls = append(r.Urls, ncReportUrl{Url: u})
	}
	return postJSON(ctx, ns.http, ns.endpoint, "netcraft-report", r)
}

type webhookPayload struct {
	Urls []string  `json:"urls"`
	Time time.Time `json:"time"`
}

type webhookSubmitter struct {
	endpoint string
	http     *http.Client
}

func NewWebhookSubmitter(endpoint string) Submitter {
	return &webhookSubmitter{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (ws *webhookSubmitter) Submit(ctx context.Context, urls []string) error {
	return postJSON(ctx, ws.http, ws.endpoint, "webhook-report", webhookPayload{
		Urls: urls,
		Time: time.Now().UTC(),
	})
}

func postJSON(ctx context.Context, client *http.Client, endpoint, service string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal report")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "submit to %s", service)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return app.HttpErr{Service: service, Code: resp.StatusCode}
	}
	return nil
}

// NewSubmitter creates the submitter of a configured service
func NewSubmitter(conf ServiceConfig) (Submitter, error) {
	switch conf.Kind {
	case KindNetcraft:
		return NewNetcraftSubmitter(conf.Endpoint, conf.Email), nil
	case KindWebhook:
		return NewWebhookSubmitter(conf.Endpoint), nil
	}
	return nil, UnknownKindErr{Kind: conf.Kind}
}

type UnknownKindErr struct {
	Kind string
}

func (err UnknownKindErr) Error() string {
	return "unknown report service kind: " + err.Kind
}
