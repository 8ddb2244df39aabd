package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	NewScamDestination Kind = "new-scam-destination"
	NewScamDetection   Kind = "new-scam-detection"
	CloakerEnrolled    Kind = "cloaker-enrolled"
	DetectionFlipped   Kind = "detection-flipped"
)

type Alert struct {
	Kind         Kind              `json:"kind"`
	Url          string            `json:"url"`
	RedirectPath []string          `json:"redirect_path,omitempty"`
	Confidence   float64           `json:"confidence,omitempty"`
	Signals      *models.Signals   `json:"signals,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	Time         time.Time         `json:"time"`
}

// Text renders the alert for humans
func (a Alert) Text() string {
	var b strings.Builder
	b.WriteString(string(a.Kind))
	b.WriteString(": ")
	b.WriteString(a.Url)
	if len(a.RedirectPath) > 0 {
		b.WriteString("\npath: ")
		b.WriteString(strings.Join(a.RedirectPath, " -> "))
	}
	for k, v := range a.Fields {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
	}
	return b.String()
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

type Config struct {
	Webhook string `yaml:"webhook"`
	Retries int    `yaml:"retries"`
}

// New returns a webhook alerter, or an alerter that only logs if no webhook is configured
func New(conf Config) Alerter {
	if conf.Webhook == "" {
		return &logAlerter{}
	}
	return NewWebhook(conf)
}

type logAlerter struct{}

func (l *logAlerter) Alert(_ context.Context, a Alert) error {
	log.Info().
		Str("kind", string(a.Kind)).
		Str("url", a.Url).
		Strs("path", a.RedirectPath).
		Msg("alert")
	return nil
}

type Webhook struct {
	url     string
	retries int
	client  *http.Client
}

func NewWebhook(conf Config) *Webhook {
	return &Webhook{
		url:     conf.Webhook,
		retries: conf.Retries,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type webhookMessage struct {
	Text  string `json:"text"`
	Alert Alert  `json:"alert"`
}

// Alert posts the alert as json, retrying failed deliveries
func (w *Webhook) Alert(ctx context.Context, a Alert) error {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	body, err := json.Marshal(webhookMessage{
		Text:  a.Text(),
		Alert: a,
	})
	if err != nil {
		return errors.Wrap(err, "marshal alert")
	}

	return app.RetryBackoff(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "create request")
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			return errors.Wrap(err, "post alert")
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 300 {
			return app.HttpErr{Service: "alert webhook", Code: resp.StatusCode}
		}
		return nil
	}, w.retries, 500*time.Millisecond)
}
