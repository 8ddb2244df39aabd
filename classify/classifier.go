package classify

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

// Verdict is the raw output of the visual classifier
type Verdict struct {
	IsScam     bool    `json:"isScam"`
	Confidence float64 `json:"confidence"`
}

// Classifier scores a screenshot of a page
type Classifier interface {
	Classify(ctx context.Context, img []byte) (Verdict, error)
}

type Config struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  int    `yaml:"timeout"` // seconds
}

func (c *Config) IsValid() error {
	ce := app.NewConfigErr()
	if c.Endpoint == "" {
		ce.Add("classifier endpoint cannot be empty")
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

type httpClassifier struct {
	endpoint string
	client   *http.Client
}

// NewHttpClassifier returns a classifier posting the image as the request body and
// expecting a json verdict in return
func NewHttpClassifier(conf Config) Classifier {
	timeout := time.Duration(conf.Timeout) * time.Second
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &httpClassifier{
		endpoint: conf.Endpoint,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *httpClassifier) Classify(ctx context.Context, img []byte) (Verdict, error) {
	var v Verdict
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(img))
	if err != nil {
		return v, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := c.client.Do(req)
	if err != nil {
		return v, errors.Wrap(err, "classify")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return v, app.HttpErr{Service: "classifier", Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return v, errors.Wrap(err, "decode verdict")
	}
	return v, nil
}
