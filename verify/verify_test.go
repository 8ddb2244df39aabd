package verify

import (
	"context"
	"strings"
	"testing"

	"github.com/aau-network-security/cloakwatch/browser"
	"github.com/aau-network-security/cloakwatch/classify"
	"github.com/pkg/errors"
)

type fakeBrowser struct {
	final     string
	collected string
	opts      browser.VisitOpts
}

func (b *fakeBrowser) Visit(ctx context.Context, url string, opts browser.VisitOpts) (*browser.Page, error) {
	b.opts = opts
	return &browser.Page{
		StartUrl:     url,
		FinalUrl:     b.final,
		RedirectPath: []string{url, b.final},
		Screenshot:   []byte("png"),
		Collected:    b.collected,
	}, nil
}

type fakeClassifier struct {
	verdict classify.Verdict
	err     error
	images  [][]byte
}

func (c *fakeClassifier) Classify(ctx context.Context, img []byte) (classify.Verdict, error) {
	c.images = append(c.images, img)
	return c.verdict, c.err
}

func TestVerifier_Verify(t *testing.T) {
	tests := []struct {
		name       string
		final      string
		collected  string
		verdict    classify.Verdict
		threshold  float64
		expected   bool
		fullscreen bool
		hosting    bool
	}{
		{
			name:      "third party hosting corroborates",
			final:     "https://alert-7731.herokuapp.com/",
			collected: "null",
			verdict:   classify.Verdict{IsScam: true, Confidence: 0.99},
			threshold: 0.7,
			expected:  true,
			hosting:   true,
		},
		{
			name:       "instrumented fullscreen corroborates",
			final:      "https://support-desk.example/",
			collected:  `{"fullscreen":true,"workers":0}`,
			verdict:    classify.Verdict{IsScam: true, Confidence: 0.99},
			threshold:  0.98,
			expected:   true,
			fullscreen: true,
		},
		{
			name:      "freeze alone does not",
			final:     "https://support-desk.example/",
			collected: `{"frozen":true}`,
			verdict:   classify.Verdict{IsScam: true, Confidence: 0.99},
			threshold: 0.7,
		},
		{
			name:       "hunting threshold",
			final:      "https://support-desk.example/",
			collected:  `{"fullscreen":true}`,
			verdict:    classify.Verdict{IsScam: true, Confidence: 0.9},
			threshold:  0.98,
			fullscreen: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := &fakeBrowser{final: test.final, collected: test.collected}
			c := &fakeClassifier{verdict: test.verdict}
			v := New(b, c, classify.NewEngine(nil), DefaultOpts)

			res, err := v.Verify(context.Background(), "https://src.example/", test.threshold)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if res.IsScam() != test.expected {
				t.Fatalf("expected scam=%t, but got %t", test.expected, res.IsScam())
			}
			if res.Signals.Fullscreen != test.fullscreen {
				t.Fatalf("expected fullscreen=%t, but got %t", test.fullscreen, res.Signals.Fullscreen)
			}
			if res.Signals.ThirdPartyHosting != test.hosting {
				t.Fatalf("expected third party hosting=%t, but got %t", test.hosting, res.Signals.ThirdPartyHosting)
			}
			if res.FinalUrl != test.final || len(res.RedirectPath) != 2 {
				t.Fatalf("unexpected navigation result: %+v", res)
			}

			if len(b.opts.InitScripts) != 1 || !b.opts.Screenshot {
				t.Fatalf("expected instrumentation and screenshot to be requested, but got %+v", b.opts)
			}
			if !strings.Contains(b.opts.Collect, "JSON.stringify") {
				t.Fatalf("expected collect expression, but got %q", b.opts.Collect)
			}
			if len(c.images) != 1 || string(c.images[0]) != "png" {
				t.Fatalf("expected the screenshot to be classified, but got %v", c.images)
			}
		})
	}
}

func TestVerifier_ClassifierFailure(t *testing.T) {
	failure := errors.New("classifier down")
	v := New(&fakeBrowser{final: "https://x.example/"}, &fakeClassifier{err: failure}, classify.NewEngine(nil), DefaultOpts)
	_, err := v.Verify(context.Background(), "https://src.example/", 0.7)
	if errors.Cause(err) != failure {
		t.Fatalf("expected classifier error, but got %v", err)
	}
}
