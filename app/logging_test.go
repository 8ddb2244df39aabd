package app

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type recordingLogger struct {
	errs []error
	opts []LogOptions
}

func (l *recordingLogger) Log(err error, opts LogOptions) {
	l.errs = append(l.errs, err)
	l.opts = append(l.opts, opts)
}

func TestErrLogChain(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	chain := NewErrLogChain(a)
	chain.Add(b)

	chain.Log(errors.New("boom"), LogOptions{Msg: "sweep failed"})

	for _, l := range []*recordingLogger{a, b} {
		if len(l.errs) != 1 {
			t.Fatalf("expected every logger to receive the error, but got %d", len(l.errs))
		}
		if l.opts[0].Msg != "sweep failed" {
			t.Fatalf("expected message to be passed on, but got %q", l.opts[0].Msg)
		}
	}
}

func TestLogOptions_WithTag(t *testing.T) {
	orig := LogOptions{Tags: map[string]string{"loop": "takedown"}}
	tagged := orig.WithTag("service", "netcraft")
	if len(orig.Tags) != 1 {
		t.Fatalf("expected original tags to be untouched, but got %v", orig.Tags)
	}
	if tagged.Tags["loop"] != "takedown" || tagged.Tags["service"] != "netcraft" {
		t.Fatalf("unexpected tags: %v", tagged.Tags)
	}
}

func TestNewErrLogger_SentryDisabled(t *testing.T) {
	l, err := NewErrLogger(Meta{Host: "test"}, Sentry{}, zerolog.Disabled)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	chain, ok := l.(*errLogChain)
	if !ok {
		t.Fatalf("expected a log chain, but got %T", l)
	}
	if len(chain.loggers) != 1 {
		t.Fatalf("expected only the zerolog logger, but got %d loggers", len(chain.loggers))
	}
}

func TestSentry_IsValid(t *testing.T) {
	tests := []struct {
		name  string
		conf  Sentry
		valid bool
	}{
		{"disabled", Sentry{}, true},
		{"enabled with dsn", Sentry{Enabled: true, Dsn: "https://key@sentry.example/1"}, true},
		{"enabled without dsn", Sentry{Enabled: true}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.conf.IsValid()
			if (err == nil) != test.valid {
				t.Fatalf("expected valid=%t, but got %v", test.valid, err)
			}
		})
	}
}
