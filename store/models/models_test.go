package models

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-pg/pg/types"
)

func TestTakedownStatus_SetFlaggedAt(t *testing.T) {
	var ts TakedownStatus
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	for _, svc := range Services {
		if !ts.SetFlaggedAt(svc, first) {
			t.Fatalf("expected %s flag to be set", svc)
		}
		if ts.SetFlaggedAt(svc, second) {
			t.Fatalf("expected %s flag to be written only once", svc)
		}
		if got := ts.FlaggedAt(svc); got == nil || !got.Equal(first) {
			t.Fatalf("expected %s flag at %s, but got %v", svc, first, got)
		}
	}
	if ts.SetFlaggedAt(Service("unknown"), first) {
		t.Fatalf("expected unknown service to be ignored")
	}
}

func TestSignals_Merge(t *testing.T) {
	a := Signals{Fullscreen: true}
	b := Signals{IPAddress: true, PageLoadFrozen: true}
	m := a.Merge(b)
	if !m.Fullscreen || !m.IPAddress || !m.PageLoadFrozen || m.KeyboardLock {
		t.Fatalf("unexpected merge result: %+v", m)
	}
}

func TestSignals_ValueScan(t *testing.T) {
	orig := Signals{KeyboardLock: true, WorkerBomb: true}
	v, err := orig.Value()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var res Signals
	if err := res.Scan(v); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if res != orig {
		t.Fatalf("expected %+v, but got %+v", orig, res)
	}
	if err := res.Scan(nil); err != nil || res != (Signals{}) {
		t.Fatalf("expected nil to scan into empty signals, but got %+v (%v)", res, err)
	}
	if err := res.Scan(42); err == nil {
		t.Fatalf("expected error when scanning an int")
	}
}

func TestSignals_AppendsAsJson(t *testing.T) {
	tests := []struct {
		name     string
		signals  Signals
		expected string
	}{
		{
			name:     "empty",
			signals:  Signals{},
			expected: `'{"fullscreen":false,`,
		},
		{
			name:     "fullscreen",
			signals:  Signals{Fullscreen: true},
			expected: `'{"fullscreen":true,`,
		},
	}

	appender := types.Appender(reflect.TypeOf(Signals{}))
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			// quoted, as used when building insert and update queries
			res := string(appender(nil, reflect.ValueOf(test.signals), 1))
			if !strings.HasPrefix(res, test.expected) {
				t.Fatalf("expected literal to start with %s, but got %s", test.expected, res)
			}
			if strings.Contains(res, `\x`) {
				t.Fatalf("expected json literal, but got bytea %s", res)
			}
		})
	}
}
