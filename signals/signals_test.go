package signals

import (
	"strings"
	"testing"

	"github.com/aau-network-security/cloakwatch/store/models"
)

func TestHasWeightedSignal(t *testing.T) {
	tests := []struct {
		name     string
		signals  models.Signals
		expected bool
	}{
		{"none", models.Signals{}, false},
		{"frozen only", models.Signals{PageLoadFrozen: true}, false},
		{"frozen and ip", models.Signals{PageLoadFrozen: true, IPAddress: true}, true},
		{"fullscreen", models.Signals{Fullscreen: true}, true},
		{"keyboard lock", models.Signals{KeyboardLock: true}, true},
		{"pointer lock", models.Signals{PointerLock: true}, true},
		{"third party hosting", models.Signals{ThirdPartyHosting: true}, true},
		{"worker bomb", models.Signals{WorkerBomb: true}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if actual := HasWeightedSignal(test.signals); actual != test.expected {
				t.Fatalf("expected %t, but got %t", test.expected, actual)
			}
		})
	}
}

func TestIsIPAddress(t *testing.T) {
	tests := []struct {
		host     string
		expected bool
	}{
		{"192.168.1.1", true},
		{"::1", true},
		{"[2001:db8::1]", true},
		{"example.com", false},
		{"999.999.999.999", false},
		{"", false},
	}

	for _, test := range tests {
		t.Run(test.host, func(t *testing.T) {
			if actual := IsIPAddress(test.host); actual != test.expected {
				t.Fatalf("expected %t for %q, but got %t", test.expected, test.host, actual)
			}
		})
	}
}

func TestIsThirdPartyHosting(t *testing.T) {
	tests := []struct {
		host     string
		expected bool
	}{
		{"SCAM.HEROKUAPP.COM", true},
		{"sub.scam.github.io", true},
		{"scam.netlify.app.", true},
		{"legitimate-business.com", false},
		{"notherokuapp.com", false},
		{"github.io.evil.com", false},
		{"10.0.0.1", false},
	}

	for _, test := range tests {
		t.Run(test.host, func(t *testing.T) {
			if actual := IsThirdPartyHosting(test.host); actual != test.expected {
				t.Fatalf("expected %t for %q, but got %t", test.expected, test.host, actual)
			}
		})
	}
}

func TestStatic(t *testing.T) {
	s, err := Static("http://127.0.0.1:8080/landing?id=1")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !s.IPAddress || s.ThirdPartyHosting {
		t.Fatalf("unexpected signals: %+v", s)
	}

	if _, err := Static("not a url"); err == nil {
		t.Fatalf("expected an error for a url without host, but got none")
	}
}

func TestInstrumentation(t *testing.T) {
	a, b := NewInstrumentation(), NewInstrumentation()
	if a.Carrier() == b.Carrier() {
		t.Fatalf("expected distinct carriers per session, but got %s twice", a.Carrier())
	}

	script := a.Script()
	for _, s := range []string{a.Carrier(), "requestFullscreen", "webkitRequestFullscreen", "requestPointerLock", "Worker"} {
		if !strings.Contains(script, s) {
			t.Fatalf("expected script to contain %q", s)
		}
	}
	if strings.Contains(script, "__CARRIER__") || strings.Contains(script, "__WORKER_LIMIT__") {
		t.Fatalf("expected all placeholders to be replaced")
	}
	if !strings.Contains(a.CollectExpression(), a.Carrier()) {
		t.Fatalf("expected collect expression to reference the carrier")
	}
}

func TestInstrumentation_Parse(t *testing.T) {
	in := NewInstrumentation()

	tests := []struct {
		name     string
		raw      string
		expected models.Signals
		err      bool
	}{
		{"missing", "null", models.Signals{}, true},
		{"empty", "", models.Signals{}, true},
		{"malformed", "{", models.Signals{}, true},
		{
			"fullscreen and frozen",
			`{"fullscreen":true,"keyboardLock":false,"pointerLock":false,"workers":1,"workerBomb":false,"frozen":true}`,
			models.Signals{Fullscreen: true, PageLoadFrozen: true},
			false,
		},
		{
			"worker count past threshold",
			`{"workers":7}`,
			models.Signals{WorkerBomb: true},
			false,
		},
		{
			"locks",
			`{"keyboardLock":true,"pointerLock":true}`,
			models.Signals{KeyboardLock: true, PointerLock: true},
			false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			actual, err := in.Parse(test.raw)
			if test.err {
				if err == nil {
					t.Fatalf("expected an error, but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if actual != test.expected {
				t.Fatalf("expected %+v, but got %+v", test.expected, actual)
			}
		})
	}
}
