package browser

import (
	"reflect"
	"testing"
	"time"
)

func TestPathRecorder(t *testing.T) {
	tests := []struct {
		name     string
		urls     []string
		expected []string
	}{
		{
			"empty",
			nil,
			[]string{},
		},
		{
			"consecutive duplicates collapse",
			[]string{"https://a.example/", "https://a.example/", "https://b.example/"},
			[]string{"https://a.example/", "https://b.example/"},
		},
		{
			"blank pages are ignored",
			[]string{"about:blank", "https://a.example/", ""},
			[]string{"https://a.example/"},
		},
		{
			"revisits are kept",
			[]string{"https://a.example/", "https://b.example/", "https://a.example/"},
			[]string{"https://a.example/", "https://b.example/", "https://a.example/"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := &pathRecorder{}
			for _, u := range test.urls {
				rec.add(u)
			}
			if actual := rec.path(); !reflect.DeepEqual(actual, test.expected) {
				t.Fatalf("expected %v, but got %v", test.expected, actual)
			}
		})
	}
}

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(Config{}, Opts{SettleTime: time.Second})
	if p.opts.SettleTime != time.Second {
		t.Fatalf("expected explicit settle time to be kept, but got %s", p.opts.SettleTime)
	}
	if p.opts.NavigationTimeout != DefaultOpts.NavigationTimeout {
		t.Fatalf("expected default navigation timeout %s, but got %s", DefaultOpts.NavigationTimeout, p.opts.NavigationTimeout)
	}
	if p.opts.MaxTabs != DefaultOpts.MaxTabs {
		t.Fatalf("expected default tab limit %d, but got %d", DefaultOpts.MaxTabs, p.opts.MaxTabs)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error while closing unused pool: %s", err)
	}
}
