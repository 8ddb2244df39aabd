package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/pkg/errors"
)

type recordingSubmitter struct {
	m       sync.Mutex
	batches [][]string
	err     error
}

func (r *recordingSubmitter) Submit(ctx context.Context, urls []string) error {
	r.m.Lock()
	defer r.m.Unlock()
	r.batches = append(r.batches, append([]string(nil), urls...))
	return r.err
}

func (r *recordingSubmitter) Batches() [][]string {
	r.m.Lock()
	defer r.m.Unlock()
	return append([][]string(nil), r.batches...)
}

func TestQueue_AddIsSet(t *testing.T) {
	sub := &recordingSubmitter{}
	q := NewQueue(time.Hour, []Service{{Name: "webhook", Submitter: sub}})

	q.Add("https://scam.example")
	q.Add("https://scam.example")
	if err := q.AddTo("webhook", "https://scam.example"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if n := q.Len("webhook"); n != 1 {
		t.Fatalf("expected 1 pending url, but got %d", n)
	}

	if err := q.AddTo("unknown", "https://scam.example"); err == nil {
		t.Fatalf("expected error for an unknown service")
	}
}

func TestQueue_FlushIndependent(t *testing.T) {
	ok := &recordingSubmitter{}
	failing := &recordingSubmitter{err: errors.New("503")}
	q := NewQueue(time.Hour, []Service{
		{Name: "failing", Submitter: failing},
		{Name: "ok", Submitter: ok},
	})

	q.Add("https://a.example")
	q.Add("https://b.example")
	if err := q.AddTo("ok", "https://c.example"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if b := ok.Batches(); len(b) != 1 || len(b[0]) != 3 {
		t.Fatalf("expected one batch of 3 urls, but got %v", b)
	}
	if b := failing.Batches(); len(b) != 1 || len(b[0]) != 2 {
		t.Fatalf("expected one batch of 2 urls, but got %v", b)
	}
	// failed submissions are not retried
	if q.Len("failing") != 0 || q.Len("ok") != 0 {
		t.Fatalf("expected both queues to be empty after a flush")
	}

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(failing.Batches()) != 1 {
		t.Fatalf("expected no resubmission of failed urls")
	}
}

func TestQueue_CappedDrain(t *testing.T) {
	sub := &recordingSubmitter{}
	interval := 50 * time.Millisecond
	q := NewQueue(interval, []Service{{Name: "netcraft", Submitter: sub, Cap: 2}})
	for _, u := range []string{"https://a.example", "https://b.example", "https://c.example", "https://d.example", "https://e.example"} {
		q.Add(u)
	}

	start := time.Now()
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if b := sub.Batches(); len(b) != 1 || len(b[0]) != 2 {
		t.Fatalf("expected a single capped chunk after flush, but got %v", b)
	}

	// a flush during the pause does not start a second drain
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if b := sub.Batches(); len(b) != 1 {
		t.Fatalf("expected the paused drain to be left alone, but got %v", b)
	}

	deadline := time.After(2 * time.Second)
	for len(sub.Batches()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected the drain to finish, but got %v", sub.Batches())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if elapsed := time.Since(start); elapsed < 2*interval {
		t.Fatalf("expected a full interval pause between chunks, but drained in %s", elapsed)
	}

	var all []string
	for _, b := range sub.Batches() {
		if len(b) > 2 {
			t.Fatalf("expected chunks of at most 2, but got %v", b)
		}
		all = append(all, b...)
	}
	sort.Strings(all)
	if len(all) != 5 {
		t.Fatalf("expected all 5 urls to be submitted once, but got %v", all)
	}
}

func TestQueue_Shutdown(t *testing.T) {
	sub := &recordingSubmitter{}
	capped := &recordingSubmitter{}
	q := NewQueue(time.Hour, []Service{
		{Name: "webhook", Submitter: sub},
		{Name: "netcraft", Submitter: capped, Cap: 1},
	})
	q.Add("https://a.example")
	q.Add("https://b.example")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if b := sub.Batches(); len(b) != 1 || len(b[0]) != 2 {
		t.Fatalf("expected the final flush to submit everything, but got %v", b)
	}
	if b := capped.Batches(); len(b) != 1 || len(b[0]) != 1 {
		t.Fatalf("expected the final flush to honor the cap, but got %v", b)
	}

	q.Add("https://late.example")
	if q.Len("webhook") != 0 {
		t.Fatalf("expected urls added after shutdown to be dropped")
	}
	if err := q.Flush(context.Background()); err != ClosedErr {
		t.Fatalf("expected ClosedErr, but got %v", err)
	}
}

func TestQueue_ShutdownInterruptsPause(t *testing.T) {
	sub := &recordingSubmitter{}
	q := NewQueue(time.Hour, []Service{{Name: "netcraft", Submitter: sub, Cap: 1}})
	q.Add("https://a.example")
	q.Add("https://b.example")
	q.Add("https://c.example")

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("expected shutdown to interrupt the pause, but got %s", err)
	}
	if b := sub.Batches(); len(b) != 2 {
		t.Fatalf("expected the paused chunk and the final chunk, but got %v", b)
	}
}

func TestQueue_Flagged(t *testing.T) {
	q := NewQueue(time.Hour, []Service{
		{Name: string(models.Netcraft), Submitter: &recordingSubmitter{}},
		{Name: "webhook", Submitter: &recordingSubmitter{}},
	})
	q.Add("https://scam.example")
	q.Flagged("https://scam.example", models.Netcraft)

	if q.Len(string(models.Netcraft)) != 0 {
		t.Fatalf("expected url flagged by netcraft to leave the netcraft queue")
	}
	if q.Len("webhook") != 1 {
		t.Fatalf("expected the other queues to keep the url")
	}
}

func TestQueue_Rate(t *testing.T) {
	sub := &recordingSubmitter{}
	q := NewQueue(time.Hour, []Service{{Name: "webhook", Submitter: sub, Rate: 1000}})
	q.Add("https://a.example")
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(sub.Batches()) != 1 {
		t.Fatalf("expected rate limited service to submit")
	}
}

func TestNetcraftSubmitter(t *testing.T) {
	var got ncReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"uuid":"abc"}`))
	}))
	defer srv.Close()

	sub := NewNetcraftSubmitter(srv.URL, "abuse@example.org")
	if err := sub.Submit(context.Background(), []string{"https://a.example", "https://b.example"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got.Email != "abuse@example.org" || len(got.Urls) != 2 || got.Urls[1].Url != "https://b.example" {
		t.Fatalf("unexpected report: %+v", got)
	}
}

func TestWebhookSubmitter_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewWebhookSubmitter(srv.URL).Submit(context.Background(), []string{"https://a.example"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestConfig_IsValid(t *testing.T) {
	tests := []struct {
		name  string
		conf  Config
		valid bool
	}{
		{name: "valid", conf: Config{Interval: 60, Services: []ServiceConfig{{Name: "nc", Kind: KindNetcraft, Email: "a@b.c"}}}, valid: true},
		{name: "no interval", conf: Config{}},
		{name: "unknown kind", conf: Config{Interval: 1, Services: []ServiceConfig{{Name: "x", Kind: "fax"}}}},
		{name: "duplicate", conf: Config{Interval: 1, Services: []ServiceConfig{
			{Name: "x", Kind: KindWebhook, Endpoint: "http://a"},
			{Name: "x", Kind: KindWebhook, Endpoint: "http://b"},
		}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.conf.IsValid()
			if tc.valid && err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if !tc.valid && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
