package takedown

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
)

// startDNS serves NXDOMAIN for gone.example, SERVFAIL for broken.example and an A record otherwise
func startDNS(t *testing.T) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			name := r.Question[0].Name
			switch name {
			case "gone.example.":
				m.Rcode = dns.RcodeNameError
			case "broken.example.":
				m.Rcode = dns.RcodeServerFailure
			default:
				rr, _ := dns.NewRR(name + " 60 IN A 127.0.0.1")
				m.Answer = append(m.Answer, rr)
			}
			w.WriteMsg(m)
		}),
	}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() {
		srv.Shutdown()
	})
	return pc.LocalAddr().String()
}

func TestDNSChecker_Resolvable(t *testing.T) {
	addr := startDNS(t)
	c, err := NewDNSChecker(DNSConfig{Servers: []string{addr}, Timeout: 2})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	tests := []struct {
		host       string
		resolvable bool
		err        bool
	}{
		{host: "alive.example", resolvable: true},
		{host: "GONE.example.", resolvable: false},
		{host: "broken.example", err: true},
		{host: "10.0.0.1", resolvable: true},
		{host: "", err: true},
	}

	for _, tc := range tests {
		t.Run(tc.host, func(t *testing.T) {
			ok, err := c.Resolvable(context.Background(), tc.host)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if ok != tc.resolvable {
				t.Fatalf("expected resolvable %t, but got %t", tc.resolvable, ok)
			}
		})
	}
}

func TestDNSChecker_ResolvableUrl(t *testing.T) {
	addr := startDNS(t)
	c, err := NewDNSChecker(DNSConfig{Servers: []string{addr}})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	ok, err := c.ResolvableUrl(context.Background(), "https://gone.example:8443/login")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if ok {
		t.Fatalf("expected gone.example to be unresolvable")
	}

	if _, err := c.ResolvableUrl(context.Background(), "/relative"); err == nil {
		t.Fatalf("expected error for a url without host")
	}
}
