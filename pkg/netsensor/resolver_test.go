package netsensor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startPTRServer serves PTR answers for records on a random local UDP port.
func startPTRServer(t *testing.T, records map[string]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("in-addr.arpa.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		name, ok := records[r.Question[0].Name]
		if !ok {
			m.Rcode = dns.RcodeNameError
		} else {
			m.Answer = append(m.Answer, &dns.PTR{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 60},
				Ptr: name,
			})
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSResolver_LookupAddr(t *testing.T) {
	addr := startPTRServer(t, map[string]string{
		"3.112.82.140.in-addr.arpa.": "lb-140-82-112-3-iad.github.com.",
	})

	r, err := NewDNSResolver(addr, time.Second)
	require.NoError(t, err)
	assert.Equal(t, addr, r.Server())

	name, err := r.LookupAddr(context.Background(), "140.82.112.3")
	require.NoError(t, err)
	assert.Equal(t, "lb-140-82-112-3-iad.github.com", name)

	_, err = r.LookupAddr(context.Background(), "192.0.2.1")
	assert.ErrorIs(t, err, ErrNoPTR)

	_, err = r.LookupAddr(context.Background(), "not-an-ip")
	assert.Error(t, err)
}

func TestNewDNSResolver_DefaultPort(t *testing.T) {
	r, err := NewDNSResolver("192.0.2.53", 0)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.53:53", r.Server())
}
