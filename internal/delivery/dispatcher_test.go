package delivery

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/busybox42/relayq/internal/smtptest"
	"github.com/busybox42/relayq/internal/wire"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	loopback   = net.ParseIP("127.0.0.1")
	deadRoute  = net.ParseIP("127.0.0.2")
	farFuture  = time.Now().Add(time.Hour)
	testConfig = func(port int) *Config {
		cfg := DefaultConfig()
		cfg.Hostname = "relay.test"
		cfg.Port = port
		cfg.ConnectTimeout = 2 * time.Second
		cfg.CommandTimeout = 5 * time.Second
		cfg.DataTimeout = 5 * time.Second
		return cfg
	}
)

func resolverFor(domain string, hosts map[string]net.IP, prefs ...int) *StaticResolver {
	r := NewStaticResolver(nil)
	var mx []MX
	i := 0
	for name, ip := range hosts {
		pref := 10
		if i < len(prefs) {
			pref = prefs[i]
		}
		mx = append(mx, MX{Host: name, Preference: pref})
		r.AddIP(name, []net.IP{ip}, farFuture)
		i++
	}
	r.AddMX(domain, mx, farFuture)
	return r
}

func outcomes(res Result) map[string]Outcome {
	out := make(map[string]Outcome)
	for _, r := range res.Recipients {
		out[r.Address] = r.Outcome
	}
	return out
}

func TestDeliverClassifiesRecipients(t *testing.T) {
	srv := smtptest.NewServer(t)
	d := NewDispatcher(testConfig(srv.Port), resolverFor("foobar.org", map[string]net.IP{"mx1.foobar.org": loopback}), nil)

	res := d.Deliver(context.Background(), Job{
		MessageID:  "m1",
		Domain:     "foobar.org",
		ReturnPath: "john@test.org",
		Recipients: []string{"ok@foobar.org", "delay@foobar.org", "fail@foobar.org"},
		Body:       []byte("Subject: hi\r\n\r\nhello\r\n"),
	})

	assert.False(t, res.LookupFailed)
	assert.Equal(t, "mx1.foobar.org", res.Host)
	assert.Equal(t, map[string]Outcome{
		"ok@foobar.org":    Delivered,
		"delay@foobar.org": TemporaryFailure,
		"fail@foobar.org":  PermanentFailure,
	}, outcomes(res))

	for _, r := range res.Recipients {
		switch r.Address {
		case "ok@foobar.org":
			assert.Equal(t, "delivered to 'mx1.foobar.org' with response '250 2.0.0 Message accepted'", r.Diagnostic.Describe())
		case "fail@foobar.org":
			assert.Equal(t, "host 'mx1.foobar.org' rejected command 'RCPT TO:<fail@foobar.org>' with '550 5.1.1 User unknown'", r.Diagnostic.Describe())
			assert.Equal(t, "5.1.1", r.Diagnostic.Status(r.Outcome))
			assert.Equal(t, "smtp; 550 5.1.1 User unknown", r.Diagnostic.DiagnosticCode())
		case "delay@foobar.org":
			assert.Equal(t, 451, r.Diagnostic.Code)
		}
	}

	txns := srv.Transactions()
	require.Len(t, txns, 1)
	assert.Equal(t, "john@test.org", txns[0].From)
	assert.Equal(t, []string{"ok@foobar.org"}, txns[0].Recipients)
	assert.Equal(t, "Subject: hi\r\n\r\nhello\r\n", string(txns[0].Body))
}

func TestDeliverNoRecipientAcceptedSkipsData(t *testing.T) {
	srv := smtptest.NewServer(t)
	d := NewDispatcher(testConfig(srv.Port), resolverFor("foobar.net", map[string]net.IP{"mx.foobar.net": loopback}), nil)

	res := d.Deliver(context.Background(), Job{
		Domain:     "foobar.net",
		ReturnPath: "john@test.org",
		Recipients: []string{"fail@foobar.net", "delay@foobar.net"},
		Body:       []byte("x"),
	})

	assert.Equal(t, map[string]Outcome{
		"fail@foobar.net":  PermanentFailure,
		"delay@foobar.net": TemporaryFailure,
	}, outcomes(res))
	assert.Empty(t, srv.Transactions())
}

func TestDeliverUnresolvableDomain(t *testing.T) {
	d := NewDispatcher(testConfig(25), NewStaticResolver(nil), nil)

	res := d.Deliver(context.Background(), Job{
		Domain:     "domain.org",
		ReturnPath: "john@test.org",
		Recipients: []string{"invalid@domain.org"},
	})

	assert.True(t, res.LookupFailed)
	assert.True(t, res.Permanent)
	require.Len(t, res.Recipients, 1)
	assert.Equal(t, PermanentFailure, res.Recipients[0].Outcome)
	assert.True(t, strings.HasPrefix(res.Recipients[0].Diagnostic.Describe(), "failed to lookup 'domain.org'"))
	assert.Equal(t, "5.1.2", res.Recipients[0].Diagnostic.Status(PermanentFailure))
}

type flakyResolver struct{ *StaticResolver }

func (flakyResolver) LookupMX(context.Context, string) (MXResult, error) {
	return MXResult{}, &ResolveError{Name: "foobar.org", Err: context.DeadlineExceeded}
}

func TestDeliverTemporaryLookupFailure(t *testing.T) {
	d := NewDispatcher(testConfig(25), flakyResolver{NewStaticResolver(nil)}, nil)

	res := d.Deliver(context.Background(), Job{Domain: "foobar.org", Recipients: []string{"a@foobar.org"}})

	assert.True(t, res.LookupFailed)
	assert.False(t, res.Permanent)
	assert.Equal(t, TemporaryFailure, res.Recipients[0].Outcome)
}

func TestDeliverFallsBackToNextExchanger(t *testing.T) {
	srv := smtptest.NewServer(t)
	r := NewStaticResolver(nil)
	r.AddMX("foobar.org", []MX{{Host: "mx2.foobar.org", Preference: 20}, {Host: "mx1.foobar.org", Preference: 10}}, farFuture)
	r.AddIP("mx1.foobar.org", []net.IP{deadRoute}, farFuture)
	r.AddIP("mx2.foobar.org", []net.IP{loopback}, farFuture)
	d := NewDispatcher(testConfig(srv.Port), r, nil)

	res := d.Deliver(context.Background(), Job{Domain: "foobar.org", Recipients: []string{"ok@foobar.org"}, Body: []byte("hi")})

	assert.Equal(t, "mx2.foobar.org", res.Host)
	assert.Equal(t, Delivered, res.Recipients[0].Outcome)
}

func TestDeliverAllExchangersDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := testConfig(port)
	cfg.BreakerFailures = 1
	d := NewDispatcher(cfg, resolverFor("foobar.org", map[string]net.IP{"mx1.foobar.org": loopback}), nil)

	res := d.Deliver(context.Background(), Job{Domain: "foobar.org", Recipients: []string{"a@foobar.org", "b@foobar.org"}})

	require.Len(t, res.Recipients, 2)
	for _, r := range res.Recipients {
		assert.Equal(t, TemporaryFailure, r.Outcome)
		assert.Equal(t, KindConnection, r.Diagnostic.Kind)
	}
	assert.Equal(t, gobreaker.StateOpen, d.breakers.state("mx1.foobar.org"))

	res = d.Deliver(context.Background(), Job{Domain: "foobar.org", Recipients: []string{"a@foobar.org"}})
	assert.Equal(t, "host marked down", res.Recipients[0].Diagnostic.Message)
}

func TestDeliverGreetingRejected(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithGreeting("554 5.7.1 No service"))
	d := NewDispatcher(testConfig(srv.Port), resolverFor("foobar.org", map[string]net.IP{"mx1.foobar.org": loopback}), nil)

	res := d.Deliver(context.Background(), Job{Domain: "foobar.org", Recipients: []string{"ok@foobar.org"}})

	assert.Equal(t, TemporaryFailure, res.Recipients[0].Outcome)
	assert.Contains(t, res.Recipients[0].Diagnostic.Message, "554")
}

func TestDeliverMailFromRejected(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithMailReply(func(string) string { return "550 5.7.1 Sender denied" }))
	d := NewDispatcher(testConfig(srv.Port), resolverFor("foobar.org", map[string]net.IP{"mx1.foobar.org": loopback}), nil)

	res := d.Deliver(context.Background(), Job{
		Domain:     "foobar.org",
		ReturnPath: "spam@test.org",
		Recipients: []string{"ok@foobar.org", "other@foobar.org"},
	})

	require.Len(t, res.Recipients, 2)
	for _, r := range res.Recipients {
		assert.Equal(t, PermanentFailure, r.Outcome)
		assert.Equal(t, "MAIL FROM:<spam@test.org>", r.Diagnostic.Command)
	}
}

func TestDeliverDataRejected(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithDataReply("452 4.3.1 Insufficient storage"))
	d := NewDispatcher(testConfig(srv.Port), resolverFor("foobar.org", map[string]net.IP{"mx1.foobar.org": loopback}), nil)

	res := d.Deliver(context.Background(), Job{
		Domain:     "foobar.org",
		Recipients: []string{"ok@foobar.org", "fail@foobar.org"},
		Body:       []byte("body"),
	})

	assert.Equal(t, map[string]Outcome{
		"ok@foobar.org":   TemporaryFailure,
		"fail@foobar.org": PermanentFailure,
	}, outcomes(res))
	for _, r := range res.Recipients {
		if r.Address == "ok@foobar.org" {
			assert.Equal(t, "DATA", r.Diagnostic.Command)
		}
	}
}

func TestDeliverNeutralizesSmuggling(t *testing.T) {
	for _, sep := range []string{"\n", "\r"} {
		srv := smtptest.NewServer(t)
		d := NewDispatcher(testConfig(srv.Port), resolverFor("foobar.com", map[string]net.IP{"mx.foobar.com": loopback}), nil)

		body := "From: john@test.org\r\nSubject: smuggle\r\n\r\nTest message" + sep + ".\r\n" +
			"MAIL FROM:<hacker@evil.example>\r\nRCPT TO:<ok@foobar.com>\r\nDATA\r\n" +
			"This is a smuggled message\r\n"
		res := d.Deliver(context.Background(), Job{
			Domain:     "foobar.com",
			ReturnPath: "john@test.org",
			Recipients: []string{"bill@foobar.com"},
			Body:       []byte(body),
		})

		require.Equal(t, Delivered, res.Recipients[0].Outcome, "separator %q", sep)
		txns := srv.Transactions()
		require.Len(t, txns, 1, "separator %q", sep)
		assert.Contains(t, string(txns[0].Raw), "\r\n..\r\nMAIL FROM:<")
		assert.Equal(t, -1, wire.FindTerminator(txns[0].Raw))
		assert.Contains(t, string(txns[0].Body), "This is a smuggled message")
	}
}

func TestDeliverHonoursContextDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	d := NewDispatcher(testConfig(ln.Addr().(*net.TCPAddr).Port), resolverFor("slow.org", map[string]net.IP{"mx.slow.org": loopback}), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := d.Deliver(ctx, Job{Domain: "slow.org", Recipients: []string{"a@slow.org"}})

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, TemporaryFailure, res.Recipients[0].Outcome)
}

func TestSplitEnhanced(t *testing.T) {
	code, text := splitEnhanced("5.1.1 User unknown")
	assert.Equal(t, "5.1.1", code)
	assert.Equal(t, "User unknown", text)

	code, text = splitEnhanced("User unknown")
	assert.Empty(t, code)
	assert.Equal(t, "User unknown", text)

	code, _ = splitEnhanced("1.2.3 nope")
	assert.Empty(t, code)
}
