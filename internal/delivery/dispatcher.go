package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/relayq/internal/metrics"
	"github.com/busybox42/relayq/internal/wire"
	"github.com/sony/gobreaker"
)

// Dispatcher performs one delivery attempt per Job: it resolves the
// domain, walks its exchangers in preference order and runs a single SMTP
// transaction against the first host that answers.
type Dispatcher struct {
	config   *Config
	resolver Resolver
	breakers *hostBreakers
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(config *Config, resolver Resolver, m *metrics.Metrics) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	logger := slog.Default().With("component", "dispatcher")
	d := &Dispatcher{
		config:   config,
		resolver: resolver,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
	d.breakers = newHostBreakers(config, logger, func(host string, to gobreaker.State) {
		d.metrics.SetBreakerState(host, int(to))
	})
	return d
}

// Deliver runs the attempt described by job. It never returns an error:
// every failure is folded into per-recipient outcomes.
func (d *Dispatcher) Deliver(ctx context.Context, job Job) Result {
	start := time.Now()
	res := Result{MessageID: job.MessageID, Domain: job.Domain}
	defer func() {
		res.Duration = time.Since(start)
		d.metrics.ObserveAttempt(attemptLabel(res), res.Duration)
	}()

	mx, err := d.resolver.LookupMX(ctx, job.Domain)
	if err != nil {
		res.LookupFailed = true
		res.Permanent = IsPermanentLookup(err)
		outcome := TemporaryFailure
		if res.Permanent {
			outcome = PermanentFailure
		}
		diag := Diagnostic{Kind: KindLookup, Domain: job.Domain, Message: err.Error(), Time: d.now()}
		res.Recipients = allRecipients(job.Recipients, outcome, diag)
		d.logger.Warn("Domain lookup failed",
			"message_id", job.MessageID,
			"domain", job.Domain,
			"permanent", res.Permanent,
			"error", err,
		)
		return res
	}

	var last Diagnostic
	for _, host := range mx.Hosts {
		if d.breakers.state(host.Host) == gobreaker.StateOpen {
			last = Diagnostic{Kind: KindConnection, Host: host.Host, Domain: job.Domain, Message: "host marked down", Time: d.now()}
			continue
		}

		ips, err := d.resolver.LookupIP(ctx, host.Host)
		if err != nil {
			last = Diagnostic{Kind: KindConnection, Host: host.Host, Domain: job.Domain, Message: err.Error(), Time: d.now()}
			d.logger.Debug("Exchanger lookup failed", "host", host.Host, "error", err)
			continue
		}

		for _, ip := range ips.IPs {
			cb := d.breakers.get(host.Host)
			out, err := cb.Execute(func() (interface{}, error) {
				return d.session(ctx, job, host.Host, ip)
			})
			if err != nil {
				last = Diagnostic{Kind: KindConnection, Host: host.Host, Domain: job.Domain, Message: err.Error(), Time: d.now()}
				d.logger.Debug("Exchanger unavailable",
					"message_id", job.MessageID,
					"host", host.Host,
					"ip", ip.String(),
					"error", err,
				)
				if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
					break
				}
				continue
			}
			res.Host = host.Host
			res.Recipients = out.([]RecipientResult)
			return res
		}
	}

	if last.Kind == "" {
		last = Diagnostic{Kind: KindConnection, Domain: job.Domain, Message: "no reachable mail exchanger", Time: d.now()}
	}
	res.Recipients = allRecipients(job.Recipients, TemporaryFailure, last)
	return res
}

// session runs one SMTP transaction. An error means the host could not be
// used at all (connect, greeting or EHLO failed) and the next exchanger
// should be tried; protocol-level outcomes are returned as results.
func (d *Dispatcher) session(ctx context.Context, job Job, host string, ip net.IP) ([]RecipientResult, error) {
	dialer := net.Dialer{Timeout: d.config.ConnectTimeout}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(d.config.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline := func(timeout time.Duration) {
		if timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(timeout))
		}
	}
	deadline(d.config.CommandTimeout)

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return nil, fmt.Errorf("greeting from %s: %w", addr, err)
	}
	defer c.Close()

	if err := c.Hello(d.config.Hostname); err != nil {
		return nil, fmt.Errorf("EHLO to %s: %w", addr, err)
	}

	s := &transaction{host: host, domain: job.Domain, now: d.now, results: make(map[string]RecipientResult)}

	mailCmd := fmt.Sprintf("MAIL FROM:<%s>", job.ReturnPath)
	if err := c.Mail(job.ReturnPath); err != nil {
		s.failAll(job.Recipients, mailCmd, err)
		return s.ordered(job.Recipients), nil
	}

	var accepted []string
	for _, rcpt := range job.Recipients {
		deadline(d.config.CommandTimeout)
		cmd := fmt.Sprintf("RCPT TO:<%s>", rcpt)
		err := c.Rcpt(rcpt)
		if err == nil {
			accepted = append(accepted, rcpt)
			continue
		}
		var tpErr *textproto.Error
		if !errors.As(err, &tpErr) {
			s.failAll(job.Recipients, cmd, err)
			return s.ordered(job.Recipients), nil
		}
		s.reject(rcpt, cmd, tpErr)
	}

	if len(accepted) == 0 {
		_ = c.Quit()
		return s.ordered(job.Recipients), nil
	}

	deadline(d.config.DataTimeout)
	code, msg, err := d.data(c, job.Body)
	if err != nil {
		s.failAll(accepted, "DATA", err)
		return s.ordered(job.Recipients), nil
	}
	for _, rcpt := range accepted {
		s.deliver(rcpt, code, msg)
	}
	_ = c.Quit()

	d.logger.Debug("Transaction completed",
		"message_id", job.MessageID,
		"host", host,
		"accepted", len(accepted),
		"recipients", len(job.Recipients),
	)
	return s.ordered(job.Recipients), nil
}

// data sends DATA and streams body through the transmission encoder. The
// client's own DotWriter is bypassed so the body is stuffed exactly once.
func (d *Dispatcher) data(c *smtp.Client, body []byte) (int, string, error) {
	id, err := c.Text.Cmd("DATA")
	if err != nil {
		return 0, "", err
	}
	c.Text.StartResponse(id)
	_, _, err = c.Text.ReadResponse(354)
	c.Text.EndResponse(id)
	if err != nil {
		return 0, "", err
	}

	enc := wire.NewEncoder(c.Text.W)
	if _, err := enc.Write(body); err != nil {
		return 0, "", err
	}
	if err := enc.Close(); err != nil {
		return 0, "", err
	}
	if err := c.Text.W.Flush(); err != nil {
		return 0, "", err
	}
	return c.Text.ReadResponse(2)
}

// transaction collects per-recipient outcomes of one session.
type transaction struct {
	host    string
	domain  string
	now     func() time.Time
	results map[string]RecipientResult
}

func (t *transaction) reject(rcpt, cmd string, e *textproto.Error) {
	enhanced, text := splitEnhanced(flatten(e.Msg))
	t.results[rcpt] = RecipientResult{
		Address: rcpt,
		Outcome: classify(e.Code),
		Diagnostic: Diagnostic{
			Kind:     KindRejected,
			Host:     t.host,
			Domain:   t.domain,
			Command:  cmd,
			Code:     e.Code,
			Enhanced: enhanced,
			Message:  text,
			Time:     t.now(),
		},
	}
}

// failAll applies err to every listed recipient that has no outcome yet.
func (t *transaction) failAll(rcpts []string, cmd string, err error) {
	var tpErr *textproto.Error
	for _, rcpt := range rcpts {
		if _, ok := t.results[rcpt]; ok {
			continue
		}
		if errors.As(err, &tpErr) {
			t.reject(rcpt, cmd, tpErr)
			continue
		}
		t.results[rcpt] = RecipientResult{
			Address: rcpt,
			Outcome: TemporaryFailure,
			Diagnostic: Diagnostic{
				Kind:    KindConnection,
				Host:    t.host,
				Domain:  t.domain,
				Command: cmd,
				Message: err.Error(),
				Time:    t.now(),
			},
		}
	}
}

func (t *transaction) deliver(rcpt string, code int, msg string) {
	enhanced, text := splitEnhanced(flatten(msg))
	t.results[rcpt] = RecipientResult{
		Address: rcpt,
		Outcome: Delivered,
		Diagnostic: Diagnostic{
			Kind:     KindDelivered,
			Host:     t.host,
			Domain:   t.domain,
			Code:     code,
			Enhanced: enhanced,
			Message:  text,
			Time:     t.now(),
		},
	}
}

func (t *transaction) ordered(rcpts []string) []RecipientResult {
	out := make([]RecipientResult, 0, len(rcpts))
	for _, rcpt := range rcpts {
		if r, ok := t.results[rcpt]; ok {
			out = append(out, r)
		}
	}
	return out
}

func allRecipients(rcpts []string, outcome Outcome, diag Diagnostic) []RecipientResult {
	out := make([]RecipientResult, len(rcpts))
	for i, rcpt := range rcpts {
		out[i] = RecipientResult{Address: rcpt, Outcome: outcome, Diagnostic: diag}
	}
	return out
}

func flatten(msg string) string {
	return strings.Join(strings.Fields(msg), " ")
}

func attemptLabel(res Result) string {
	if res.LookupFailed {
		return "lookup_failure"
	}
	label := "delivered"
	for _, r := range res.Recipients {
		switch r.Outcome {
		case TemporaryFailure:
			return "temporary_failure"
		case PermanentFailure:
			label = "permanent_failure"
		}
	}
	return label
}
