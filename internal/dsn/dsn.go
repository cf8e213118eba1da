// Package dsn builds RFC 3464 delivery status notifications.
package dsn

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/google/uuid"
)

// Action is the per-recipient action field of a report.
type Action string

const (
	ActionDelivered Action = "delivered"
	ActionDelayed   Action = "delayed"
	ActionFailed    Action = "failed"
)

// Recipient is one per-recipient entry of a report.
type Recipient struct {
	Address        string
	Action         Action
	Status         string
	RemoteMTA      string
	DiagnosticCode string
	// Description is the human-readable explanation, e.g.
	// "delivered to 'mx1.example.org' with response '250 OK'".
	Description    string
	LastAttempt    time.Time
	WillRetryUntil time.Time
}

// Report describes one notification about a queued message.
type Report struct {
	QueueID         string
	To              string
	ArrivalDate     time.Time
	Recipients      []Recipient
	OriginalHeaders []byte
}

// ErrEmptyReport is returned when a report has no recipients.
var ErrEmptyReport = errors.New("report has no recipients")

// Subject returns the subject line matching the mix of actions in r.
func (r Report) Subject() string {
	var delivered, delayed, failed int
	for _, rc := range r.Recipients {
		switch rc.Action {
		case ActionDelivered:
			delivered++
		case ActionDelayed:
			delayed++
		case ActionFailed:
			failed++
		}
	}
	switch {
	case failed > 0 && delivered > 0:
		return "Partially delivered message"
	case failed > 0:
		return "Failed to deliver message"
	case delayed > 0:
		return "Warning: Delay in message delivery"
	default:
		return "Successfully delivered message"
	}
}

// Generator renders reports as complete RFC 5322 messages.
type Generator struct {
	hostname   string
	postmaster string
	now        func() time.Time
}

// NewGenerator returns a generator that signs reports as hostname.
func NewGenerator(hostname string) *Generator {
	return &Generator{
		hostname:   hostname,
		postmaster: "MAILER-DAEMON@" + hostname,
		now:        time.Now,
	}
}

// WithClock replaces the time source used for the Date header.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Postmaster returns the From address of generated reports.
func (g *Generator) Postmaster() string { return g.postmaster }

// Generate renders r as a multipart/report message.
func (g *Generator) Generate(r Report) ([]byte, error) {
	if len(r.Recipients) == 0 {
		return nil, ErrEmptyReport
	}

	var h message.Header
	h.Set("MIME-Version", "1.0")
	h.Set("From", fmt.Sprintf("Mail Delivery Subsystem <%s>", g.postmaster))
	h.Set("To", "<"+r.To+">")
	h.Set("Subject", r.Subject())
	h.Set("Date", g.now().Format(time.RFC1123Z))
	h.Set("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), g.hostname))
	h.Set("Auto-Submitted", "auto-replied")
	h.SetContentType("multipart/report", map[string]string{"report-type": "delivery-status"})

	var buf bytes.Buffer
	mw, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create report writer: %w", err)
	}

	if err := writePart(mw, "text/plain", map[string]string{"charset": "utf-8"}, g.humanText(r)); err != nil {
		return nil, err
	}
	if err := writePart(mw, "message/delivery-status", nil, g.statusFields(r)); err != nil {
		return nil, err
	}
	if len(r.OriginalHeaders) > 0 {
		if err := writePart(mw, "text/rfc822-headers", nil, r.OriginalHeaders); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish report: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(mw *message.Writer, contentType string, params map[string]string, body []byte) error {
	var ph message.Header
	ph.SetContentType(contentType, params)
	pw, err := mw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := pw.Write(body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func (g *Generator) humanText(r Report) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "This is the mail delivery system at %s.\r\n", g.hostname)

	sections := []struct {
		action Action
		intro  string
	}{
		{ActionDelivered, "Your message has been successfully delivered to the following recipients:"},
		{ActionDelayed, "There was a temporary problem delivering your message to the following recipients:"},
		{ActionFailed, "Your message could not be delivered to the following recipients:"},
	}
	for _, s := range sections {
		var lines []string
		var retryUntil time.Time
		for _, rc := range r.Recipients {
			if rc.Action != s.action {
				continue
			}
			lines = append(lines, fmt.Sprintf("<%s> (%s)", rc.Address, rc.Description))
			if rc.WillRetryUntil.After(retryUntil) {
				retryUntil = rc.WillRetryUntil
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\r\n%s\r\n\r\n", s.intro)
		for _, l := range lines {
			b.WriteString(l + "\r\n")
		}
		if !retryUntil.IsZero() {
			fmt.Fprintf(&b, "\r\nDelivery will be retried until %s.\r\n", retryUntil.Format(time.RFC1123Z))
		}
	}
	return []byte(b.String())
}

func (g *Generator) statusFields(r Report) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Reporting-MTA: dns; %s\r\n", g.hostname)
	if !r.ArrivalDate.IsZero() {
		fmt.Fprintf(&b, "Arrival-Date: %s\r\n", r.ArrivalDate.Format(time.RFC1123Z))
	}
	for _, rc := range r.Recipients {
		b.WriteString("\r\n")
		fmt.Fprintf(&b, "Final-Recipient: rfc822; %s\r\n", rc.Address)
		fmt.Fprintf(&b, "Action: %s\r\n", rc.Action)
		fmt.Fprintf(&b, "Status: %s\r\n", rc.Status)
		if rc.RemoteMTA != "" {
			fmt.Fprintf(&b, "Remote-MTA: dns; %s\r\n", rc.RemoteMTA)
		}
		if rc.DiagnosticCode != "" {
			fmt.Fprintf(&b, "Diagnostic-Code: %s\r\n", rc.DiagnosticCode)
		}
		if !rc.LastAttempt.IsZero() {
			fmt.Fprintf(&b, "Last-Attempt-Date: %s\r\n", rc.LastAttempt.Format(time.RFC1123Z))
		}
		if rc.Action == ActionDelayed && !rc.WillRetryUntil.IsZero() {
			fmt.Fprintf(&b, "Will-Retry-Until: %s\r\n", rc.WillRetryUntil.Format(time.RFC1123Z))
		}
	}
	return []byte(b.String())
}

// HeaderSection returns the header block of a message body, without the
// blank line that ends it.
func HeaderSection(body []byte) []byte {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(body, sep); i >= 0 {
			return body[:i+len(sep)/2]
		}
	}
	return nil
}
