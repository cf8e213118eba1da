package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/busybox42/relayq/internal/delivery"
	"github.com/busybox42/relayq/internal/policy"
)

// NotifyFlags is the RFC 3461 NOTIFY parameter of a recipient.
type NotifyFlags uint8

const (
	NotifySuccess NotifyFlags = 1 << iota
	NotifyDelay
	NotifyFailure
	NotifyNever
)

// DefaultNotify applies when a recipient carries no NOTIFY parameter.
const DefaultNotify = NotifyFailure | NotifyDelay

// ParseNotify parses "SUCCESS,DELAY,FAILURE" or "NEVER". An optional
// "NOTIFY=" prefix is accepted. The empty string yields DefaultNotify.
func ParseNotify(s string) (NotifyFlags, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 7 && strings.EqualFold(s[:7], "NOTIFY=") {
		s = s[7:]
	}
	if s == "" {
		return DefaultNotify, nil
	}

	var f NotifyFlags
	for _, word := range strings.Split(s, ",") {
		switch strings.ToUpper(strings.TrimSpace(word)) {
		case "SUCCESS":
			f |= NotifySuccess
		case "DELAY":
			f |= NotifyDelay
		case "FAILURE":
			f |= NotifyFailure
		case "NEVER":
			f |= NotifyNever
		default:
			return 0, fmt.Errorf("unknown NOTIFY keyword %q", word)
		}
	}
	if f&NotifyNever != 0 && f != NotifyNever {
		return 0, fmt.Errorf("NOTIFY=NEVER cannot be combined with other keywords")
	}
	return f, nil
}

// Has reports whether f requests notification x. NEVER suppresses all.
func (f NotifyFlags) Has(x NotifyFlags) bool {
	return f&NotifyNever == 0 && f&x != 0
}

func (f NotifyFlags) String() string {
	if f&NotifyNever != 0 {
		return "NEVER"
	}
	var words []string
	if f&NotifySuccess != 0 {
		words = append(words, "SUCCESS")
	}
	if f&NotifyDelay != 0 {
		words = append(words, "DELAY")
	}
	if f&NotifyFailure != 0 {
		words = append(words, "FAILURE")
	}
	return strings.Join(words, ",")
}

func (f NotifyFlags) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *NotifyFlags) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*f = 0
		return nil
	}
	v, err := ParseNotify(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// RecipientStatus is the delivery state of one recipient.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientFailed    RecipientStatus = "failed"
)

// DomainStatus is the delivery state of one destination domain.
type DomainStatus string

const (
	DomainPending   DomainStatus = "pending"
	DomainRetrying  DomainStatus = "retrying"
	DomainDelayed   DomainStatus = "delayed" // retrying, and an interim report went out
	DomainDelivered DomainStatus = "delivered"
	DomainFailed    DomainStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s DomainStatus) Terminal() bool {
	return s == DomainDelivered || s == DomainFailed
}

// Recipient is one envelope recipient.
type Recipient struct {
	Address    string               `json:"address"`
	Notify     NotifyFlags          `json:"notify"`
	Status     RecipientStatus      `json:"status"`
	Diagnostic *delivery.Diagnostic `json:"diagnostic,omitempty"`
}

// Domain holds the delivery state of the recipients sharing one domain.
type Domain struct {
	Name        string          `json:"name"`
	Recipients  []Recipient     `json:"recipients"`
	Schedule    policy.Schedule `json:"schedule"`
	Status      DomainStatus    `json:"status"`
	Attempts    int             `json:"attempts"`
	LastAttempt time.Time       `json:"last_attempt"`
	NextDue     time.Time       `json:"next_due"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Notified    int             `json:"notified"`
	LastHost    string          `json:"last_host,omitempty"`

	// InFlight is set while an attempt holds the domain.
	InFlight bool `json:"-"`
}

// Message is a queued message and the state of each of its domains.
type Message struct {
	ID         string    `json:"id"`
	ReturnPath string    `json:"return_path"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	Seq        uint64    `json:"seq"`
	Domains    []Domain  `json:"domains"`

	// rev counts in-memory changes; snapshots older than it are not saved.
	rev uint64
}

// IsDSN reports whether m is a delivery status notification. Those never
// produce further notifications.
func (m *Message) IsDSN() bool { return m.ReturnPath == "" }

// Retired reports whether every domain of m is terminal.
func (m *Message) Retired() bool {
	for i := range m.Domains {
		if !m.Domains[i].Status.Terminal() {
			return false
		}
	}
	return true
}

// Recipients returns all recipient addresses of m in order.
func (m *Message) Recipients() []string {
	var out []string
	for _, d := range m.Domains {
		for _, r := range d.Recipients {
			out = append(out, r.Address)
		}
	}
	return out
}

func (m *Message) clone() *Message {
	c := *m
	c.Domains = make([]Domain, len(m.Domains))
	for i, d := range m.Domains {
		dc := d
		dc.Schedule.Retry = append([]time.Duration(nil), d.Schedule.Retry...)
		dc.Schedule.Notify = append([]time.Duration(nil), d.Schedule.Notify...)
		dc.Recipients = make([]Recipient, len(d.Recipients))
		for j, r := range d.Recipients {
			if r.Diagnostic != nil {
				diag := *r.Diagnostic
				r.Diagnostic = &diag
			}
			dc.Recipients[j] = r
		}
		c.Domains[i] = dc
	}
	return &c
}
