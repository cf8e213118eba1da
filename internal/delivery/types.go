package delivery

import (
	"fmt"
	"strings"
	"time"
)

// Config holds dispatcher settings
type Config struct {
	Hostname       string        `json:"hostname"`
	Port           int           `json:"port"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	CommandTimeout time.Duration `json:"command_timeout"`
	DataTimeout    time.Duration `json:"data_timeout"`

	// Per-host circuit breaker
	BreakerFailures uint32        `json:"breaker_failures"`
	BreakerCooldown time.Duration `json:"breaker_cooldown"`

	// DNS
	DNSTimeout   time.Duration `json:"dns_timeout"`
	DNSRetries   int           `json:"dns_retries"`
	DNSCacheTTL  time.Duration `json:"dns_cache_ttl"`
	DNSCacheSize int           `json:"dns_cache_size"`
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() *Config {
	return &Config{
		Hostname:        "localhost",
		Port:            25,
		ConnectTimeout:  30 * time.Second,
		CommandTimeout:  5 * time.Minute,
		DataTimeout:     10 * time.Minute,
		BreakerFailures: 5,
		BreakerCooldown: 5 * time.Minute,
		DNSTimeout:      10 * time.Second,
		DNSRetries:      3,
		DNSCacheTTL:     time.Hour,
		DNSCacheSize:    10000,
	}
}

// Job is one delivery attempt for the recipients of a single domain.
type Job struct {
	MessageID  string
	Domain     string
	ReturnPath string
	Recipients []string
	Body       []byte
}

// Outcome classifies the result for a single recipient.
type Outcome int

const (
	Delivered Outcome = iota
	TemporaryFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TemporaryFailure:
		return "temporary_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RecipientResult is the outcome for one recipient of a Job.
type RecipientResult struct {
	Address    string
	Outcome    Outcome
	Diagnostic Diagnostic
}

// Result is what the dispatcher reports back for a Job.
type Result struct {
	MessageID  string
	Domain     string
	Host       string
	Recipients []RecipientResult
	Duration   time.Duration

	// LookupFailed is set when the domain could not be resolved. Permanent
	// lookup failures do not consume a retry.
	LookupFailed bool
	Permanent    bool
}

// DiagnosticKind names what produced a Diagnostic.
type DiagnosticKind string

const (
	KindDelivered  DiagnosticKind = "delivered"
	KindRejected   DiagnosticKind = "rejected"
	KindConnection DiagnosticKind = "connection"
	KindLookup     DiagnosticKind = "lookup"
	KindExpired    DiagnosticKind = "expired"
	KindExhausted  DiagnosticKind = "exhausted"
)

// Diagnostic describes the last thing that happened to a recipient.
type Diagnostic struct {
	Kind     DiagnosticKind `json:"kind"`
	Host     string         `json:"host,omitempty"`
	Domain   string         `json:"domain,omitempty"`
	Command  string         `json:"command,omitempty"`
	Code     int            `json:"code,omitempty"`
	Enhanced string         `json:"enhanced,omitempty"`
	Message  string         `json:"message,omitempty"`
	Time     time.Time      `json:"time"`
}

// Response renders the remote reply as "250 2.0.0 OK".
func (d Diagnostic) Response() string {
	parts := make([]string, 0, 3)
	if d.Code > 0 {
		parts = append(parts, fmt.Sprint(d.Code))
	}
	if d.Enhanced != "" {
		parts = append(parts, d.Enhanced)
	}
	if d.Message != "" {
		parts = append(parts, d.Message)
	}
	return strings.Join(parts, " ")
}

// Describe renders the parenthesised explanation that follows a recipient
// address in human-readable reports.
func (d Diagnostic) Describe() string {
	switch d.Kind {
	case KindDelivered:
		return fmt.Sprintf("delivered to '%s' with response '%s'", d.Host, d.Response())
	case KindRejected:
		return fmt.Sprintf("host '%s' rejected command '%s' with '%s'", d.Host, d.Command, d.Response())
	case KindConnection:
		if d.Host == "" {
			return fmt.Sprintf("connection to '%s' failed: %s", d.Domain, d.Message)
		}
		return fmt.Sprintf("host '%s' connection failed: %s", d.Host, d.Message)
	case KindLookup:
		return fmt.Sprintf("failed to lookup '%s': %s", d.Domain, d.Message)
	case KindExpired:
		return fmt.Sprintf("message expired for '%s': %s", d.Domain, d.Message)
	case KindExhausted:
		return fmt.Sprintf("retries exhausted for '%s': %s", d.Domain, d.Message)
	}
	return d.Message
}

// Status returns the RFC 3463 status code for the diagnostic. The class
// always agrees with outcome: a carried enhanced code of another class is
// rewritten, and an expired recipient reports 5.4.7.
func (d Diagnostic) Status(outcome Outcome) string {
	class := byte('5')
	switch outcome {
	case Delivered:
		class = '2'
	case TemporaryFailure:
		class = '4'
	}

	if d.Kind == KindExpired && outcome == PermanentFailure {
		return "5.4.7"
	}
	if d.Enhanced != "" {
		return WithClass(d.Enhanced, class)
	}
	switch outcome {
	case Delivered:
		return "2.0.0"
	case TemporaryFailure:
		return "4.0.0"
	}
	switch d.Kind {
	case KindLookup:
		return "5.1.2"
	case KindConnection:
		return "5.4.1"
	}
	return "5.0.0"
}

// WithClass replaces the class digit of an enhanced status code.
func WithClass(enhanced string, class byte) string {
	if enhanced == "" || enhanced[0] == class {
		return enhanced
	}
	return string(class) + enhanced[1:]
}

// DiagnosticCode returns the "smtp; 550 ..." value used in delivery-status
// fields, or an empty string when no remote reply was received.
func (d Diagnostic) DiagnosticCode() string {
	if d.Code == 0 {
		return ""
	}
	return "smtp; " + d.Response()
}

// classify maps an SMTP reply code to an outcome. Codes outside 2xx-5xx are
// treated as temporary failures.
func classify(code int) Outcome {
	switch code / 100 {
	case 2:
		return Delivered
	case 5:
		return PermanentFailure
	default:
		return TemporaryFailure
	}
}

// splitEnhanced separates an RFC 3463 enhanced status code from the start
// of a reply text.
func splitEnhanced(msg string) (string, string) {
	first, rest, _ := strings.Cut(msg, " ")
	parts := strings.Split(first, ".")
	if len(parts) != 3 || (parts[0] != "2" && parts[0] != "4" && parts[0] != "5") {
		return "", msg
	}
	for _, p := range parts[1:] {
		if p == "" || len(p) > 3 || strings.Trim(p, "0123456789") != "" {
			return "", msg
		}
	}
	return first, rest
}
