package queue

import (
	"time"

	"github.com/busybox42/relayq/internal/delivery"
	"github.com/busybox42/relayq/internal/policy"
)

// attemptSummary lists the recipients whose state an attempt changed.
type attemptSummary struct {
	Delivered []string
	Failed    []string
	Deferred  []string
	Expired   bool
	Exhausted bool
	Reason    string
}

func newDomain(name string, rcpts []Recipient, sched policy.Schedule, now time.Time) Domain {
	return Domain{
		Name:       name,
		Recipients: rcpts,
		Schedule:   sched,
		Status:     DomainPending,
		NextDue:    now,
		ExpiresAt:  now.Add(sched.Expire),
	}
}

// eventTime returns when the domain next needs the scheduler: its next
// attempt, its next notify threshold or its expiry, whichever is first.
func (d *Domain) eventTime(created time.Time) (time.Time, bool) {
	if d.Status.Terminal() || d.InFlight {
		return time.Time{}, false
	}
	t := d.NextDue
	if n, ok := d.notifyAt(created); ok && n.Before(t) {
		t = n
	}
	if d.ExpiresAt.Before(t) {
		t = d.ExpiresAt
	}
	return t, true
}

// notifyAt returns the time of the next unreported notify threshold. Only
// domains that have failed temporarily at least once have one.
func (d *Domain) notifyAt(created time.Time) (time.Time, bool) {
	if d.Status != DomainRetrying && d.Status != DomainDelayed {
		return time.Time{}, false
	}
	if d.Notified >= len(d.Schedule.Notify) {
		return time.Time{}, false
	}
	return created.Add(d.Schedule.Notify[d.Notified]), true
}

// attemptDue reports whether a delivery attempt should start at now.
func (d *Domain) attemptDue(now time.Time) bool {
	return !d.Status.Terminal() && !d.InFlight && !now.Before(d.NextDue) && now.Before(d.ExpiresAt)
}

// expired reports whether the domain has outlived its schedule.
func (d *Domain) expired(now time.Time) bool {
	return !d.Status.Terminal() && !now.Before(d.ExpiresAt)
}

// apply folds the result of one attempt into the domain.
func (d *Domain) apply(res delivery.Result, now time.Time) attemptSummary {
	var sum attemptSummary
	d.LastAttempt = now
	if res.Host != "" {
		d.LastHost = res.Host
	}

	byAddr := make(map[string]delivery.RecipientResult, len(res.Recipients))
	for _, rr := range res.Recipients {
		byAddr[rr.Address] = rr
	}

	temporary := false
	for i := range d.Recipients {
		r := &d.Recipients[i]
		if r.Status != RecipientPending {
			continue
		}
		rr, ok := byAddr[r.Address]
		if !ok {
			rr = delivery.RecipientResult{
				Address: r.Address,
				Outcome: delivery.TemporaryFailure,
				Diagnostic: delivery.Diagnostic{
					Kind:    delivery.KindConnection,
					Domain:  d.Name,
					Message: "no result for recipient",
					Time:    now,
				},
			}
		}
		diag := rr.Diagnostic
		r.Diagnostic = &diag

		switch rr.Outcome {
		case delivery.Delivered:
			r.Status = RecipientDelivered
			sum.Delivered = append(sum.Delivered, r.Address)
		case delivery.PermanentFailure:
			r.Status = RecipientFailed
			sum.Failed = append(sum.Failed, r.Address)
			sum.Reason = diag.Describe()
		default:
			temporary = true
			sum.Reason = diag.Describe()
		}
	}

	// A domain that does not exist is final and costs no attempt.
	if !(res.LookupFailed && res.Permanent) {
		d.Attempts++
	}

	if temporary {
		switch {
		case d.Schedule.Exhausted(d.Attempts):
			sum.Exhausted = true
			sum.Failed = append(sum.Failed, d.failPending(delivery.KindExhausted, now)...)
		case !now.Before(d.ExpiresAt):
			sum.Expired = true
			sum.Failed = append(sum.Failed, d.failPending(delivery.KindExpired, now)...)
		default:
			next := now.Add(d.Schedule.RetryDelay(d.Attempts))
			if next.After(d.ExpiresAt) {
				next = d.ExpiresAt
			}
			d.NextDue = next
			sum.Deferred = d.pending()
		}
	}

	d.settle()
	return sum
}

// expire fails every pending recipient because the domain ran out of time.
func (d *Domain) expire(now time.Time) []string {
	failed := d.failPending(delivery.KindExpired, now)
	d.settle()
	return failed
}

// failPending fails every pending recipient with a diagnostic of the given
// kind that carries the last error seen for it.
func (d *Domain) failPending(kind delivery.DiagnosticKind, now time.Time) []string {
	var failed []string
	for i := range d.Recipients {
		r := &d.Recipients[i]
		if r.Status != RecipientPending {
			continue
		}
		diag := delivery.Diagnostic{Kind: kind, Domain: d.Name, Time: now, Message: "no delivery attempt was made"}
		if r.Diagnostic != nil {
			diag.Host = r.Diagnostic.Host
			diag.Message = r.Diagnostic.Describe()
			diag.Enhanced = delivery.WithClass(r.Diagnostic.Enhanced, '5')
		}
		r.Diagnostic = &diag
		r.Status = RecipientFailed
		failed = append(failed, r.Address)
	}
	return failed
}

// crossThresholds advances past every notify threshold reached at now and
// returns how many were crossed.
func (d *Domain) crossThresholds(created, now time.Time) int {
	crossed := 0
	for {
		at, ok := d.notifyAt(created)
		if !ok || now.Before(at) {
			break
		}
		d.Notified++
		crossed++
	}
	if crossed > 0 {
		d.settle()
	}
	return crossed
}

func (d *Domain) pending() []string {
	var out []string
	for _, r := range d.Recipients {
		if r.Status == RecipientPending {
			out = append(out, r.Address)
		}
	}
	return out
}

// settle derives the domain status from its recipients.
func (d *Domain) settle() {
	var pending, delivered int
	for _, r := range d.Recipients {
		switch r.Status {
		case RecipientPending:
			pending++
		case RecipientDelivered:
			delivered++
		}
	}
	switch {
	case pending > 0 && d.Notified > 0:
		d.Status = DomainDelayed
	case pending > 0 && d.Attempts > 0:
		d.Status = DomainRetrying
	case pending > 0:
		d.Status = DomainPending
	case delivered == len(d.Recipients):
		d.Status = DomainDelivered
	default:
		d.Status = DomainFailed
	}
}
