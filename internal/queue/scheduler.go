// Package queue holds queued messages, decides when each destination
// domain is due and applies the outcome of delivery attempts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/idna"

	"github.com/busybox42/relayq/internal/delivery"
	"github.com/busybox42/relayq/internal/dsn"
	"github.com/busybox42/relayq/internal/logging"
	"github.com/busybox42/relayq/internal/metrics"
	"github.com/busybox42/relayq/internal/policy"
)

var (
	// ErrPaused is returned by Deliver while dispatch is paused.
	ErrPaused = errors.New("queue is paused")
	// ErrStopped is returned by Deliver once the scheduler loop has exited.
	ErrStopped = errors.New("queue is stopped")
	// ErrInvalidRecipient is returned for recipients that are not addresses.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrNoRecipients is returned when enqueueing a message without recipients.
	ErrNoRecipients = errors.New("no recipients")
)

// Dispatcher performs a single delivery attempt.
type Dispatcher interface {
	Deliver(ctx context.Context, job delivery.Job) delivery.Result
}

// Config configures a Scheduler.
type Config struct {
	Workers     WorkerPoolConfig
	EventBuffer int
	// IdleWait bounds how long Run sleeps when nothing is due.
	IdleWait time.Duration
	// BusyBackoff delays a domain whose attempt could not be submitted.
	BusyBackoff time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Workers:     DefaultWorkerPoolConfig(),
		EventBuffer: 1024,
		IdleWait:    time.Minute,
		BusyBackoff: time.Second,
	}
}

// RecipientSpec is one recipient of an EnqueueRequest. A zero Notify
// means the RFC 3461 default.
type RecipientSpec struct {
	Address string
	Notify  NotifyFlags
}

// EnqueueRequest describes a message to queue. An empty ReturnPath marks
// the message as a delivery status notification.
type EnqueueRequest struct {
	ReturnPath string
	Recipients []RecipientSpec
	Body       []byte
}

// Option configures optional Scheduler collaborators.
type Option func(*Scheduler)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger replaces the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns every queued message. Each domain of a message is checked
// out exclusively while an attempt for it runs; the mutex is held only
// while state is read or updated, never across an attempt.
type Scheduler struct {
	config     Config
	store      Store
	rules      *policy.RuleSet
	dispatcher Dispatcher
	reports    *dsn.Generator
	pool       *WorkerPool
	logger     *slog.Logger
	lifecycle  *logging.MessageLogger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu          sync.Mutex
	messages    map[string]*Message
	seq         uint64
	paused      bool
	pauseReason string
	stopped     bool

	// persistMu orders store writes of message state.
	persistMu sync.Mutex

	inflight sync.WaitGroup
	events   chan Event
	kick     chan struct{}
}

// NewScheduler creates a scheduler and starts its worker pool.
func NewScheduler(config Config, store Store, rules *policy.RuleSet, dispatcher Dispatcher, reports *dsn.Generator, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if config.EventBuffer <= 0 {
		config.EventBuffer = def.EventBuffer
	}
	if config.IdleWait <= 0 {
		config.IdleWait = def.IdleWait
	}
	if config.BusyBackoff <= 0 {
		config.BusyBackoff = def.BusyBackoff
	}

	s := &Scheduler{
		config:     config,
		store:      store,
		rules:      rules,
		dispatcher: dispatcher,
		reports:    reports,
		logger:     slog.Default(),
		now:        time.Now,
		messages:   make(map[string]*Message),
		events:     make(chan Event, config.EventBuffer),
		kick:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	base := s.logger
	s.logger = base.With("component", "scheduler")
	s.lifecycle = logging.NewMessageLogger(base)
	s.pool = NewWorkerPool(config.Workers, base)
	s.pool.Start()
	return s
}

// Close stops the worker pool after running attempts finish.
func (s *Scheduler) Close() error {
	return s.pool.Stop()
}

// Events returns the control signal stream. Signals are dropped when the
// consumer falls behind.
func (s *Scheduler) Events() <-chan Event { return s.events }

func (s *Scheduler) signal(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Pause stops new attempts from starting. Running attempts finish.
func (s *Scheduler) Pause(reason string) {
	s.mu.Lock()
	s.paused = true
	s.pauseReason = reason
	s.mu.Unlock()

	s.logger.Warn("Queue paused", "reason", reason)
	s.signal(Event{Kind: EventPaused, Reason: reason})
}

// Resume lifts a pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.pauseReason = ""
	s.mu.Unlock()

	s.logger.Info("Queue resumed")
	s.signal(Event{Kind: EventRefresh})
	s.wake()
}

// Paused reports whether dispatch is paused and why.
func (s *Scheduler) Paused() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, s.pauseReason
}

// Restore loads persisted messages, e.g. after a restart. Messages whose
// domains are all terminal are retired.
func (s *Scheduler) Restore(ctx context.Context) error {
	msgs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}

	type retired struct {
		msg   *Message
		final *dsn.Report
	}
	var done []retired

	s.mu.Lock()
	for _, m := range msgs {
		for i := range m.Domains {
			m.Domains[i].InFlight = false
		}
		if m.Seq > s.seq {
			s.seq = m.Seq
		}
		s.messages[m.ID] = m
		if final, ok := s.retireLocked(m); ok {
			done = append(done, retired{msg: m, final: final})
		}
	}
	queued := len(s.messages)
	s.mu.Unlock()

	for _, r := range done {
		s.finish(ctx, r.msg, r.final)
	}
	s.metrics.SetQueued(queued)
	s.logger.Info("Queue restored", "messages", len(msgs), "retired", len(done))
	s.signal(Event{Kind: EventRefresh})
	s.wake()
	return nil
}

// Enqueue queues a message and returns its id. Recipients are grouped by
// domain in first-seen order; duplicates are dropped.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if len(req.Recipients) == 0 {
		return "", ErrNoRecipients
	}
	now := s.now()

	type group struct {
		name  string
		rcpts []Recipient
	}
	var groups []*group
	byName := make(map[string]*group)
	seen := make(map[string]bool)

	for _, spec := range req.Recipients {
		local, domain, err := splitAddress(spec.Address)
		if err != nil {
			return "", err
		}
		key := strings.ToLower(local) + "@" + domain
		if seen[key] {
			continue
		}
		seen[key] = true

		notify := spec.Notify
		if notify == 0 {
			notify = DefaultNotify
		}
		g, ok := byName[domain]
		if !ok {
			g = &group{name: domain}
			byName[domain] = g
			groups = append(groups, g)
		}
		g.rcpts = append(g.rcpts, Recipient{
			Address: local + "@" + domain,
			Notify:  notify,
			Status:  RecipientPending,
		})
	}

	msg := &Message{
		ID:         uuid.NewString(),
		ReturnPath: req.ReturnPath,
		Size:       int64(len(req.Body)),
		CreatedAt:  now,
	}
	attrs := policy.Attributes{Sender: strings.ToLower(req.ReturnPath)}
	if _, d, err := splitAddress(req.ReturnPath); err == nil {
		attrs.SenderDomain = d
	}
	for _, g := range groups {
		attrs.RcptDomain = g.name
		sched, err := s.rules.Resolve(attrs)
		if err != nil {
			s.metrics.EnqueueError()
			s.logger.Error("No delivery policy for domain",
				"domain", g.name,
				"from", req.ReturnPath,
				"error", err,
			)
			return "", fmt.Errorf("domain %s: %w", g.name, err)
		}
		msg.Domains = append(msg.Domains, newDomain(g.name, g.rcpts, sched, now))
	}

	if err := s.store.SaveBody(ctx, msg.ID, req.Body); err != nil {
		s.metrics.EnqueueError()
		return "", fmt.Errorf("failed to store message body: %w", err)
	}

	s.mu.Lock()
	s.seq++
	msg.Seq = s.seq
	s.mu.Unlock()

	if err := s.store.Save(ctx, msg); err != nil {
		s.metrics.EnqueueError()
		s.store.DeleteBody(ctx, msg.ID)
		return "", fmt.Errorf("failed to store message: %w", err)
	}

	s.mu.Lock()
	s.messages[msg.ID] = msg
	queued := len(s.messages)
	s.mu.Unlock()

	s.metrics.SetQueued(queued)
	s.lifecycle.LogQueued(logging.MessageContext{
		QueueID:   msg.ID,
		From:      msg.ReturnPath,
		To:        msg.Recipients(),
		Size:      msg.Size,
		CreatedAt: msg.CreatedAt,
		EventTime: now,
		IsDSN:     msg.IsDSN(),
	})
	s.signal(Event{Kind: EventRefresh, MessageID: msg.ID})
	s.wake()
	return msg.ID, nil
}

// splitAddress returns the local part and the lower-cased ASCII domain of
// an address, with optional angle brackets removed.
func splitAddress(addr string) (string, string, error) {
	addr = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(addr), "<"), ">")
	i := strings.LastIndexByte(addr, '@')
	if i <= 0 || i == len(addr)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRecipient, addr)
	}
	local, domain := addr[:i], addr[i+1:]
	if strings.ContainsAny(local, " \t\r\n<>") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRecipient, addr)
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(domain))
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, addr, err)
	}
	return local, ascii, nil
}

// DueEvents returns the events due at or before now in dispatch order.
func (s *Scheduler) DueEvents(now time.Time) []QueueEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evs []QueueEvent
	for _, m := range s.messages {
		for i := range m.Domains {
			t, ok := m.Domains[i].eventTime(m.CreatedAt)
			if ok && !t.After(now) {
				evs = append(evs, QueueEvent{MessageID: m.ID, Domain: i, Due: t, Seq: m.Seq})
			}
		}
	}
	sortEvents(evs)
	return evs
}

// NextDue returns the earliest pending event time.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for _, m := range s.messages {
		for i := range m.Domains {
			t, ok := m.Domains[i].eventTime(m.CreatedAt)
			if ok && (!found || t.Before(next)) {
				next, found = t, true
			}
		}
	}
	return next, found
}

// Deliver handles one due event: it expires the domain, emits crossed
// notify thresholds and starts an attempt when one is due. It reports
// whether an attempt was started.
func (s *Scheduler) Deliver(ctx context.Context, ev QueueEvent) (bool, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false, ErrStopped
	}
	if s.paused {
		s.mu.Unlock()
		return false, ErrPaused
	}
	msg, ok := s.messages[ev.MessageID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrMessageNotFound, ev.MessageID)
	}
	if ev.Domain < 0 || ev.Domain >= len(msg.Domains) {
		s.mu.Unlock()
		return false, fmt.Errorf("message %s has no domain %d", ev.MessageID, ev.Domain)
	}

	now := s.now()
	d := &msg.Domains[ev.Domain]
	if d.Status.Terminal() || d.InFlight {
		s.mu.Unlock()
		return false, nil
	}

	var expired []string
	if d.expired(now) {
		expired = d.expire(now)
	}
	delayed := s.delayedReportsLocked(msg, now)

	var job delivery.Job
	dispatch := d.attemptDue(now)
	if dispatch {
		d.InFlight = true
		s.inflight.Add(1)
		job = delivery.Job{
			MessageID:  msg.ID,
			Domain:     d.Name,
			ReturnPath: msg.ReturnPath,
			Recipients: d.pending(),
		}
	}
	expiredCtx := s.messageContext(msg, d, now)
	final, retired := s.retireLocked(msg)
	var snap *Message
	if !retired {
		snap = s.snapshotLocked(msg)
	}
	s.mu.Unlock()

	if snap != nil {
		s.persist(ctx, snap)
	}

	if len(expired) > 0 {
		expiredCtx.To = expired
		s.lifecycle.LogExpired(expiredCtx)
		for range expired {
			s.metrics.Recipient("failed")
		}
	}
	for _, r := range delayed {
		s.sendReport(ctx, r, "delayed")
	}
	if retired {
		s.finish(ctx, msg, final)
	}
	if !dispatch {
		return false, nil
	}

	idx := ev.Domain
	err := s.pool.Submit(AttemptJob{
		MessageID: job.MessageID,
		Domain:    job.Domain,
		Run: func(actx context.Context) {
			s.runAttempt(actx, job, idx)
		},
	})
	if err != nil {
		s.mu.Lock()
		snap = nil
		if m, ok := s.messages[job.MessageID]; ok {
			m.Domains[idx].InFlight = false
			m.Domains[idx].NextDue = now.Add(s.config.BusyBackoff)
			snap = s.snapshotLocked(m)
		}
		s.mu.Unlock()
		if snap != nil {
			s.persist(ctx, snap)
		}
		s.inflight.Done()
		return false, fmt.Errorf("failed to start attempt: %w", err)
	}
	return true, nil
}

// runAttempt executes on a pool worker.
func (s *Scheduler) runAttempt(ctx context.Context, job delivery.Job, idx int) {
	defer s.inflight.Done()

	var res delivery.Result
	body, err := s.store.LoadBody(ctx, job.MessageID)
	if err != nil {
		s.logger.Error("Failed to load message body",
			"message_id", job.MessageID,
			"error", err,
		)
		res = delivery.Result{MessageID: job.MessageID, Domain: job.Domain}
		for _, rcpt := range job.Recipients {
			res.Recipients = append(res.Recipients, delivery.RecipientResult{
				Address:    rcpt,
				Outcome:    delivery.TemporaryFailure,
				Diagnostic: delivery.Diagnostic{Domain: job.Domain, Message: "message body unavailable", Time: s.now()},
			})
		}
	} else {
		job.Body = body
		s.metrics.AttemptStarted()
		res = s.dispatcher.Deliver(ctx, job)
		s.metrics.AttemptFinished()
	}

	s.complete(context.WithoutCancel(ctx), job.MessageID, idx, res)
	s.signal(Event{Kind: EventWorkerDone, MessageID: job.MessageID, Domain: job.Domain})
	s.wake()
}

// complete applies an attempt result and releases the domain.
func (s *Scheduler) complete(ctx context.Context, id string, idx int, res delivery.Result) {
	s.mu.Lock()
	msg, ok := s.messages[id]
	if !ok {
		// Removed while the attempt ran.
		s.mu.Unlock()
		return
	}
	now := s.now()
	d := &msg.Domains[idx]
	d.InFlight = false
	sum := d.apply(res, now)
	mctx := s.messageContext(msg, d, now)
	delayed := s.delayedReportsLocked(msg, now)
	final, retired := s.retireLocked(msg)
	var snap *Message
	if !retired {
		snap = s.snapshotLocked(msg)
	}
	s.mu.Unlock()

	if snap != nil {
		s.persist(ctx, snap)
	}
	s.logAttempt(mctx, sum)
	for _, r := range delayed {
		s.sendReport(ctx, r, "delayed")
	}
	if retired {
		s.finish(ctx, msg, final)
	}
}

func (s *Scheduler) logAttempt(mctx logging.MessageContext, sum attemptSummary) {
	if len(sum.Delivered) > 0 {
		c := mctx
		c.To = sum.Delivered
		s.lifecycle.LogDelivery(c)
		for range sum.Delivered {
			s.metrics.Recipient("delivered")
		}
	}
	if len(sum.Failed) > 0 {
		c := mctx
		c.To = sum.Failed
		c.Reason = sum.Reason
		if sum.Expired {
			s.lifecycle.LogExpired(c)
		} else {
			s.lifecycle.LogBounce(c)
		}
		for range sum.Failed {
			s.metrics.Recipient("failed")
		}
	}
	if len(sum.Deferred) > 0 {
		c := mctx
		c.To = sum.Deferred
		c.Reason = sum.Reason
		s.lifecycle.LogDeferral(c)
		for range sum.Deferred {
			s.metrics.Recipient("deferred")
		}
	}
}

func (s *Scheduler) messageContext(msg *Message, d *Domain, now time.Time) logging.MessageContext {
	return logging.MessageContext{
		QueueID:    msg.ID,
		From:       msg.ReturnPath,
		Domain:     d.Name,
		Size:       msg.Size,
		CreatedAt:  msg.CreatedAt,
		EventTime:  now,
		Host:       d.LastHost,
		RetryCount: d.Attempts,
		NextRetry:  d.NextDue,
		IsDSN:      msg.IsDSN(),
	}
}

// delayedReportsLocked advances the notify thresholds of every domain of msg
// crossed at now. It builds one report per crossed threshold; domains
// crossing at the same instant share a report.
func (s *Scheduler) delayedReportsLocked(msg *Message, now time.Time) []*dsn.Report {
	var reports []*dsn.Report
	for i := range msg.Domains {
		d := &msg.Domains[i]
		crossed := d.crossThresholds(msg.CreatedAt, now)
		if crossed == 0 || msg.IsDSN() {
			continue
		}
		var entries []dsn.Recipient
		for _, r := range d.Recipients {
			if r.Status == RecipientPending && r.Notify.Has(NotifyDelay) {
				entries = append(entries, reportEntry(d, r, dsn.ActionDelayed, delivery.TemporaryFailure))
			}
		}
		if len(entries) == 0 {
			continue
		}
		for n := 0; n < crossed; n++ {
			if n == len(reports) {
				reports = append(reports, &dsn.Report{
					QueueID:     msg.ID,
					To:          msg.ReturnPath,
					ArrivalDate: msg.CreatedAt,
				})
			}
			reports[n].Recipients = append(reports[n].Recipients, entries...)
		}
	}
	return reports
}

// retireLocked removes msg from the arena once every domain is terminal and
// builds its final report, if one is wanted.
func (s *Scheduler) retireLocked(msg *Message) (*dsn.Report, bool) {
	if !msg.Retired() {
		return nil, false
	}
	delete(s.messages, msg.ID)
	if msg.IsDSN() {
		return nil, true
	}

	var entries []dsn.Recipient
	for i := range msg.Domains {
		d := &msg.Domains[i]
		for _, r := range d.Recipients {
			switch {
			case r.Status == RecipientDelivered && r.Notify.Has(NotifySuccess):
				entries = append(entries, reportEntry(d, r, dsn.ActionDelivered, delivery.Delivered))
			case r.Status == RecipientFailed && r.Notify.Has(NotifyFailure):
				entries = append(entries, reportEntry(d, r, dsn.ActionFailed, delivery.PermanentFailure))
			}
		}
	}
	if len(entries) == 0 {
		return nil, true
	}
	return &dsn.Report{
		QueueID:     msg.ID,
		To:          msg.ReturnPath,
		ArrivalDate: msg.CreatedAt,
		Recipients:  entries,
	}, true
}

func reportEntry(d *Domain, r Recipient, action dsn.Action, outcome delivery.Outcome) dsn.Recipient {
	var diag delivery.Diagnostic
	if r.Diagnostic != nil {
		diag = *r.Diagnostic
	}
	e := dsn.Recipient{
		Address:        r.Address,
		Action:         action,
		Status:         diag.Status(outcome),
		RemoteMTA:      diag.Host,
		DiagnosticCode: diag.DiagnosticCode(),
		Description:    diag.Describe(),
		LastAttempt:    d.LastAttempt,
	}
	if action == dsn.ActionDelayed {
		e.WillRetryUntil = d.ExpiresAt
	}
	return e
}

// finish sends the final report of a retired message and drops its
// persisted state.
func (s *Scheduler) finish(ctx context.Context, msg *Message, final *dsn.Report) {
	if final != nil {
		s.sendReport(ctx, final, "final")
	}
	if err := s.drop(ctx, msg.ID); err != nil {
		s.logger.Error("Failed to delete message", "message_id", msg.ID, "error", err)
	}

	s.mu.Lock()
	queued := len(s.messages)
	s.mu.Unlock()
	s.metrics.SetQueued(queued)
	s.lifecycle.LogRetired(logging.MessageContext{
		QueueID:   msg.ID,
		From:      msg.ReturnPath,
		Size:      msg.Size,
		CreatedAt: msg.CreatedAt,
		EventTime: s.now(),
		IsDSN:     msg.IsDSN(),
	})
}

// sendReport renders r and queues it to the original sender with an empty
// return path.
func (s *Scheduler) sendReport(ctx context.Context, r *dsn.Report, action string) {
	if body, err := s.store.LoadBody(ctx, r.QueueID); err == nil {
		r.OriginalHeaders = dsn.HeaderSection(body)
	}
	raw, err := s.reports.Generate(*r)
	if err != nil {
		s.logger.Error("Failed to generate DSN", "message_id", r.QueueID, "error", err)
		return
	}
	id, err := s.Enqueue(ctx, EnqueueRequest{
		Recipients: []RecipientSpec{{Address: r.To, Notify: NotifyNever}},
		Body:       raw,
	})
	if err != nil {
		s.logger.Error("Failed to queue DSN", "message_id", r.QueueID, "to", r.To, "error", err)
		return
	}
	s.metrics.DSN(action)
	to := make([]string, 0, len(r.Recipients))
	for _, rc := range r.Recipients {
		to = append(to, rc.Address)
	}
	s.lifecycle.LogDSN(logging.MessageContext{
		QueueID:    r.QueueID,
		From:       r.To,
		To:         to,
		DSNAction:  action,
		DSNQueueID: id,
	})
}

// snapshotLocked records a change to msg and returns a copy to persist once
// s.mu is released.
func (s *Scheduler) snapshotLocked(msg *Message) *Message {
	msg.rev++
	return msg.clone()
}

// persist saves snap unless msg changed again or left the queue since the
// snapshot was taken. A newer snapshot is always followed by its own persist.
func (s *Scheduler) persist(ctx context.Context, snap *Message) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	cur, ok := s.messages[snap.ID]
	latest := ok && cur.rev == snap.rev
	s.mu.Unlock()
	if !latest {
		return
	}
	if err := s.store.Save(ctx, snap); err != nil {
		s.logger.Error("Failed to persist message", "message_id", snap.ID, "error", err)
	}
}

// drop deletes the stored state and body of a message that already left
// s.messages.
func (s *Scheduler) drop(ctx context.Context, id string) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	return s.store.DeleteBody(ctx, id)
}

// Remove drops a message. An attempt already running for it finishes but
// its result is discarded.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.messages[id]
	delete(s.messages, id)
	queued := len(s.messages)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}

	if err := s.drop(ctx, id); err != nil {
		return err
	}
	s.metrics.SetQueued(queued)
	s.logger.Info("Message removed", "message_id", id)
	s.signal(Event{Kind: EventRefresh, MessageID: id})
	return nil
}

// Message returns a copy of a queued message.
func (s *Scheduler) Message(id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return m.clone(), nil
}

// Messages returns copies of all queued messages in enqueue order.
func (s *Scheduler) Messages() []*Message {
	s.mu.Lock()
	out := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Body returns the stored body of a queued message.
func (s *Scheduler) Body(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	_, ok := s.messages[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return s.store.LoadBody(ctx, id)
}

// Run dispatches due events until ctx is cancelled, then waits for running
// attempts and emits EventStop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started")
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			s.inflight.Wait()
			s.logger.Info("Scheduler stopped")
			s.signal(Event{Kind: EventStop})
			return nil
		case <-s.kick:
		case <-timer.C:
		}

		wait := s.config.IdleWait
		if paused, _ := s.Paused(); !paused {
			for _, ev := range s.DueEvents(s.now()) {
				if _, err := s.Deliver(ctx, ev); err != nil && !errors.Is(err, ErrPaused) {
					s.logger.Warn("Dispatch failed", "message_id", ev.MessageID, "error", err)
				}
			}
			if next, ok := s.NextDue(); ok {
				wait = next.Sub(s.now())
				if wait < 0 {
					wait = 0
				}
				if wait > s.config.IdleWait {
					wait = s.config.IdleWait
				}
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}
