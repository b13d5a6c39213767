package outbound

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/dns"
	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/circuitbreaker"
	"github.com/relatemail/ferry/pkg/metrics"
)

// Store is the part of the outbound store the engine mutates.
// *db.Database satisfies it.
type Store interface {
	MarkOutboundSent(ctx context.Context, id string) error
	MarkOutboundPartialFailure(ctx context.Context, id string, lastError string) error
	MarkOutboundFailed(ctx context.Context, id string, retryCount int, lastError string) error
	RequeueOutbound(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) error
	UpdateOutboundRecipient(ctx context.Context, recipientID int64, status db.RecipientStatus, statusMessage string, deliveredAt time.Time) error
	AppendDeliveryLog(ctx context.Context, outboundID, recipient, mxHost string, success bool, detail string) error
}

// Smarthost routes every delivery through one fixed relay instead of
// direct MX delivery.
type Smarthost struct {
	Addr        string // host:port; empty means direct MX delivery
	Username    string
	Password    string
	RequireTLS  bool
	InsecureTLS bool
}

// EngineOptions tune one Engine. Zero values fall back to defaults.
type EngineOptions struct {
	Hostname         string // generated Message-Id domain; defaults to os.Hostname
	MaxRetries       int
	RetryBase        time.Duration
	RetryCap         time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Smarthost        Smarthost
}

// Engine delivers one claimed outbound message per Process call and
// records the outcome. It is safe for concurrent use; per-message state
// lives on the stack of each call.
type Engine struct {
	store     Store
	transport Transport
	resolver  dns.Resolver
	contents  ContentSource
	notifier  StatusNotifier
	breakers  *circuitbreaker.Registry

	hostname   string
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
	smarthost  Smarthost
}

func NewEngine(store Store, transport Transport, resolver dns.Resolver, contents ContentSource, notifier StatusNotifier, opts EngineOptions) *Engine {
	hostname := opts.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = time.Minute
	}
	retryCap := opts.RetryCap
	if retryCap <= 0 {
		retryCap = time.Hour
	}
	threshold := opts.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}

	return &Engine{
		store:     store,
		transport: transport,
		resolver:  resolver,
		contents:  contents,
		notifier:  notifier,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Settings{
			Threshold: uint32(threshold),
			Cooldown:  cooldown,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				switch to {
				case circuitbreaker.StateOpen:
					metrics.BreakerTransitionsTotal.WithLabelValues(name, "open").Inc()
					logger.Warn("Outbound: circuit opened", "host", name, "previous", from.String())
				case circuitbreaker.StateClosed:
					metrics.BreakerTransitionsTotal.WithLabelValues(name, "closed").Inc()
					logger.Info("Outbound: circuit closed", "host", name)
				}
			},
		}),
		hostname:   hostname,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		retryCap:   retryCap,
		smarthost:  opts.Smarthost,
	}
}

// BreakerStates exposes the per-host circuit state for health reporting.
func (e *Engine) BreakerStates() map[string]circuitbreaker.State {
	return e.breakers.States()
}

// delivery carries the working state of one processing pass.
type delivery struct {
	email     *db.OutboundMessage
	raw       []byte
	lastError string
}

func (d *delivery) note(detail string) { d.lastError = detail }

// routeGroup is one delivery target set: the recipients sharing a
// destination and the hosts to try for them, in order.
type routeGroup struct {
	domain     string
	hosts      []string
	recipients []*db.OutboundRecipient
}

// Process runs one delivery pass for a message already claimed into the
// Sending state. Recipients that were delivered or permanently rejected
// in an earlier pass are left alone. The returned error reports store
// failures only; delivery failures are absorbed into the retry state.
func (e *Engine) Process(ctx context.Context, email *db.OutboundMessage) error {
	start := time.Now()
	e.notifier.NotifyStatus(ctx, email, db.OutboundSending)

	d := &delivery{email: email}

	raw, err := BuildMessage(ctx, email, e.contents, e.hostname)
	if err != nil {
		// Attachment content may simply be unreachable right now, so
		// the pass counts as fully failed and the retry policy applies.
		d.note(fmt.Sprintf("build message: %v", err))
		logger.Error("Outbound: message build failed", "id", email.ID, "error", err)
		return e.finish(ctx, d, start)
	}
	d.raw = raw

	groups := e.plan(email)
	for i := range groups {
		e.deliverGroup(ctx, d, &groups[i])
	}

	return e.finish(ctx, d, start)
}

// plan groups the still-deliverable recipients. With a smarthost there
// is a single group; otherwise one group per recipient domain, in first
// appearance order.
func (e *Engine) plan(email *db.OutboundMessage) []routeGroup {
	var live []*db.OutboundRecipient
	for _, r := range email.Recipients {
		if r.Status == db.RecipientPending || r.Status == db.RecipientDeferred {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		return nil
	}

	if e.smarthost.Addr != "" {
		return []routeGroup{{hosts: []string{e.smarthost.Addr}, recipients: live}}
	}

	index := make(map[string]int)
	var groups []routeGroup
	for _, r := range live {
		domain := domainOf(r.Address)
		i, ok := index[domain]
		if !ok {
			i = len(groups)
			index[domain] = i
			groups = append(groups, routeGroup{domain: domain})
		}
		groups[i].recipients = append(groups[i].recipients, r)
	}
	return groups
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 {
		return address[i+1:]
	}
	return address
}

// deliverGroup attempts one group's hosts in order. Iteration stops when
// a host takes the message or answers every remaining recipient
// permanently; connection-level failures move on to the next host.
func (e *Engine) deliverGroup(ctx context.Context, d *delivery, g *routeGroup) {
	hosts := g.hosts
	if len(hosts) == 0 {
		resolved, err := dns.HostsForDomain(ctx, e.resolver, g.domain)
		if err != nil {
			if errors.Is(err, dns.ErrNullMX) {
				detail := fmt.Sprintf("%s declines mail (null MX)", g.domain)
				d.note(detail)
				for _, r := range g.recipients {
					e.logAttempt(ctx, d, r.Address, g.domain, false, detail)
					e.markRecipient(ctx, d, r, db.RecipientFailed, detail, time.Time{})
				}
				return
			}
			detail := fmt.Sprintf("MX lookup for %s failed: %v", g.domain, err)
			d.note(detail)
			for _, r := range g.recipients {
				e.logAttempt(ctx, d, r.Address, g.domain, false, detail)
				e.markRecipient(ctx, d, r, db.RecipientDeferred, detail, time.Time{})
			}
			return
		}
		hosts = resolved
	}

	remaining := g.recipients
	for _, host := range hosts {
		if len(remaining) == 0 {
			return
		}

		res, err := e.attemptHost(ctx, d, host, remaining)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			detail := fmt.Sprintf("%s: %v (circuit open)", host, consts.ErrDeliveryNotAttempted)
			d.note(detail)
			for _, r := range remaining {
				e.logAttempt(ctx, d, r.Address, host, false, detail)
			}
			continue
		}
		if err != nil {
			detail := err.Error()
			d.note(detail)
			for _, r := range remaining {
				e.logAttempt(ctx, d, r.Address, host, false, detail)
			}
			if IsPermanentError(err) {
				for _, r := range remaining {
					e.markRecipient(ctx, d, r, db.RecipientFailed, detail, time.Time{})
				}
				return
			}
			for _, r := range remaining {
				e.markRecipient(ctx, d, r, db.RecipientDeferred, detail, time.Time{})
			}
			continue
		}

		accepted := make(map[string]bool, len(res.Accepted))
		for _, addr := range res.Accepted {
			accepted[addr] = true
		}

		now := time.Now()
		var transient []*db.OutboundRecipient
		for _, r := range remaining {
			if accepted[r.Address] {
				e.logAttempt(ctx, d, r.Address, host, true, "accepted")
				e.markRecipient(ctx, d, r, db.RecipientSent, "delivered via "+host, now)
				continue
			}
			rerr := res.Rejected[r.Address]
			detail := "recipient rejected"
			if rerr != nil {
				detail = rerr.Error()
			}
			d.note(detail)
			e.logAttempt(ctx, d, r.Address, host, false, detail)
			if rerr != nil && IsPermanentError(rerr) {
				e.markRecipient(ctx, d, r, db.RecipientFailed, detail, time.Time{})
				continue
			}
			e.markRecipient(ctx, d, r, db.RecipientDeferred, detail, time.Time{})
			transient = append(transient, r)
		}

		if len(res.Accepted) > 0 {
			// The host took the message. Transiently rejected
			// recipients wait for the next retry cycle rather than
			// risking duplicate copies via a backup MX.
			return
		}
		remaining = transient
	}
}

// attemptHost runs one SMTP transaction through the host's circuit
// breaker. Only transaction-level failures trip the breaker; a host that
// answers, even with rejections, is healthy.
func (e *Engine) attemptHost(ctx context.Context, d *delivery, host string, rcpts []*db.OutboundRecipient) (*Result, error) {
	req := &Request{
		Host:       host,
		Sender:     d.email.FromAddress,
		Recipients: make([]string, 0, len(rcpts)),
		Message:    d.raw,
	}
	for _, r := range rcpts {
		req.Recipients = append(req.Recipients, r.Address)
	}
	if e.smarthost.Addr != "" {
		req.Username = e.smarthost.Username
		req.Password = e.smarthost.Password
		req.RequireTLS = e.smarthost.RequireTLS
		req.InsecureTLS = e.smarthost.InsecureTLS
	} else {
		// Opportunistic TLS to arbitrary MX hosts is unauthenticated;
		// a self-signed certificate still beats cleartext.
		req.InsecureTLS = true
	}

	var res *Result
	err := e.breakers.Get(host).Do(func() error {
		var derr error
		res, derr = e.transport.Deliver(ctx, req)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) markRecipient(ctx context.Context, d *delivery, r *db.OutboundRecipient, status db.RecipientStatus, detail string, deliveredAt time.Time) {
	if err := e.store.UpdateOutboundRecipient(ctx, r.ID, status, detail, deliveredAt); err != nil {
		logger.Error("Outbound: recipient update failed", "id", d.email.ID, "recipient", r.Address, "error", err)
	}
	r.Status = status
	r.StatusMessage = detail
	if !deliveredAt.IsZero() {
		r.DeliveredAt = deliveredAt
	}

	switch status {
	case db.RecipientSent:
		metrics.DeliveryRecipientsTotal.WithLabelValues("delivered").Inc()
	case db.RecipientFailed:
		metrics.DeliveryRecipientsTotal.WithLabelValues("rejected").Inc()
	case db.RecipientDeferred:
		metrics.DeliveryRecipientsTotal.WithLabelValues("deferred").Inc()
	}
}

// logAttempt appends one row to the delivery log. The log is an audit
// trail; losing a row must not abort a delivery already under way.
func (e *Engine) logAttempt(ctx context.Context, d *delivery, recipient, host string, success bool, detail string) {
	if err := e.store.AppendDeliveryLog(ctx, d.email.ID, recipient, host, success, detail); err != nil {
		logger.Error("Outbound: delivery log append failed", "id", d.email.ID, "recipient", recipient, "host", host, "error", err)
	}
}

// finish classifies the pass over all recipients and persists the new
// message status. A mixed outcome is terminal: the delivered subset must
// never be sent again.
func (e *Engine) finish(ctx context.Context, d *delivery, start time.Time) error {
	email := d.email

	var sent, unresolved int
	for _, r := range email.Recipients {
		switch r.Status {
		case db.RecipientSent:
			sent++
		case db.RecipientFailed:
		default:
			unresolved++
		}
	}

	var result string
	var err error
	switch {
	case sent == len(email.Recipients):
		result = "sent"
		if err = e.store.MarkOutboundSent(ctx, email.ID); err == nil {
			email.Status = db.OutboundSent
			e.notifier.NotifyStatus(ctx, email, db.OutboundSent)
			logger.Info("Outbound: delivered", "id", email.ID, "recipients", sent)
		}
	case sent > 0:
		result = "partial_failure"
		if err = e.store.MarkOutboundPartialFailure(ctx, email.ID, d.lastError); err == nil {
			email.Status = db.OutboundPartialFailure
			e.notifier.NotifyStatus(ctx, email, db.OutboundPartialFailure)
			logger.Warn("Outbound: partial failure", "id", email.ID, "delivered", sent, "total", len(email.Recipients), "last_error", d.lastError)
		}
	case unresolved == 0:
		// Every recipient was rejected permanently; retrying cannot
		// change the outcome no matter how much budget remains.
		result = "failed"
		retry := email.RetryCount + 1
		if err = e.store.MarkOutboundFailed(ctx, email.ID, retry, d.lastError); err == nil {
			email.Status = db.OutboundFailed
			email.RetryCount = retry
			e.notifier.NotifyStatus(ctx, email, db.OutboundFailed)
			logger.Warn("Outbound: all recipients rejected", "id", email.ID, "last_error", d.lastError)
		}
	default:
		result, err = e.requeue(ctx, d)
	}

	metrics.DeliveryAttemptsTotal.WithLabelValues(result).Inc()
	metrics.DeliveryDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", email.ID, err)
	}
	return nil
}

// requeue applies the retry policy to a fully failed pass: double the
// delay per attempt up to the cap, and give up for good once the retry
// budget is spent.
func (e *Engine) requeue(ctx context.Context, d *delivery) (string, error) {
	email := d.email
	retry := email.RetryCount + 1

	if retry >= e.maxRetries {
		if err := e.store.MarkOutboundFailed(ctx, email.ID, retry, d.lastError); err != nil {
			return "failed", err
		}
		email.Status = db.OutboundFailed
		email.RetryCount = retry
		e.notifier.NotifyStatus(ctx, email, db.OutboundFailed)
		logger.Warn("Outbound: retries exhausted", "id", email.ID, "retry_count", retry, "last_error", d.lastError)
		return "failed", nil
	}

	delay := retryDelay(retry, e.retryBase, e.retryCap)
	next := time.Now().Add(delay)
	if err := e.store.RequeueOutbound(ctx, email.ID, retry, next, d.lastError); err != nil {
		return "deferred", err
	}
	email.Status = db.OutboundQueued
	email.RetryCount = retry
	email.NextRetryAt = next
	e.notifier.NotifyStatus(ctx, email, db.OutboundQueued)
	logger.Info("Outbound: delivery deferred", "id", email.ID, "retry_count", retry, "next_retry_in", delay, "last_error", d.lastError)
	return "deferred", nil
}

// retryDelay doubles the base delay for every pass already failed,
// capped at max.
func retryDelay(retryCount int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
