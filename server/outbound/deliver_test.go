package outbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/dns"
)

// fakeTransport scripts per-host outcomes and records every request.
type fakeTransport struct {
	requests []*Request
	script   map[string]func(req *Request) (*Result, error)
}

func (f *fakeTransport) Deliver(ctx context.Context, req *Request) (*Result, error) {
	f.requests = append(f.requests, req)
	if fn, ok := f.script[req.Host]; ok {
		return fn(req)
	}
	return acceptAll(req), nil
}

func (f *fakeTransport) hosts() []string {
	var hosts []string
	for _, req := range f.requests {
		hosts = append(hosts, req.Host)
	}
	return hosts
}

func acceptAll(req *Request) *Result {
	return &Result{
		Accepted: append([]string(nil), req.Recipients...),
		Rejected: map[string]error{},
	}
}

func rejectWith(err error) func(req *Request) (*Result, error) {
	return func(req *Request) (*Result, error) {
		res := &Result{Rejected: map[string]error{}}
		for _, rcpt := range req.Recipients {
			res.Rejected[rcpt] = err
		}
		return res, nil
	}
}

func failWith(err error) func(req *Request) (*Result, error) {
	return func(req *Request) (*Result, error) {
		return nil, err
	}
}

type logRow struct {
	recipient string
	host      string
	success   bool
	detail    string
}

type recipientUpdate struct {
	id          int64
	status      db.RecipientStatus
	detail      string
	deliveredAt time.Time
}

type requeueCall struct {
	retryCount  int
	nextRetryAt time.Time
	lastError   string
}

// fakeStore records every mutation the engine issues.
type fakeStore struct {
	sentIDs    []string
	partial    map[string]string
	failed     map[string]int
	failedErrs map[string]string
	requeued   map[string]requeueCall
	updates    []recipientUpdate
	logs       []logRow

	markErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		partial:    make(map[string]string),
		failed:     make(map[string]int),
		failedErrs: make(map[string]string),
		requeued:   make(map[string]requeueCall),
	}
}

func (s *fakeStore) MarkOutboundSent(ctx context.Context, id string) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *fakeStore) MarkOutboundPartialFailure(ctx context.Context, id string, lastError string) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.partial[id] = lastError
	return nil
}

func (s *fakeStore) MarkOutboundFailed(ctx context.Context, id string, retryCount int, lastError string) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.failed[id] = retryCount
	s.failedErrs[id] = lastError
	return nil
}

func (s *fakeStore) RequeueOutbound(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.requeued[id] = requeueCall{retryCount: retryCount, nextRetryAt: nextRetryAt, lastError: lastError}
	return nil
}

func (s *fakeStore) UpdateOutboundRecipient(ctx context.Context, recipientID int64, status db.RecipientStatus, statusMessage string, deliveredAt time.Time) error {
	s.updates = append(s.updates, recipientUpdate{id: recipientID, status: status, detail: statusMessage, deliveredAt: deliveredAt})
	return nil
}

func (s *fakeStore) AppendDeliveryLog(ctx context.Context, outboundID, recipient, mxHost string, success bool, detail string) error {
	s.logs = append(s.logs, logRow{recipient: recipient, host: mxHost, success: success, detail: detail})
	return nil
}

func (s *fakeStore) logRows(success bool) []logRow {
	var rows []logRow
	for _, row := range s.logs {
		if row.success == success {
			rows = append(rows, row)
		}
	}
	return rows
}

type recordingNotifier struct {
	statuses []db.OutboundStatus
}

func (n *recordingNotifier) NotifyStatus(ctx context.Context, email *db.OutboundMessage, status db.OutboundStatus) {
	n.statuses = append(n.statuses, status)
}

func rcpt(id int64, address string) *db.OutboundRecipient {
	return &db.OutboundRecipient{ID: id, Kind: "to", Address: address, Status: db.RecipientPending}
}

func outboundFixture(recipients ...*db.OutboundRecipient) *db.OutboundMessage {
	return &db.OutboundMessage{
		ID:          "6a4f3a02-9a37-4a6f-9b1e-2f8a4ce0247d",
		AccountID:   42,
		FromAddress: "alice@example.com",
		FromName:    "Alice",
		Subject:     "Hello",
		BodyText:    "Hi there.",
		Status:      db.OutboundSending,
		Recipients:  recipients,
	}
}

func mx(host string, pref uint16) *net.MX {
	return &net.MX{Host: host, Pref: pref}
}

// TestProcessAllRecipientsDelivered covers the clean path: one domain,
// one MX host, every recipient accepted.
func TestProcessAllRecipientsDelivered(t *testing.T) {
	email := outboundFixture(rcpt(1, "bob@example.org"), rcpt(2, "carol@example.org"))
	store := newFakeStore()
	transport := &fakeTransport{}
	resolver := dns.MockResolver{MX: map[string][]*net.MX{
		"example.org.": {mx("mx1.example.org.", 10)},
	}}
	notifier := &recordingNotifier{}

	engine := NewEngine(store, transport, resolver, nil, notifier, EngineOptions{Hostname: "mail.example.com"})
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(transport.requests) != 1 {
		t.Fatalf("Expected 1 transport request, got %d", len(transport.requests))
	}
	req := transport.requests[0]
	if req.Host != "mx1.example.org" {
		t.Errorf("Expected host mx1.example.org, got %s", req.Host)
	}
	if req.Sender != "alice@example.com" {
		t.Errorf("Expected envelope sender alice@example.com, got %s", req.Sender)
	}
	if len(req.Recipients) != 2 {
		t.Errorf("Expected 2 recipients in request, got %d", len(req.Recipients))
	}
	if !req.InsecureTLS {
		t.Error("Direct MX delivery should use unauthenticated opportunistic TLS")
	}
	if req.Username != "" {
		t.Error("Direct MX delivery must not authenticate")
	}

	if len(store.sentIDs) != 1 || store.sentIDs[0] != email.ID {
		t.Errorf("Expected message marked sent, got %v", store.sentIDs)
	}
	if rows := store.logRows(true); len(rows) != 2 {
		t.Errorf("Expected 2 success log rows, got %d", len(rows))
	}
	for _, r := range email.Recipients {
		if r.Status != db.RecipientSent {
			t.Errorf("Recipient %s: expected sent, got %s", r.Address, r.Status)
		}
		if r.DeliveredAt.IsZero() {
			t.Errorf("Recipient %s: delivered-at not set", r.Address)
		}
	}

	want := []db.OutboundStatus{db.OutboundSending, db.OutboundSent}
	if len(notifier.statuses) != len(want) {
		t.Fatalf("Expected notifications %v, got %v", want, notifier.statuses)
	}
	for i, status := range want {
		if notifier.statuses[i] != status {
			t.Errorf("Notification %d: expected %s, got %s", i, status, notifier.statuses[i])
		}
	}
}

// TestProcessPartialFailure delivers to one of two domains and fails all
// hosts of the other: the message must end terminally mixed, with one
// success log row and a failure row per attempted host.
func TestProcessPartialFailure(t *testing.T) {
	email := outboundFixture(rcpt(1, "bob@alpha.example"), rcpt(2, "carol@beta.example"))
	store := newFakeStore()
	transport := &fakeTransport{script: map[string]func(req *Request) (*Result, error){
		"mx1.beta.example": failWith(errors.New("connect mx1.beta.example:25: connection refused")),
		"mx2.beta.example": failWith(errors.New("connect mx2.beta.example:25: connection refused")),
	}}
	resolver := dns.MockResolver{MX: map[string][]*net.MX{
		"alpha.example.": {mx("mxa.alpha.example.", 10)},
		"beta.example.":  {mx("mx1.beta.example.", 10), mx("mx2.beta.example.", 20)},
	}}
	notifier := &recordingNotifier{}

	engine := NewEngine(store, transport, resolver, nil, notifier, EngineOptions{Hostname: "mail.example.com"})
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if _, ok := store.partial[email.ID]; !ok {
		t.Fatalf("Expected partial failure, store state: sent=%v failed=%v requeued=%v", store.sentIDs, store.failed, store.requeued)
	}
	if store.partial[email.ID] == "" {
		t.Error("Expected last error recorded with the partial failure")
	}

	if rows := store.logRows(true); len(rows) != 1 || rows[0].recipient != "bob@alpha.example" {
		t.Errorf("Expected exactly 1 success row for bob@alpha.example, got %v", rows)
	}
	failures := store.logRows(false)
	if len(failures) != 2 {
		t.Fatalf("Expected 2 failure rows, got %d", len(failures))
	}
	for i, host := range []string{"mx1.beta.example", "mx2.beta.example"} {
		if failures[i].host != host {
			t.Errorf("Failure row %d: expected host %s, got %s", i, host, failures[i].host)
		}
		if failures[i].recipient != "carol@beta.example" {
			t.Errorf("Failure row %d: expected recipient carol@beta.example, got %s", i, failures[i].recipient)
		}
	}

	if email.Recipients[0].Status != db.RecipientSent {
		t.Errorf("Delivered recipient: expected sent, got %s", email.Recipients[0].Status)
	}
	if email.Recipients[1].Status != db.RecipientDeferred {
		t.Errorf("Failed-domain recipient: expected deferred, got %s", email.Recipients[1].Status)
	}

	last := notifier.statuses[len(notifier.statuses)-1]
	if last != db.OutboundPartialFailure {
		t.Errorf("Expected final notification partial_failure, got %s", last)
	}
}

// TestProcessRetrySchedule checks the backoff policy over a fully failed
// pass: retry count increments, the delay doubles per attempt up to the
// cap, and the exhausted budget turns terminal with no next-retry time.
func TestProcessRetrySchedule(t *testing.T) {
	resolver := dns.MockResolver{MX: map[string][]*net.MX{
		"example.org.": {mx("mx1.example.org.", 10)},
	}}

	tests := []struct {
		name       string
		retryCount int
		wantFailed bool
		wantDelay  time.Duration
	}{
		{"first failure", 0, false, time.Minute},
		{"second failure", 1, false, 2 * time.Minute},
		{"fourth failure", 3, false, 8 * time.Minute},
		{"delay capped", 10, false, 30 * time.Minute},
		{"budget exhausted", 19, true, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			email := outboundFixture(rcpt(1, "bob@example.org"))
			email.RetryCount = tc.retryCount
			store := newFakeStore()
			transport := &fakeTransport{script: map[string]func(req *Request) (*Result, error){
				"mx1.example.org": failWith(errors.New("connection timed out")),
			}}

			engine := NewEngine(store, transport, resolver, nil, &recordingNotifier{}, EngineOptions{
				Hostname:   "mail.example.com",
				MaxRetries: 20,
				RetryBase:  time.Minute,
				RetryCap:   30 * time.Minute,
			})

			before := time.Now()
			if err := engine.Process(context.Background(), email); err != nil {
				t.Fatalf("Process failed: %v", err)
			}

			if tc.wantFailed {
				if got := store.failed[email.ID]; got != tc.retryCount+1 {
					t.Errorf("Expected terminal failure at retry %d, got %d", tc.retryCount+1, got)
				}
				if _, ok := store.requeued[email.ID]; ok {
					t.Error("Exhausted message must not be requeued")
				}
				return
			}

			call, ok := store.requeued[email.ID]
			if !ok {
				t.Fatalf("Expected requeue, store state: failed=%v", store.failed)
			}
			if call.retryCount != tc.retryCount+1 {
				t.Errorf("Expected retry count %d, got %d", tc.retryCount+1, call.retryCount)
			}
			earliest := before.Add(tc.wantDelay)
			latest := time.Now().Add(tc.wantDelay)
			if call.nextRetryAt.Before(earliest) || call.nextRetryAt.After(latest) {
				t.Errorf("Expected next retry about %v out, got %v", tc.wantDelay, call.nextRetryAt)
			}
			if call.lastError == "" {
				t.Error("Expected requeue to carry the last error")
			}
		})
	}
}

// TestRetryDelayDoubles pins the backoff formula itself.
func TestRetryDelayDoubles(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{40, time.Hour},
	}
	for _, tc := range tests {
		if got := retryDelay(tc.retryCount, time.Minute, time.Hour); got != tc.want {
			t.Errorf("retryDelay(%d): expected %v, got %v", tc.retryCount, tc.want, got)
		}
	}
}

// TestProcessPermanentRecipientRejection: a 550 at RCPT settles that
// recipient for good while the rest of the envelope delivers.
func TestProcessPermanentRecipientRejection(t *testing.T) {
	email := outboundFixture(rcpt(1, "bob@example.org"), rcpt(2, "gone@example.org"))
	store := newFakeStore()
	transport := &fakeTransport{script: map[string]func(req *Request) (*Result, error){
		"mx1.example.org": func(req *Request) (*Result, error) {
			return &Result{
				Accepted: []string{"bob@example.org"},
				Rejected: map[string]error{
					"gone@example.org": &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
				},
			}, nil
		},
	}}
	resolver := dns.MockResolver{MX: map[string][]*net.MX{
		"example.org.": {mx("mx1.example.org.", 10)},
	}}

	engine := NewEngine(store, transport, resolver, nil, &recordingNotifier{}, EngineOptions{Hostname: "mail.example.com"})
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if email.Recipients[0].Status != db.RecipientSent {
		t.Errorf("Accepted recipient: expected sent, got %s", email.Recipients[0].Status)
	}
	if email.Recipients[1].Status != db.RecipientFailed {
		t.Errorf("Rejected recipient: expected failed, got %s", email.Recipients[1].Status)
	}
	if !strings.Contains(email.Recipients[1].StatusMessage, "550") {
		t.Errorf("Expected the 550 reply in the status message, got %q", email.Recipients[1].StatusMessage)
	}

	if _, ok := store.partial[email.ID]; !ok {
		t.Error("Mixed outcome must end as partial failure")
	}
}

// TestProcessAllPermanentFailsImmediately: when every recipient is
// rejected with a 5xx, the message fails without burning retries.
func TestProcessAllPermanentFailsImmediately(t *testing.T) {
	email := outboundFixture(rcpt(1, "gone@example.org"))
	store := newFakeStore()
	transport := &fakeTransport{script: map[string]func(req *Request) (*Result, error){
		"mx1.example.org": rejectWith(&smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}),
	}}
	resolver := dns.MockResolver{MX: map[string][]*net.MX{
		"example.org.": {mx("mx1.example.org.", 10), mx("mx2.example.org.", 20)},
	}}
	notifier := &recordingNotifier{}

	engine := NewEngine(store, transport, resolver, nil, notifier, EngineOptions{Hostname: "mail.example.com", MaxRetries: 5})
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := store.failed[email.ID]; got != 1 {
		t.Errorf("Expected terminal failure with retry count 1, got %d (requeued=%v)", got, store.requeued)
	}
	if len(transport.requests) != 1 {
		t.Errorf("A permanent rejection must not be retried on the backup MX, got %d requests", len(transport.requests))
	}
	last := notifier.statuses[len(notifier.statuses)-1]
	if last != db.OutboundFailed {
		t.Errorf("Expected final notification failed, got %s", last)
	}
}

// TestProcessMXPreferenceOrder: hosts are tried in preference order and
// the backup only after the primary fails.
func TestProcessMXPreferenceOrder(t *testing.T) {
	email := outboundFixture(rcpt(1, "bob@example.org"))
	store := newFakeStore()
	transport := &fakeTransport{script: map[string]func(req *Request) (*Result, error){
		"primary.example.org": failWith(errors.New("connection refused")),
	}}
	resolver := dns.MockResolver{MX: map[string][]*net.MX{
		"example.org.": {mx("backup.example.org.", 20), mx("primary.example.org.", 10)},
	}}

	engine := NewEngine(store, transport, resolver, nil, &recordingNotifier{}, EngineOptions{Hostname: "mail.example.com"})
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	wantHosts := []string{"primary.example.org", "backup.example.org"}
	got := transport.hosts()
	if len(got) != len(wantHosts) {
		t.Fatalf("Expected hosts %v, got %v", wantHosts, got)
	}
	for i := range wantHosts {
		if got[i] != wantHosts[i] {
			t.Errorf("Attempt %d: expected %s, got %s", i, wantHosts[i], got[i])
		}
	}

	if len(store.sentIDs) != 1 {
		t.Errorf("Expected delivery via the backup host, store state: requeued=%v", store.requeued)
	}
	if rows := store.logRows(false); len(rows) != 1 || rows[0].host != "primary.example.org" {
		t.Errorf("Expected 1 failure row for the primary host, got %v", rows)
	}
}

// TestProcessNoMXFallsBackToDomain implements the RFC 5321 implicit MX:
// no MX records means the domain itself is the delivery target.
func TestProcessNoMXFallsBackToDomain(t *testing.T) {
	email := outboundFixture(rcpt(1, "bob@bare.example"))
	store := newFakeStore()
	transport := &fakeTransport{}
	resolver := dns.MockResolver{}

	engine := NewEngine(store, transport, resolver, nil, &recordingNotifier{}, EngineOptions{Hostname: "mail.example.com"})
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(transport.requests) != 1 || transport.requests[0].Host != "bare.example" {
		t.Fatalf("Expected delivery attempt against bare.example, got %v", transport.hosts())
	}
	if len(store.sentIDs) != 1 {
		t.Error("Expected message marked sent")
	}
}

// TestProcessNullMX: a single "." MX record means the domain refuses
// mail, which is a permanent failure without any connection attempt.
func TestProcessNullMX(t *testing.T) {
	email := outboundFixture(rcpt(1, "bob@dead.example"))
	store := newFakeStore()
	transport := &fakeTransport{}
	resolver := dns.MockResolver{MX: map[string][]*net.MX{
		"dead.example.": {mx(".", 0)},
	}}

	engine := NewEngine(store, transport, resolver, nil, &recordingNotifier{}, EngineOptions{Hostname: "mail.example.com"})
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(transport.requests) != 0 {
		t.Errorf("Null MX must not be dialed, got %d requests", len(transport.requests))
	}
	if email.Recipients[0].Status != db.RecipientFailed {
		t.Errorf("Expected recipient failed, got %s", email.Recipients[0].Status)
	}
	if got := store.failed[email.ID]; got != 1 {
		t.Errorf("Expected terminal failure, got retry count %d (requeued=%v)", got, store.requeued)
	}
	rows := store.logRows(false)
	if len(rows) != 1 || rows[0].host != "dead.example" || !strings.Contains(rows[0].detail, "null MX") {
		t.Errorf("Expected a null MX log row against the domain, got %v", rows)
	}
}

// TestProcessMXLookupFailureDefers: a SERVFAIL is transient, so the
// recipients defer and the message requeues.
func TestProcessMXLookupFailureDefers(t *testing.T) {
	email := outboundFixture(rcpt(1, "bob@flaky.example"))
	store := newFakeStore()
	transport := &fakeTransport{}
	resolver := dns.MockResolver{Fail: []string{"mx flaky.example."}}

	engine := NewEngine(store, transport, resolver, nil, &recordingNotifier{}, EngineOptions{Hostname: "mail.example.com"})
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(transport.requests) != 0 {
		t.Errorf("Expected no delivery attempt, got %d", len(transport.requests))
	}
	if email.Recipients[0].Status != db.RecipientDeferred {
		t.Errorf("Expected recipient deferred, got %s", email.Recipients[0].Status)
	}
	call, ok := store.requeued[email.ID]
	if !ok {
		t.Fatalf("Expected requeue, store state: failed=%v", store.failed)
	}
	if !strings.Contains(call.lastError, "MX lookup") {
		t.Errorf("Expected the MX failure as last error, got %q", call.lastError)
	}
}

// TestProcessSmarthost routes all recipients through the configured
// relay on one connection, with credentials, and never consults DNS.
func TestProcessSmarthost(t *testing.T) {
	email := outboundFixture(rcpt(1, "bob@alpha.example"), rcpt(2, "carol@beta.example"))
	store := newFakeStore()
	transport := &fakeTransport{}
	// Any lookup would fail; the smarthost path must not resolve at all.
	resolver := dns.MockResolver{Fail: []string{"mx alpha.example.", "mx beta.example."}}

	engine := NewEngine(store, transport, resolver, nil, &recordingNotifier{}, EngineOptions{
		Hostname: "mail.example.com",
		Smarthost: Smarthost{
			Addr:       "relay.example.net:587",
			Username:   "ferry",
			Password:   "sekrit",
			RequireTLS: true,
		},
	})
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(transport.requests) != 1 {
		t.Fatalf("Expected a single relay transaction, got %d", len(transport.requests))
	}
	req := transport.requests[0]
	if req.Host != "relay.example.net:587" {
		t.Errorf("Expected the smarthost address, got %s", req.Host)
	}
	if len(req.Recipients) != 2 {
		t.Errorf("Expected both recipients on one connection, got %v", req.Recipients)
	}
	if req.Username != "ferry" || req.Password != "sekrit" {
		t.Error("Expected smarthost credentials on the request")
	}
	if !req.RequireTLS {
		t.Error("Expected mandatory STARTTLS for the smarthost")
	}
	if len(store.sentIDs) != 1 {
		t.Error("Expected message marked sent")
	}
}

// TestProcessBreakerSkipsHost: once a host's breaker opens, subsequent
// passes log the skip without dialing.
func TestProcessBreakerSkipsHost(t *testing.T) {
	resolver := dns.MockResolver{MX: map[string][]*net.MX{
		"example.org.": {mx("mx1.example.org.", 10)},
	}}
	store := newFakeStore()
	transport := &fakeTransport{script: map[string]func(req *Request) (*Result, error){
		"mx1.example.org": failWith(errors.New("connection refused")),
	}}

	engine := NewEngine(store, transport, resolver, nil, &recordingNotifier{}, EngineOptions{
		Hostname:         "mail.example.com",
		BreakerThreshold: 1,
		BreakerCooldown:  time.Minute,
	})

	email := outboundFixture(rcpt(1, "bob@example.org"))
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("First pass failed: %v", err)
	}
	if len(transport.requests) != 1 {
		t.Fatalf("Expected 1 dial on the first pass, got %d", len(transport.requests))
	}

	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Second pass failed: %v", err)
	}
	if len(transport.requests) != 1 {
		t.Errorf("Open breaker must prevent dialing, got %d requests", len(transport.requests))
	}

	var skipped bool
	for _, row := range store.logs {
		if strings.Contains(row.detail, "delivery not attempted") {
			skipped = true
		}
	}
	if !skipped {
		t.Error("Expected a delivery-not-attempted log row for the skipped host")
	}
	if call, ok := store.requeued[email.ID]; !ok || call.retryCount != 2 {
		t.Errorf("Expected second requeue with retry count 2, got %v", store.requeued)
	}
}

// TestProcessSkipsSettledRecipients: recipients already delivered or
// permanently failed in an earlier pass are not attempted again.
func TestProcessSkipsSettledRecipients(t *testing.T) {
	delivered := rcpt(1, "done@example.org")
	delivered.Status = db.RecipientSent
	pending := rcpt(2, "bob@example.org")

	email := outboundFixture(delivered, pending)
	email.RetryCount = 1
	store := newFakeStore()
	transport := &fakeTransport{}
	resolver := dns.MockResolver{MX: map[string][]*net.MX{
		"example.org.": {mx("mx1.example.org.", 10)},
	}}

	engine := NewEngine(store, transport, resolver, nil, &recordingNotifier{}, EngineOptions{Hostname: "mail.example.com"})
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(transport.requests) != 1 {
		t.Fatalf("Expected 1 transport request, got %d", len(transport.requests))
	}
	if got := transport.requests[0].Recipients; len(got) != 1 || got[0] != "bob@example.org" {
		t.Errorf("Expected only the pending recipient in the envelope, got %v", got)
	}
	for _, u := range store.updates {
		if u.id == delivered.ID {
			t.Errorf("Settled recipient must not be updated, got %v", u)
		}
	}
	if len(store.sentIDs) != 1 {
		t.Error("Expected message marked sent once the last recipient delivers")
	}
}

// TestProcessBuildFailureRequeues: when the message cannot be rendered,
// no delivery is attempted and the retry policy applies.
func TestProcessBuildFailureRequeues(t *testing.T) {
	email := outboundFixture(rcpt(1, "bob@example.org"))
	email.Attachments = []*db.Attachment{{Filename: "report.pdf", ContentType: "application/pdf", ContentHash: "deadbeef"}}
	store := newFakeStore()
	transport := &fakeTransport{}
	resolver := dns.MockResolver{MX: map[string][]*net.MX{
		"example.org.": {mx("mx1.example.org.", 10)},
	}}

	engine := NewEngine(store, transport, resolver, failingContents{err: fmt.Errorf("s3 unavailable")}, &recordingNotifier{}, EngineOptions{Hostname: "mail.example.com"})
	if err := engine.Process(context.Background(), email); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(transport.requests) != 0 {
		t.Errorf("Expected no delivery attempt with an unrenderable message, got %d", len(transport.requests))
	}
	call, ok := store.requeued[email.ID]
	if !ok {
		t.Fatalf("Expected requeue, store state: failed=%v", store.failed)
	}
	if !strings.Contains(call.lastError, "build message") {
		t.Errorf("Expected build failure as last error, got %q", call.lastError)
	}
}

// TestProcessReturnsStoreError: a failed terminal-state write surfaces
// to the worker.
func TestProcessReturnsStoreError(t *testing.T) {
	email := outboundFixture(rcpt(1, "bob@example.org"))
	store := newFakeStore()
	store.markErr = errors.New("write pool exhausted")
	transport := &fakeTransport{}
	resolver := dns.MockResolver{MX: map[string][]*net.MX{
		"example.org.": {mx("mx1.example.org.", 10)},
	}}

	engine := NewEngine(store, transport, resolver, nil, &recordingNotifier{}, EngineOptions{Hostname: "mail.example.com"})
	err := engine.Process(context.Background(), email)
	if err == nil || !strings.Contains(err.Error(), "write pool exhausted") {
		t.Fatalf("Expected the store error to surface, got %v", err)
	}
}

type failingContents struct {
	err error
}

func (f failingContents) Get(ctx context.Context, contentHash string) ([]byte, error) {
	return nil, f.err
}
