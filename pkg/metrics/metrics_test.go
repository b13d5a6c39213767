package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestConnectionMetrics(t *testing.T) {
	ConnectionsTotal.Reset()
	ConnectionsCurrent.Reset()

	ConnectionsTotal.WithLabelValues("imap").Inc()
	ConnectionsTotal.WithLabelValues("imap").Inc()
	ConnectionsTotal.WithLabelValues("pop3").Inc()

	if got := testutil.ToFloat64(ConnectionsTotal.WithLabelValues("imap")); got != 2 {
		t.Errorf("Expected 2 IMAP connections, got %f", got)
	}
	if got := testutil.ToFloat64(ConnectionsTotal.WithLabelValues("pop3")); got != 1 {
		t.Errorf("Expected 1 POP3 connection, got %f", got)
	}

	ConnectionsCurrent.WithLabelValues("imap").Inc()
	ConnectionsCurrent.WithLabelValues("imap").Dec()
	if got := testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("imap")); got != 0 {
		t.Errorf("Expected 0 current IMAP connections, got %f", got)
	}
}

func TestAuthenticationMetrics(t *testing.T) {
	AuthenticationAttempts.Reset()

	AuthenticationAttempts.WithLabelValues("imap", "success").Inc()
	AuthenticationAttempts.WithLabelValues("imap", "not_found").Inc()
	AuthenticationAttempts.WithLabelValues("pop3", "rate_limited").Add(3)

	if got := testutil.ToFloat64(AuthenticationAttempts.WithLabelValues("imap", "success")); got != 1 {
		t.Errorf("Expected 1 successful IMAP auth, got %f", got)
	}
	if got := testutil.ToFloat64(AuthenticationAttempts.WithLabelValues("pop3", "rate_limited")); got != 3 {
		t.Errorf("Expected 3 rate limited POP3 auths, got %f", got)
	}
}

func TestDeliveryMetrics(t *testing.T) {
	DeliveryAttemptsTotal.Reset()
	DeliveryRecipientsTotal.Reset()

	DeliveryAttemptsTotal.WithLabelValues("sent").Inc()
	DeliveryAttemptsTotal.WithLabelValues("partial_failure").Inc()
	DeliveryRecipientsTotal.WithLabelValues("delivered").Add(2)
	DeliveryRecipientsTotal.WithLabelValues("rejected").Inc()

	if got := testutil.ToFloat64(DeliveryAttemptsTotal.WithLabelValues("partial_failure")); got != 1 {
		t.Errorf("Expected 1 partial failure, got %f", got)
	}
	if got := testutil.ToFloat64(DeliveryRecipientsTotal.WithLabelValues("delivered")); got != 2 {
		t.Errorf("Expected 2 delivered recipients, got %f", got)
	}
}

func TestMetricsOutput(t *testing.T) {
	ConnectionsTotal.Reset()
	S3OperationsTotal.Reset()

	ConnectionsTotal.WithLabelValues("imap").Inc()
	S3OperationsTotal.WithLabelValues("PUT", "success").Add(5)

	gatherer := prometheus.DefaultGatherer
	families, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("Error gathering metrics: %v", err)
	}

	var connFamily *dto.MetricFamily
	foundS3 := false
	for _, family := range families {
		if family.GetName() == "ferry_connections_total" {
			connFamily = family
		}
		if family.GetName() == "ferry_s3_operations_total" {
			foundS3 = true
		}
	}

	if connFamily == nil {
		t.Fatal("Expected to find ferry_connections_total metric in output")
	}
	if connFamily.GetType() != dto.MetricType_COUNTER {
		t.Errorf("Expected ferry_connections_total to be a counter, got %v", connFamily.GetType())
	}
	if !foundS3 {
		t.Error("Expected to find ferry_s3_operations_total metric in output")
	}
}

func TestPrometheusHTTPHandler(t *testing.T) {
	ConnectionsTotal.Reset()
	DeliveryAttemptsTotal.Reset()

	ConnectionsTotal.WithLabelValues("imap").Add(10)
	DeliveryAttemptsTotal.WithLabelValues("sent").Add(4)

	handler := promhttp.Handler()
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, `ferry_connections_total{protocol="imap"} 10`) {
		t.Error("Expected IMAP connections total to be 10")
	}
	if !strings.Contains(bodyStr, `ferry_delivery_attempts_total{result="sent"} 4`) {
		t.Error("Expected sent delivery attempts to be 4")
	}
}

// mockStatsProvider implements StatsProvider for testing
type mockStatsProvider struct {
	stats *ServerStats
	err   error
}

func (m *mockStatsProvider) GetServerStats(ctx context.Context) (*ServerStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

func TestCollectorBasic(t *testing.T) {
	AccountsTotal.Set(0)
	MessagesTotal.Set(0)

	provider := &mockStatsProvider{
		stats: &ServerStats{
			TotalAccounts: 5,
			TotalMessages: 150,
			OutboundByStatus: map[string]int64{
				"queued": 3,
				"sent":   40,
			},
		},
	}

	collector := NewCollector(provider, 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()

	<-done

	if got := testutil.ToFloat64(AccountsTotal); got != 5 {
		t.Errorf("Expected 5 accounts, got %f", got)
	}
	if got := testutil.ToFloat64(OutboundQueueDepth.WithLabelValues("queued")); got != 3 {
		t.Errorf("Expected outbound depth 3, got %f", got)
	}
}

func TestCollectorWithError(t *testing.T) {
	provider := &mockStatsProvider{
		err: context.DeadlineExceeded,
	}

	collector := NewCollector(provider, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Should not panic even with errors
	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()

	<-done
}

func TestNewCollectorDefaultInterval(t *testing.T) {
	provider := &mockStatsProvider{
		stats: &ServerStats{},
	}

	collector := NewCollector(provider, 0)
	if collector.interval != 60*time.Second {
		t.Errorf("Expected default interval of 60s, got %v", collector.interval)
	}
}
