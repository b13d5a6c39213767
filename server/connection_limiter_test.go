package server

import (
	"net"
	"sync"
	"testing"
)

func tcpAddr(t *testing.T, host string) net.Addr {
	t.Helper()
	return &net.TCPAddr{IP: net.ParseIP(host), Port: 12345}
}

func TestConnectionLimiterTotalLimit(t *testing.T) {
	cl := NewConnectionLimiter("IMAP", 2, 0)

	release1, err := cl.Accept(tcpAddr(t, "10.0.0.1"))
	if err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	release2, err := cl.Accept(tcpAddr(t, "10.0.0.2"))
	if err != nil {
		t.Fatalf("second accept failed: %v", err)
	}

	if _, err := cl.Accept(tcpAddr(t, "10.0.0.3")); err == nil {
		t.Fatal("expected third accept to be rejected")
	}

	release1()
	release3, err := cl.Accept(tcpAddr(t, "10.0.0.3"))
	if err != nil {
		t.Fatalf("accept after release failed: %v", err)
	}

	release2()
	release3()

	if got := cl.GetStats().TotalConnections; got != 0 {
		t.Errorf("expected 0 connections after release, got %d", got)
	}
}

func TestConnectionLimiterPerIPLimit(t *testing.T) {
	cl := NewConnectionLimiter("POP3", 0, 2)
	addr := tcpAddr(t, "192.168.1.5")

	release1, err := cl.Accept(addr)
	if err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	release2, err := cl.Accept(addr)
	if err != nil {
		t.Fatalf("second accept failed: %v", err)
	}

	if _, err := cl.Accept(addr); err == nil {
		t.Fatal("expected per-IP limit to reject third connection")
	}

	// A different IP is unaffected
	releaseOther, err := cl.Accept(tcpAddr(t, "192.168.1.6"))
	if err != nil {
		t.Fatalf("accept from different IP failed: %v", err)
	}

	release1()
	release2()
	releaseOther()

	stats := cl.GetStats()
	if len(stats.IPConnections) != 0 {
		t.Errorf("expected per-IP map to be emptied, got %v", stats.IPConnections)
	}
}

func TestConnectionLimiterUnlimited(t *testing.T) {
	cl := NewConnectionLimiter("IMAP", 0, 0)

	for i := 0; i < 100; i++ {
		if _, err := cl.Accept(tcpAddr(t, "10.1.1.1")); err != nil {
			t.Fatalf("unlimited limiter rejected connection %d: %v", i, err)
		}
	}
}

func TestConnectionLimiterConcurrent(t *testing.T) {
	cl := NewConnectionLimiter("IMAP", 0, 0)
	addr := tcpAddr(t, "10.2.2.2")

	var wg sync.WaitGroup
	releases := make([]func(), 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release, err := cl.Accept(addr)
			if err != nil {
				t.Errorf("accept failed: %v", err)
				return
			}
			releases[i] = release
		}(i)
	}
	wg.Wait()

	if got := cl.GetStats().TotalConnections; got != 100 {
		t.Errorf("expected 100 connections, got %d", got)
	}

	for _, release := range releases {
		if release != nil {
			release()
		}
	}
	if got := cl.GetStats().TotalConnections; got != 0 {
		t.Errorf("expected 0 connections after releases, got %d", got)
	}
}
