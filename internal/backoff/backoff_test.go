package backoff

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nat-tunnel/tunnel/internal/config"
	"github.com/nat-tunnel/tunnel/internal/metrics"
)

func testConfig() config.BackoffConfig {
	return config.BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0,
	}
}

func TestCalculatorDelayGrowsAndCaps(t *testing.T) {
	c := NewCalculator(testConfig())
	if d := c.Delay(0); d != 5*time.Millisecond {
		t.Errorf("Delay(0) = %v, want 5ms", d)
	}
	if d := c.Delay(1); d != 10*time.Millisecond {
		t.Errorf("Delay(1) = %v, want 10ms", d)
	}
	if d := c.Delay(10); d != 40*time.Millisecond {
		t.Errorf("Delay(10) = %v, want capped at 40ms", d)
	}
}

func TestCalculatorJitterDisabled(t *testing.T) {
	c := NewCalculator(testConfig())
	if d := c.Jitter(10 * time.Millisecond); d != 10*time.Millisecond {
		t.Errorf("Jitter with cfg.Jitter=0 should be a no-op, got %v", d)
	}
}

func TestCalculatorJitterWithinBounds(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = 0.5
	c := NewCalculator(cfg)

	base := 20 * time.Millisecond
	for i := 0; i < 20; i++ {
		d := c.Jitter(base)
		if d < 0 {
			t.Fatalf("jittered delay went negative: %v", d)
		}
		if d > base+base/2 {
			t.Fatalf("jittered delay %v exceeds base+jitter bound %v", d, base+base/2)
		}
	}
}

func TestReconnectorRetriesUntilSuccess(t *testing.T) {
	var calls int32
	done := make(chan struct{})

	cfg := testConfig()
	r := NewReconnector(cfg, "svc", nil, nil, func() error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	})
	defer r.Stop()

	r.Schedule()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnector never succeeded")
	}

	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	time.Sleep(10 * time.Millisecond)
	if r.Attempts() != 0 {
		t.Errorf("Attempts after success = %d, want 0 (reset)", r.Attempts())
	}
}

func TestReconnectorStopPreventsFurtherAttempts(t *testing.T) {
	var calls int32
	cfg := testConfig()
	r := NewReconnector(cfg, "svc", nil, nil, func() error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always fails")
	})

	r.Schedule()
	time.Sleep(20 * time.Millisecond)
	r.Stop()

	n := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != n {
		t.Error("expected no further attempts after Stop")
	}
}

func TestReconnectorPauseResume(t *testing.T) {
	var calls int32
	cfg := testConfig()
	r := NewReconnector(cfg, "svc", nil, nil, func() error {
		atomic.AddInt32(&calls, 1)
		return errors.New("fail")
	})
	defer r.Stop()

	r.Pause()
	r.Schedule()
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("expected no attempts while paused")
	}

	r.Resume()
	r.Schedule()
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&calls) == 0 {
		t.Error("expected an attempt after Resume")
	}
}

func TestReconnectorReset(t *testing.T) {
	cfg := testConfig()
	r := NewReconnector(cfg, "svc", nil, nil, func() error { return errors.New("fail") })
	defer r.Stop()

	r.Schedule()
	time.Sleep(20 * time.Millisecond)
	if r.Attempts() == 0 {
		t.Fatal("expected at least one attempt before Reset")
	}

	r.Reset()
	if r.Attempts() != 0 {
		t.Errorf("Attempts after Reset = %d, want 0", r.Attempts())
	}
}

func TestReconnectorRecordsEachAttemptAgainstMetrics(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	cfg := testConfig()
	r := NewReconnector(cfg, "echo", m, nil, func() error {
		return errors.New("fail")
	})
	defer r.Stop()

	r.Schedule()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(m.ReconnectAttempts.WithLabelValues("echo")) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := testutil.ToFloat64(m.ReconnectAttempts.WithLabelValues("echo")); got < 2 {
		t.Fatalf("ReconnectAttempts[echo] = %v, want at least 2", got)
	}
}
