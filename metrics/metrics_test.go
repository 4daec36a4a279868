package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

func TestCountersStartAtZero(t *testing.T) {
	r := New(prometheus.NewRegistry())
	if v := counterValue(t, r.SessionsVerified); v != 0 {
		t.Fatalf("expected 0, got %v", v)
	}
	if v := gaugeValue(t, r.ActivePeers); v != 0 {
		t.Fatalf("expected 0, got %v", v)
	}
}

func TestSessionsVerifiedIncrements(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.SessionsVerified.Inc()
	r.SessionsVerified.Inc()
	if v := counterValue(t, r.SessionsVerified); v != 2 {
		t.Fatalf("expected 2, got %v", v)
	}
}

func TestObserveRotationLabelsSeparately(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.ObserveRotation(RotationActive)
	r.ObserveRotation(RotationActive)
	r.ObserveRotation(RotationPassive)

	var active, passive dto.Metric
	if err := r.Rotations.WithLabelValues("active").Write(&active); err != nil {
		t.Fatal(err)
	}
	if err := r.Rotations.WithLabelValues("passive").Write(&passive); err != nil {
		t.Fatal(err)
	}
	if active.GetCounter().GetValue() != 2 {
		t.Fatalf("expected 2 active rotations, got %v", active.GetCounter().GetValue())
	}
	if passive.GetCounter().GetValue() != 1 {
		t.Fatalf("expected 1 passive rotation, got %v", passive.GetCounter().GetValue())
	}
}

func TestActivePeersGauge(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.ActivePeers.Set(3)
	r.ActivePeers.Dec()
	if v := gaugeValue(t, r.ActivePeers); v != 2 {
		t.Fatalf("expected 2, got %v", v)
	}
}
