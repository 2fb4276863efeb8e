package space

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/relaygrid/space/message"
)

func TestMetricsObservePublish(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObservePublish(&message.Message{Action: message.Action{Name: "add"}})
	m.ObservePublish(&message.Message{Action: message.Action{Name: "add"}})

	if got := counterValue(t, m.MessagesPublished.WithLabelValues("add")); got != 2 {
		t.Errorf("MessagesPublished[add] = %v, want 2", got)
	}
}

func TestMetricsObserveFanout(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveFanout(3)

	metric := &dto.Metric{}
	if err := m.BroadcastFanout.Write(metric); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", metric.Histogram.GetSampleCount())
	}
	if metric.Histogram.GetSampleSum() != 3 {
		t.Errorf("sample sum = %v, want 3", metric.Histogram.GetSampleSum())
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return metric.Counter.GetValue()
}
