package promscale

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Strob0t/CreditForge/internal/domain/credits"
)

func TestBinStart(t *testing.T) {
	step := 5 * time.Minute
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC), time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 12, 4, 59, 0, time.FixedZone("CET", 3600)), time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := BinStart(tt.in, step); !got.Equal(tt.want) {
			t.Errorf("BinStart(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSampleMeasurement(t *testing.T) {
	bucket := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ts := bucket.Add(4 * time.Minute)

	m, err := Sample{Bucket: bucket, Value: 12.5, Time: ts}.Measurement("alpha", "project_vcpu_usage", "", 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != credits.KindCounter {
		t.Errorf("kind = %s, want counter", m.Kind)
	}
	if !m.Value.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("value = %s", m.Value)
	}
	if !m.Window.End.Equal(bucket.Add(5 * time.Minute)) {
		t.Errorf("window = %s", m.Window)
	}
	if m.Sequence != ts.UnixNano() {
		t.Errorf("sequence = %d", m.Sequence)
	}
}

func TestSampleMeasurementRejectsBadValues(t *testing.T) {
	bucket := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, v := range []float64{math.NaN(), math.Inf(1), -1} {
		_, err := Sample{Bucket: bucket, Value: v, Time: bucket}.Measurement("alpha", "cpu", credits.KindCounter, time.Minute)
		if !errors.Is(err, credits.ErrMalformedMeasurement) {
			t.Errorf("value %v: expected ErrMalformedMeasurement, got %v", v, err)
		}
	}
}

func TestMeasurementsFailsOnMalformedSample(t *testing.T) {
	bucket := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	samples := []Sample{
		{Bucket: bucket, Value: 10, Time: bucket.Add(time.Minute)},
		{Bucket: bucket.Add(5 * time.Minute), Value: math.NaN(), Time: bucket.Add(6 * time.Minute)},
		{Bucket: bucket.Add(10 * time.Minute), Value: 12, Time: bucket.Add(11 * time.Minute)},
	}

	ms, err := Measurements("alpha", "project_vcpu_usage", credits.KindCounter, 5*time.Minute, samples)
	if !errors.Is(err, credits.ErrMalformedMeasurement) {
		t.Fatalf("expected ErrMalformedMeasurement, got %v", err)
	}
	if !credits.IsData(err) {
		t.Error("expected a data error")
	}
	if ms != nil {
		t.Errorf("expected no measurements, got %d", len(ms))
	}

	ms, err = Measurements("alpha", "project_vcpu_usage", credits.KindCounter, 5*time.Minute, []Sample{samples[0], samples[2]})
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(ms))
	}
}
