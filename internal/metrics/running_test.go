package metrics

import (
	"math"
	"math/rand"
	"testing"
)

func TestRunningAverageMatchesArithmeticMean(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var avg RunningAverage
	sum := 0.0
	for i := 0; i < 1000; i++ {
		v := rng.NormFloat64()*3 + 1
		avg.Add(v)
		sum += v
		want := sum / float64(i+1)
		if math.Abs(avg.Value()-want) > 1e-9 {
			t.Fatalf("after %d values: running=%.12f mean=%.12f", i+1, avg.Value(), want)
		}
	}
	if avg.Count() != 1000 {
		t.Fatalf("count = %d, want 1000", avg.Count())
	}
}

func TestRunningAverageReset(t *testing.T) {
	var avg RunningAverage
	avg.Add(5)
	avg.Reset()
	if avg.Value() != 0 || avg.Count() != 0 {
		t.Fatalf("reset left value=%f count=%d", avg.Value(), avg.Count())
	}
	avg.Add(2)
	if avg.Value() != 2 {
		t.Fatalf("value after reset = %f, want 2", avg.Value())
	}
}

func TestSetTracksNamedAverages(t *testing.T) {
	s := NewSet([]string{"accuracy"})
	s.Add("accuracy", 0.5)
	s.Add("accuracy", 1.0)
	s.Add("unknown", 42) // silently ignored

	vals := s.Values()
	if len(vals) != 1 {
		t.Fatalf("got %d values, want 1", len(vals))
	}
	if math.Abs(vals["accuracy"]-0.75) > 1e-12 {
		t.Fatalf("accuracy = %f, want 0.75", vals["accuracy"])
	}

	s.Reset()
	if s.Values()["accuracy"] != 0 {
		t.Fatalf("reset did not clear accuracy")
	}
}
