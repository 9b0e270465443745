// Package eventlog writes scalar and histogram training events as JSON
// lines, one file per run, for offline plotting.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Event is one logged observation.
type Event struct {
	Wall  int64      `json:"wall"`
	Step  int        `json:"step"`
	Tag   string     `json:"tag"`
	Value *float64   `json:"value,omitempty"`
	Hist  *HistStats `json:"hist,omitempty"`
}

// HistStats summarizes a value distribution.
type HistStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
}

// Writer appends events to a per-run JSONL file.
type Writer struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewWriter creates the log dir and opens the event file for runID.
func NewWriter(dir, runID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, "events-"+runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Writer{f: f, enc: json.NewEncoder(f)}, nil
}

// Scalar logs a single value under tag at step.
func (w *Writer) Scalar(tag string, step int, value float64) error {
	v := value
	return w.write(Event{Wall: time.Now().Unix(), Step: step, Tag: tag, Value: &v})
}

// Histogram logs summary statistics of values under tag at step.
func (w *Writer) Histogram(tag string, step int, values []float64) error {
	if len(values) == 0 {
		return nil
	}
	mean, std := stat.MeanStdDev(values, nil)
	return w.write(Event{
		Wall: time.Now().Unix(),
		Step: step,
		Tag:  tag,
		Hist: &HistStats{
			Count: len(values),
			Min:   floats.Min(values),
			Max:   floats.Max(values),
			Mean:  mean,
			Std:   std,
		},
	})
}

func (w *Writer) write(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close flushes and closes the event file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
