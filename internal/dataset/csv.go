package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// Sample is one labeled feature vector.
type Sample struct {
	Features []float64
	Label    int
}

// Splits holds the dataset partitioned by the corpus split column.
type Splits struct {
	Train []Sample
	Val   []Sample
	Test  []Sample
}

// Split names accepted in the corpus split column.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// LoadCSV reads a corpus file of `split,label,f0,f1,...` rows, parsing
// rows across workers. Row order within each split is preserved.
func LoadCSV(path string, workers int) (*Splits, error) {
	if workers <= 0 {
		workers = 1
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("dataset: empty corpus")
	}

	type parsed struct {
		split  string
		sample Sample
		err    error
	}
	out := make([]parsed, len(records))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				split, sample, err := parseRow(records[i])
				out[i] = parsed{split: split, sample: sample, err: err}
			}
		}()
	}
	for i := range records {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	splits := &Splits{}
	dim := -1
	for i, p := range out {
		if p.err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, p.err)
		}
		if dim == -1 {
			dim = len(p.sample.Features)
		} else if len(p.sample.Features) != dim {
			return nil, fmt.Errorf("row %d: got %d features, want %d", i+1, len(p.sample.Features), dim)
		}
		switch p.split {
		case SplitTrain:
			splits.Train = append(splits.Train, p.sample)
		case SplitVal:
			splits.Val = append(splits.Val, p.sample)
		case SplitTest:
			splits.Test = append(splits.Test, p.sample)
		default:
			return nil, fmt.Errorf("row %d: unknown split %q", i+1, p.split)
		}
	}
	if len(splits.Train) == 0 {
		return nil, errors.New("dataset: no training samples")
	}
	return splits, nil
}

// FeatureDim returns the feature vector length, or 0 for an empty split
// set.
func (s *Splits) FeatureDim() int {
	if len(s.Train) == 0 {
		return 0
	}
	return len(s.Train[0].Features)
}

// CheckLabels verifies every label names a class in [0, numClasses).
// Labels equal to maskIndex are exempt; maskIndex < 0 disables the
// exemption.
func (s *Splits) CheckLabels(numClasses, maskIndex int) error {
	check := func(split string, samples []Sample) error {
		for i, sample := range samples {
			if sample.Label >= 0 && sample.Label < numClasses {
				continue
			}
			if maskIndex >= 0 && sample.Label == maskIndex {
				continue
			}
			return fmt.Errorf("%s sample %d: label %d out of range for %d classes",
				split, i+1, sample.Label, numClasses)
		}
		return nil
	}
	if err := check(SplitTrain, s.Train); err != nil {
		return err
	}
	if err := check(SplitVal, s.Val); err != nil {
		return err
	}
	return check(SplitTest, s.Test)
}

func parseRow(record []string) (string, Sample, error) {
	if len(record) < 3 {
		return "", Sample{}, fmt.Errorf("need at least 3 fields, got %d", len(record))
	}
	label, err := strconv.Atoi(record[1])
	if err != nil {
		return "", Sample{}, fmt.Errorf("parse label: %w", err)
	}
	features := make([]float64, len(record)-2)
	for i, field := range record[2:] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return "", Sample{}, fmt.Errorf("parse feature %d: %w", i, err)
		}
		features[i] = v
	}
	return record[0], Sample{Features: features, Label: label}, nil
}
