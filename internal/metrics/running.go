package metrics

// RunningAverage is an incrementally updated mean computed without
// storing the history of values.
type RunningAverage struct {
	value float64
	count int
}

// Add folds a new observation into the average.
func (r *RunningAverage) Add(v float64) {
	r.value += (v - r.value) / float64(r.count+1)
	r.count++
}

// Value returns the current average.
func (r *RunningAverage) Value() float64 { return r.value }

// Count returns the number of observations folded in so far.
func (r *RunningAverage) Count() int { return r.count }

// Reset clears the average for a new epoch.
func (r *RunningAverage) Reset() {
	r.value = 0
	r.count = 0
}

// Set tracks a running average per metric name.
type Set struct {
	averages map[string]*RunningAverage
}

// NewSet creates a set with one running average per name.
func NewSet(names []string) *Set {
	s := &Set{averages: make(map[string]*RunningAverage, len(names))}
	for _, name := range names {
		s.averages[name] = &RunningAverage{}
	}
	return s
}

// Add folds an observation into the named average.
func (s *Set) Add(name string, v float64) {
	if avg, ok := s.averages[name]; ok {
		avg.Add(v)
	}
}

// Values returns a snapshot of the current averages.
func (s *Set) Values() map[string]float64 {
	out := make(map[string]float64, len(s.averages))
	for name, avg := range s.averages {
		out[name] = avg.Value()
	}
	return out
}

// Reset clears every average.
func (s *Set) Reset() {
	for _, avg := range s.averages {
		avg.Reset()
	}
}
