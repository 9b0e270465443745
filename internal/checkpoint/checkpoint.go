package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gradflow/internal/model"
)

// Saver writes epoch snapshots of model parameters into a directory,
// keeping only the newest Keep files with the configured prefix.
type Saver struct {
	Dir      string
	Prefix   string
	Interval int
	Keep     int
}

type paramData struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

type snapshot struct {
	Epoch  int                  `json:"epoch"`
	Params map[string]paramData `json:"params"`
}

// ShouldSave reports whether the given epoch is a snapshot epoch.
func (s *Saver) ShouldSave(epoch int) bool {
	if s == nil || s.Dir == "" || s.Interval <= 0 {
		return false
	}
	return epoch%s.Interval == 0
}

// Save writes a snapshot for epoch and prunes old files. The write is
// atomic: a temp file is renamed into place.
func (s *Saver) Save(epoch int, params []*model.Param) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	snap := snapshot{Epoch: epoch, Params: make(map[string]paramData, len(params))}
	for _, p := range params {
		rows, cols := p.Value.Dims()
		data := make([]float64, 0, rows*cols)
		for i := 0; i < rows; i++ {
			data = append(data, p.Value.RawRowView(i)...)
		}
		snap.Params[p.Name] = paramData{Rows: rows, Cols: cols, Data: data}
	}

	path := filepath.Join(s.Dir, fmt.Sprintf("%s_model_%d.json", s.Prefix, epoch))
	tmp, err := os.CreateTemp(s.Dir, s.Prefix+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp checkpoint: %w", err)
	}
	enc := json.NewEncoder(tmp)
	if err := enc.Encode(snap); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename checkpoint: %w", err)
	}

	if err := s.prune(); err != nil {
		return path, err
	}
	return path, nil
}

// prune removes snapshots beyond the newest Keep, ordered by epoch.
func (s *Saver) prune() error {
	if s.Keep <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(s.Dir, s.Prefix+"_model_*.json"))
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	type entry struct {
		path  string
		epoch int
	}
	entries := make([]entry, 0, len(matches))
	for _, path := range matches {
		epoch, ok := epochFromPath(path, s.Prefix)
		if !ok {
			continue
		}
		entries = append(entries, entry{path: path, epoch: epoch})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].epoch > entries[j].epoch })
	for _, e := range entries[min(s.Keep, len(entries)):] {
		if err := os.Remove(e.path); err != nil {
			return fmt.Errorf("prune checkpoint: %w", err)
		}
	}
	return nil
}

// Load restores parameters by name from a snapshot file.
func Load(path string, params []*model.Param) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return 0, fmt.Errorf("parse checkpoint: %w", err)
	}
	for _, p := range params {
		pd, ok := snap.Params[p.Name]
		if !ok {
			return 0, fmt.Errorf("checkpoint missing parameter %q", p.Name)
		}
		rows, cols := p.Value.Dims()
		if pd.Rows != rows || pd.Cols != cols {
			return 0, fmt.Errorf("parameter %q: checkpoint is %dx%d, model is %dx%d",
				p.Name, pd.Rows, pd.Cols, rows, cols)
		}
		if len(pd.Data) != rows*cols {
			return 0, fmt.Errorf("parameter %q: checkpoint has %d values, want %d",
				p.Name, len(pd.Data), rows*cols)
		}
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				p.Value.Set(i, j, pd.Data[i*cols+j])
			}
		}
	}
	return snap.Epoch, nil
}

func epochFromPath(path, prefix string) (int, bool) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".json")
	idx := strings.LastIndex(base, "_")
	if idx < 0 || !strings.HasPrefix(base, prefix+"_model_") {
		return 0, false
	}
	epoch, err := strconv.Atoi(base[idx+1:])
	if err != nil {
		return 0, false
	}
	return epoch, true
}
