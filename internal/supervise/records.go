package supervise

import (
	"encoding/json"
	"os"
	"time"

	"modelhostd/pkg/types"
)

// Record is the persisted bookkeeping entry for one tracked process. A
// second supervisor (e.g. after an orchestrator crash) uses these to
// rediscover and re-adopt still-running backends. The file is never trusted
// over live pid/port checks.
type Record struct {
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	Backend   types.BackendKind `json:"backend"`
	Port      int               `json:"port"`
	PID       int               `json:"pid"`
	Command   string            `json:"command"`
	StartedAt time.Time         `json:"started_at"`
	URL       string            `json:"url"`
	Status    string            `json:"status"`
}

// loadRecords reads the record file. Missing or corrupt files yield an empty
// map; the records are re-creatable and non-critical.
func loadRecords(path string) map[string]Record {
	out := map[string]Record{}
	if path == "" {
		return out
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

// saveRecords writes the current bookkeeping. Best effort; caller must hold
// the supervisor mutex so the snapshot is consistent.
func (s *Supervisor) saveRecords() {
	if s.cfg.RecordPath == "" {
		return
	}
	snap := make(map[string]Record, len(s.procs))
	for name, p := range s.procs {
		snap[name] = p.rec
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(s.cfg.RecordPath, b, 0o644)
}
