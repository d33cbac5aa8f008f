package lock

import (
	"encoding/json"
	"os"
)

// persistAudit appends one entry to the trail file as a JSON line, keeping
// the write constant-size no matter how long the trail grows. Best effort:
// the on-disk copy is diagnostic only and loss is acceptable. Caller must
// hold l.mu.
func (l *InstanceLock) persistAudit(e AuditEntry) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	f, err := os.OpenFile(l.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(b, '\n'))
}
