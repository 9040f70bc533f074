package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// CallLog appends one YAML sequence item per assistant turn to a single file,
// per spec §3.9 / §6.2 (/data/all/call_logs.yml). Entries are written
// already-parsed (function name + structured parameters), per the §9
// redesign note forbidding re-parsing of f-string-shaped argument strings
// downstream.
type CallLog struct {
	path string
	mu   sync.Mutex
}

// NewCallLog opens (creating if absent) the append-only log at path.
func NewCallLog(path string) (*CallLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create call log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}
	f.Close()
	return &CallLog{path: path}, nil
}

// Append writes one entry as a one-item YAML sequence, so the file as a
// whole parses as a single list of entries.
func (c *CallLog) Append(entry CallLogEntry) error {
	data, err := yaml.Marshal([]CallLogEntry{entry})
	if err != nil {
		return fmt.Errorf("marshal call log entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open call log for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append call log entry: %w", err)
	}
	return nil
}
