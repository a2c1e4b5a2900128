package eventbus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends every published event as one JSON line to path
// (.anima/logs/events.jsonl) so a restarted UI can replay history
// instead of only seeing events from the moment it subscribes.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink returns a Sink that appends to path, creating its parent
// directory if needed.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileSink{path: path}, nil
}

// Append writes ev as one compact JSON line, per spec.md §6's UTF-8,
// non-ASCII-preserved JSON convention (pretty-printing is skipped here
// deliberately: this is a machine-read append log, not a hand-edited
// record).
func (s *FileSink) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}
