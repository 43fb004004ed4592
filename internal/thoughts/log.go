package thoughts

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// maxLogSize rotates thoughts.log once it exceeds 16 MiB.
const maxLogSize = 16 << 20

// Log persists thoughts as JSONL, rotating to <path>.1 at the size cap.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64
}

// OpenLog opens (or creates) the thought log at path.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open thought log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat thought log: %w", err)
	}
	return &Log{path: path, file: f, size: info.Size()}, nil
}

// Append writes one event as a JSON line.
func (l *Log) Append(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode thought: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size+int64(len(data)) > maxLogSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	n, err := l.file.Write(data)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write thought: %w", err)
	}
	return nil
}

// rotate shifts the current log to <path>.1, dropping any previous shift.
func (l *Log) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close thought log: %w", err)
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate thought log: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen thought log: %w", err)
	}
	l.file = f
	l.size = 0
	return nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
