package event

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	InLogFile  string = "in.log"
	OutLogFile string = "out.log"
)

// Record is one line of an event log.
type Record struct {
	Time    int64  `json:"time"`
	Service string `json:"service"`
	Action  string `json:"action"`
	Data    string `json:"data"`
}

// Logs appends consumed and published events to two JSONL files. A nil
// *Logs discards everything.
type Logs struct {
	dir string

	mu  sync.Mutex
	in  *os.File
	out *os.File
}

func OpenLogs(dir string) (*Logs, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("event: create log dir: %w", err)
	}
	in, err := os.OpenFile(filepath.Join(dir, InLogFile), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	out, err := os.OpenFile(filepath.Join(dir, OutLogFile), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		in.Close()
		return nil, err
	}
	return &Logs{dir: dir, in: in, out: out}, nil
}

func (l *Logs) In(r Record) error {
	if l == nil {
		return nil
	}
	return l.write(l.in, r)
}

func (l *Logs) Out(r Record) error {
	if l == nil {
		return nil
	}
	return l.write(l.out, r)
}

func (l *Logs) write(f *os.File, r Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadIn calls fn for every record of the in-log, oldest first, and stops at
// the first error fn returns. Unreadable lines are skipped.
func (l *Logs) ReadIn(fn func(Record) error) error {
	if l == nil {
		return nil
	}
	f, err := os.Open(filepath.Join(l.dir, InLogFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return scan(f, fn)
}

func scan(r io.Reader, fn func(Record) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (l *Logs) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(l.in.Close(), l.out.Close())
}
