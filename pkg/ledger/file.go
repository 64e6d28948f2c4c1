package ledger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"
)

// File is a Ledger stored as a newline-delimited file. Each line is
// "key<TAB>outcome<TAB>timestamp". Lines holding only a key are accepted
// when loading.
type File struct {
	mu      sync.Mutex
	f       *os.File
	keys    map[string]struct{}
	records []Record
}

// OpenFile loads the ledger at path, creating it if needed.
func OpenFile(path string) (*File, error) {
	l := &File{keys: make(map[string]struct{})}

	if err := l.load(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	l.f = f
	return l, nil
}

func (l *File) load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		rec, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		if _, dup := l.keys[rec.Key]; dup {
			continue
		}
		l.keys[rec.Key] = struct{}{}
		l.records = append(l.records, rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read ledger %s: %w", path, err)
	}
	return nil
}

func parseLine(line string) (Record, bool) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return Record{}, false
	}

	fields := strings.Split(line, "\t")
	rec := Record{Key: fields[0]}
	if len(fields) > 1 {
		rec.Outcome = Outcome(fields[1])
	}
	if len(fields) > 2 {
		if ts, err := time.Parse(time.RFC3339Nano, fields[2]); err == nil {
			rec.Timestamp = ts
		}
	}
	return rec, true
}

// Has implements Ledger.
func (l *File) Has(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok, nil
}

// Record implements Ledger. The line is synced to disk before the key
// becomes visible to Has.
func (l *File) Record(_ context.Context, rec Record) error {
	if rec.Key == "" || strings.ContainsAny(rec.Key, "\t\n") {
		return fmt.Errorf("invalid ledger key %q", rec.Key)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.keys[rec.Key]; ok {
		return ErrAlreadyRecorded
	}

	line := fmt.Sprintf("%s\t%s\t%s\n", rec.Key, rec.Outcome, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	if _, err := l.f.WriteString(line); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}

	l.keys[rec.Key] = struct{}{}
	l.records = append(l.records, rec)
	return nil
}

// List implements Ledger.
func (l *File) List(_ context.Context) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out, nil
}

// Close implements Ledger.
func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
