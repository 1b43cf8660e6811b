package core

// Log-structured persistent backend: an in-memory btree image fronted by an
// append-only WAL, periodically folded into a snapshot. Opening replays the
// snapshot and then the WAL, so a crash between the two loses nothing that
// was synced.

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const defaultSnapshotEvery = 4096

type logEntry struct {
	Op    string `json:"op"` // "set" | "del"
	Key   string `json:"k"`
	Value string `json:"v,omitempty"`
}

// LogKV is the persistent KV backend.
type LogKV struct {
	mu            sync.Mutex
	mem           *MemoryKV
	wal           *os.File
	walPath       string
	snapshotPath  string
	snapshotEvery int
	walWrites     int
	log           *logrus.Logger
}

// OpenLogKV opens (or creates) a log-structured store in dir. The directory
// holds `store.snap` and `store.wal`.
func OpenLogKV(dir string, lg *logrus.Logger) (kv *LogKV, err error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	walPath := filepath.Join(dir, "store.wal")
	wal, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}
	defer func() {
		if err != nil {
			_ = wal.Close()
		}
	}()

	kv = &LogKV{
		mem:           NewMemoryKV(),
		wal:           wal,
		walPath:       walPath,
		snapshotPath:  filepath.Join(dir, "store.snap"),
		snapshotEvery: defaultSnapshotEvery,
		log:           lg,
	}

	if err = kv.replayFile(kv.snapshotPath); err != nil {
		return nil, err
	}
	if err = kv.replay(wal); err != nil {
		return nil, err
	}
	lg.Infof("log store opened at %s (%d keys)", dir, kv.mem.Len())
	return kv, nil
}

func (l *LogKV) replayFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return l.replay(f)
}

func (l *LogKV) replay(f *os.File) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	for scanner.Scan() {
		var e logEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("replay entry: %w", err)
		}
		key, err := base64.StdEncoding.DecodeString(e.Key)
		if err != nil {
			return fmt.Errorf("replay key: %w", err)
		}
		switch e.Op {
		case "set":
			value, err := base64.StdEncoding.DecodeString(e.Value)
			if err != nil {
				return fmt.Errorf("replay value: %w", err)
			}
			if err := l.mem.Set(context.Background(), key, value); err != nil {
				return err
			}
		case "del":
			if err := l.mem.Delete(context.Background(), key); err != nil {
				return err
			}
		default:
			return fmt.Errorf("replay: unknown op %q", e.Op)
		}
	}
	return scanner.Err()
}

func (l *LogKV) append(e logEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return engineErr(KindSerializationFailure, err)
	}
	if _, err := l.wal.Write(append(data, '\n')); err != nil {
		return engineErr(KindBackendFailure, fmt.Errorf("write WAL: %w", err))
	}
	l.walWrites++
	if l.snapshotEvery > 0 && l.walWrites >= l.snapshotEvery {
		if err := l.snapshot(); err != nil {
			l.log.Errorf("snapshot error: %v", err)
		}
	}
	return nil
}

// snapshot writes the full image and truncates the WAL.
func (l *LogKV) snapshot() error {
	tmp := l.snapshotPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	it, err := l.mem.List(context.Background(), nil, nil, false)
	if err != nil {
		f.Close()
		return err
	}
	for it.Next() {
		e := logEntry{
			Op:    "set",
			Key:   base64.StdEncoding.EncodeToString(it.Key()),
			Value: base64.StdEncoding.EncodeToString(it.Value()),
		}
		if err := enc.Encode(&e); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.snapshotPath); err != nil {
		return err
	}

	if err := l.wal.Close(); err != nil {
		return err
	}
	wal, err := os.Create(l.walPath)
	if err != nil {
		return err
	}
	l.wal = wal
	l.walWrites = 0
	l.log.Infof("snapshot saved to %s; WAL truncated", l.snapshotPath)
	return nil
}

func (l *LogKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mem.Get(ctx, key)
}

func (l *LogKV) Set(ctx context.Context, key, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.mem.Set(ctx, key, value); err != nil {
		return err
	}
	return l.append(logEntry{
		Op:    "set",
		Key:   base64.StdEncoding.EncodeToString(key),
		Value: base64.StdEncoding.EncodeToString(value),
	})
}

func (l *LogKV) Delete(ctx context.Context, key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.mem.Delete(ctx, key); err != nil {
		return err
	}
	return l.append(logEntry{Op: "del", Key: base64.StdEncoding.EncodeToString(key)})
}

func (l *LogKV) List(ctx context.Context, lower, upper []byte, reverse bool) (Iterator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mem.List(ctx, lower, upper, reverse)
}

// Sync flushes the WAL to stable storage.
func (l *LogKV) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wal.Sync()
}

// Close releases the WAL file.
func (l *LogKV) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.wal == nil {
		return nil
	}
	err := l.wal.Close()
	l.wal = nil
	return err
}
