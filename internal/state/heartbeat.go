package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultStaleAfter is how old a heartbeat may get before the worker is presumed dead.
const DefaultStaleAfter = 30 * time.Second

// WorkerHeartbeat is the on-disk liveness record. The worker process is its only writer.
type WorkerHeartbeat struct {
	WorkerRunning bool       `json:"worker_running"`
	CurrentCycle  int64      `json:"current_cycle"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	LastCycleTime *time.Time `json:"last_cycle_time"`
}

// Health is a liveness verdict for the worker.
type Health struct {
	WorkerRunning bool
	// Source is "heartbeat" when the file decided the verdict, "in-process" otherwise.
	Source    string
	Heartbeat *WorkerHeartbeat
	Age       time.Duration
}

const (
	SourceHeartbeat = "heartbeat"
	SourceInProcess = "in-process"
)

// WriteHeartbeat writes hb to path via a temp file and rename, so readers
// never observe a half-written file on the same filesystem.
func WriteHeartbeat(path string, hb WorkerHeartbeat) error {
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create heartbeat directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp heartbeat file: %w", err)
	}
	tmpPath := tmp.Name()

	// CreateTemp makes the file owner-only; readers may run as another user.
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set heartbeat permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close heartbeat: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename heartbeat: %w", err)
	}
	return nil
}

// ReadHeartbeat loads the heartbeat at path.
func ReadHeartbeat(path string) (*WorkerHeartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hb WorkerHeartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("failed to parse heartbeat: %w", err)
	}
	if hb.LastHeartbeat.IsZero() {
		return nil, fmt.Errorf("heartbeat %s has no timestamp", path)
	}
	return &hb, nil
}

// CheckHealth decides whether the worker is alive. A heartbeat older than
// staleAfter means not running, whatever the in-process flag says. A missing or
// unreadable file falls back to fallbackRunning.
func CheckHealth(path string, staleAfter time.Duration, fallbackRunning bool, now time.Time) Health {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	hb, err := ReadHeartbeat(path)
	if err != nil {
		return Health{WorkerRunning: fallbackRunning, Source: SourceInProcess}
	}

	age := now.Sub(hb.LastHeartbeat)
	return Health{
		WorkerRunning: hb.WorkerRunning && age <= staleAfter,
		Source:        SourceHeartbeat,
		Heartbeat:     hb,
		Age:           age,
	}
}
