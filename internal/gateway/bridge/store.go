package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	stateFile = "session.json"
	pidFile   = "helper.pid"
)

// SessionState is the paired session persisted between restarts.
type SessionState struct {
	Token    string    `json:"token"`
	PairedAt time.Time `json:"paired_at"`
}

func validEndpointID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("bridge: invalid endpoint id %q", id)
	}
	return nil
}

func loadState(dir string) (*SessionState, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: read session state: %w", err)
	}
	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("bridge: decode session state: %w", err)
	}
	return &st, nil
}

// saveState writes through a temp file so a crash never leaves half a token.
func saveState(dir string, st SessionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("bridge: encode session state: %w", err)
	}
	tmp := filepath.Join(dir, stateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("bridge: write session state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, stateFile)); err != nil {
		return fmt.Errorf("bridge: commit session state: %w", err)
	}
	return nil
}

func removeState(dir string) error {
	err := os.Remove(filepath.Join(dir, stateFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("bridge: remove session state: %w", err)
	}
	return nil
}

func readPID(dir string) int {
	data, err := os.ReadFile(filepath.Join(dir, pidFile))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func writePID(dir string, pid int) error {
	if err := os.WriteFile(filepath.Join(dir, pidFile), []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("bridge: write pid file: %w", err)
	}
	return nil
}

func removePID(dir string) {
	os.Remove(filepath.Join(dir, pidFile))
}
