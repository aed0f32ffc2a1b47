package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var ErrAlreadyRunning = errors.New("another report run is in progress")

// RunInfo describes the current (or most recent) run
type RunInfo struct {
	PID           int       `json:"pid"`
	RunID         string    `json:"run_id"`
	StartTime     time.Time `json:"start_time"`
	CurrentReport string    `json:"current_report,omitempty"`
	Completed     int       `json:"completed"`
	Total         int       `json:"total"`
	Finished      bool      `json:"finished"`
	LastUpdate    time.Time `json:"last_update"`
}

// stateDir is where the PID and run info files live
func stateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".report-uploader")
}

// GetPIDFilePath returns the path to the PID file
func GetPIDFilePath() string {
	return filepath.Join(stateDir(), "report-uploader.pid")
}

// GetRunFilePath returns the path to the run info file
func GetRunFilePath() string {
	return filepath.Join(stateDir(), "current_run.json")
}

// WritePIDFile writes the current process PID to a file
func WritePIDFile() error {
	if err := os.MkdirAll(stateDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(GetPIDFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// RemovePIDFile removes the PID file
func RemovePIDFile() error {
	return os.Remove(GetPIDFilePath())
}

// ReadPIDFile reads the PID from file
func ReadPIDFile() (int, error) {
	data, err := os.ReadFile(GetPIDFilePath())
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without affecting the process
	return process.Signal(syscall.Signal(0)) == nil
}

// WriteRunInfo writes run information to file
func WriteRunInfo(info *RunInfo) error {
	if err := os.MkdirAll(stateDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}
	return os.WriteFile(GetRunFilePath(), data, 0o600)
}

// ReadRunInfo reads run information from file
func ReadRunInfo() (*RunInfo, error) {
	data, err := os.ReadFile(GetRunFilePath())
	if err != nil {
		return nil, err
	}

	var info RunInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run info: %w", err)
	}
	return &info, nil
}

// currentRun is the run info of this process, nil when no run holds the lock
var currentRun *RunInfo

// acquireRunLock refuses to start while another live process holds the PID
// file. A stale PID file from a crashed run is taken over.
func acquireRunLock(runID string) (func(), error) {
	if pid, err := ReadPIDFile(); err == nil && pid != os.Getpid() && IsProcessRunning(pid) {
		return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	if err := WritePIDFile(); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}

	currentRun = &RunInfo{
		PID:       os.Getpid(),
		RunID:     runID,
		StartTime: time.Now(),
	}
	_ = WriteRunInfo(currentRun)

	return func() {
		if currentRun != nil {
			currentRun.Finished = true
			currentRun.CurrentReport = ""
			_ = WriteRunInfo(currentRun)
			currentRun = nil
		}
		_ = RemovePIDFile()
	}, nil
}

// updateRunInfo records which report is being processed
func updateRunInfo(label string, done, total int) {
	if currentRun == nil {
		return
	}
	currentRun.CurrentReport = label
	currentRun.Completed = done
	currentRun.Total = total
	_ = WriteRunInfo(currentRun)
}

// printStatus writes a summary of the current or last run to w
func printStatus(w io.Writer) error {
	info, err := ReadRunInfo()
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(w, infoStyle.Render("No runs recorded"))
		return nil
	}
	if err != nil {
		return err
	}

	state := "finished"
	if !info.Finished {
		state = "stopped unexpectedly"
		if IsProcessRunning(info.PID) {
			state = "running"
		}
	}

	fmt.Fprintln(w, titleStyle.Render("Report Uploader"))
	fmt.Fprintf(w, "Run:       %s (%s)\n", info.RunID, state)
	fmt.Fprintf(w, "PID:       %d\n", info.PID)
	fmt.Fprintf(w, "Started:   %s\n", info.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Progress:  %d/%d reports\n", info.Completed, info.Total)
	if info.CurrentReport != "" {
		fmt.Fprintf(w, "Current:   %s\n", info.CurrentReport)
	}
	fmt.Fprintf(w, "Updated:   %s\n", info.LastUpdate.Format("2006-01-02 15:04:05"))
	return nil
}
