// Package reminder tracks when the weekly recap primer last ran and nudges
// the user when it is overdue.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/iambrandonn/scrap/internal/fsutil"
)

// DefaultIntervalDays applies when POKE_REMIND_DAYS is unset
const DefaultIntervalDays = 3

// NotificationTitle is shown on every reminder
const NotificationTitle = "Poke recap reminder"

// State is the persisted reminder file
type State struct {
	IntervalDays int        `json:"interval_days"`
	LastRunUTC   *time.Time `json:"last_run_utc"`
}

// Store reads and writes State at a fixed path
type Store struct {
	path        string
	defaultDays int
	logger      *slog.Logger
}

// NewStore creates a Store. defaultDays fills in a missing interval; a nil
// logger uses slog.Default.
func NewStore(path string, defaultDays int, logger *slog.Logger) *Store {
	if defaultDays < 1 {
		defaultDays = DefaultIntervalDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, defaultDays: defaultDays, logger: logger}
}

// Path returns the state file location
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored state. A missing or unreadable file yields the
// default interval and no last run.
func (s *Store) Load() State {
	state := State{IntervalDays: s.defaultDays}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("reminder state unreadable, using defaults", "path", s.path, "error", err)
		}
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Debug("reminder state corrupt, using defaults", "path", s.path, "error", err)
		return State{IntervalDays: s.defaultDays}
	}
	if state.IntervalDays < 1 {
		state.IntervalDays = s.defaultDays
	}
	return state
}

// RecordRun stores a run at now with the given interval
func (s *Store) RecordRun(now time.Time, intervalDays int) error {
	if intervalDays < 1 {
		return fmt.Errorf("reminder interval must be at least 1 day, got %d", intervalDays)
	}
	last := now.UTC()
	state := State{IntervalDays: intervalDays, LastRunUTC: &last}
	if err := fsutil.AtomicWriteJSON(s.path, state); err != nil {
		return fmt.Errorf("failed to save reminder state: %w", err)
	}
	return nil
}

// Status is the outcome of Check
type Status struct {
	Due          bool
	NeverRun     bool
	DaysSince    int
	IntervalDays int
}

// Check reports whether the recap is overdue at now: it has never run, or
// at least IntervalDays have passed since the last run.
func Check(state State, now time.Time) Status {
	st := Status{IntervalDays: state.IntervalDays}
	if state.LastRunUTC == nil {
		st.Due = true
		st.NeverRun = true
		return st
	}
	days := now.Sub(*state.LastRunUTC).Hours() / 24
	st.DaysSince = int(days)
	st.Due = days >= float64(state.IntervalDays)
	return st
}

// Message is the notification body for a due status
func (st Status) Message(runHint string) string {
	if st.NeverRun {
		return fmt.Sprintf("You haven't run the 7-day recap yet. Set to remind every %d day(s). Run: %s", st.IntervalDays, runHint)
	}
	return fmt.Sprintf("It's been %d days since your last 7-day recap (remind every %d). Run: %s", st.DaysSince, st.IntervalDays, runHint)
}

// CommandRunner runs a notification command
type CommandRunner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Notifier shows desktop notifications through osascript and falls back to
// writing a line to Fallback when that fails
type Notifier struct {
	Run      CommandRunner
	Fallback io.Writer
	Logger   *slog.Logger
}

// Notify shows title and body to the user
func (n Notifier) Notify(ctx context.Context, title, body string) {
	run := n.Run
	if run == nil {
		run = execRunner
	}
	fallback := n.Fallback
	if fallback == nil {
		fallback = os.Stderr
	}
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}

	script := fmt.Sprintf(`display notification "%s" with title "%s"`, quote(body), quote(title))
	if err := run(ctx, "osascript", "-e", script); err != nil {
		logger.Debug("desktop notification failed", "error", err)
		fmt.Fprintf(fallback, "[%s] %s\n", title, body)
	}
}

// quote keeps text inside an AppleScript string literal
func quote(s string) string {
	return strings.ReplaceAll(s, `"`, `'`)
}
