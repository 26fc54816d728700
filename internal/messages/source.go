// Package messages reads the local Messages database through the
// mac_messages_mcp helper scripts. Each query runs one short-lived
// subprocess that prints a single JSON result line.
package messages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/iambrandonn/scrap/internal/ndjson"
	"github.com/iambrandonn/scrap/internal/protocol"
)

const (
	// LatestScript prints the most recent message from one contact
	LatestScript = "get_latest_message_cli.py"
	// RecentScript prints a formatted transcript of recent messages
	RecentScript = "get_messages_cli.py"

	defaultTimeout = 30 * time.Second
)

// DefaultCommand launches the helper scripts through uv
var DefaultCommand = []string{"uv", "run", "python"}

// Runner executes name with args in dir and returns its captured output
type Runner func(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs the command as a subprocess
func ExecRunner(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Options configures a Source
type Options struct {
	Dir     string        // directory holding the helper scripts
	Command []string      // interpreter prefix, DefaultCommand when empty
	Runner  Runner        // ExecRunner when nil
	Timeout time.Duration // per-query limit, 30s when zero
	Logger  *slog.Logger
}

// Source queries the Messages helper scripts
type Source struct {
	dir     string
	command []string
	run     Runner
	timeout time.Duration
	logger  *slog.Logger
}

// NewSource creates a Source
func NewSource(opts Options) *Source {
	s := &Source{
		dir:     opts.Dir,
		command: opts.Command,
		run:     opts.Runner,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
	if len(s.command) == 0 {
		s.command = DefaultCommand
	}
	if s.run == nil {
		s.run = ExecRunner
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// FetchLatest returns the newest message exchanged with identity in the last
// windowHours. Failures are reported in the result, never as a Go error.
func (s *Source) FetchLatest(ctx context.Context, identity string, windowHours int) protocol.FetchResult {
	if windowHours < 1 {
		windowHours = 1
	}

	stdout, stderr, runErr := s.invoke(ctx, LatestScript, identity, strconv.Itoa(windowHours))

	var msg protocol.LatestMessage
	if err := ndjson.NewDecoder(bytes.NewReader(stdout), s.logger).DecodeLast(&msg); err != nil {
		return protocol.Failed(describeFailure(runErr, stderr, err))
	}
	return msg.Normalize()
}

// FetchRecent returns the formatted transcript of the last hours of
// messages, optionally filtered to one contact.
func (s *Source) FetchRecent(ctx context.Context, hours int, contact string) (string, error) {
	args := []string{strconv.Itoa(hours)}
	if contact = strings.TrimSpace(contact); contact != "" {
		args = append(args, contact)
	}

	stdout, stderr, runErr := s.invoke(ctx, RecentScript, args...)

	var result protocol.RecentMessages
	if err := ndjson.NewDecoder(bytes.NewReader(stdout), s.logger).DecodeLast(&result); err != nil {
		return "", errors.New(describeFailure(runErr, stderr, err))
	}
	if !result.OK {
		if result.Error != "" {
			return "", errors.New(result.Error)
		}
		return "", errors.New(describeFailure(runErr, stderr, nil))
	}
	return result.Messages, nil
}

func (s *Source) invoke(ctx context.Context, script string, args ...string) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	argv := append(append(append([]string{}, s.command[1:]...), script), args...)
	s.logger.Debug("running messages helper", "dir", s.dir, "cmd", s.command[0], "args", argv)

	stdout, stderr, err := s.run(ctx, s.dir, s.command[0], argv...)
	if err != nil {
		s.logger.Debug("messages helper exited with error",
			"script", script,
			"error", err,
			"stderr", strings.TrimSpace(string(stderr)))
	}
	return stdout, stderr, err
}

// describeFailure picks the most useful explanation: stderr, then the exit
// error, then the decode error.
func describeFailure(runErr error, stderr []byte, decodeErr error) string {
	if text := strings.TrimSpace(string(stderr)); text != "" {
		return text
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return fmt.Sprintf("exit code %d", exitErr.ExitCode())
	}
	if runErr != nil {
		return runErr.Error()
	}
	if decodeErr != nil {
		return decodeErr.Error()
	}
	return "unknown failure"
}
