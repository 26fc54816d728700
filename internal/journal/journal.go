package journal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/scrap/internal/ndjson"
)

// Kind names a correlation lifecycle transition
type Kind string

const (
	KindRegistered         Kind = "registered"
	KindDispatched         Kind = "dispatched"
	KindDispatchFailed     Kind = "dispatch_failed"
	KindResolvedByPoll     Kind = "resolved_by_poll"
	KindResolvedByCallback Kind = "resolved_by_callback"
	KindTimedOut           Kind = "timed_out"
	KindAbandoned          Kind = "abandoned"
	KindExpired            Kind = "expired"
)

// Record is one line of the journal
type Record struct {
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id"`
	Kind      Kind      `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// Journal is an append-only NDJSON log of correlation lifecycle records
type Journal struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// Open opens (or creates) the journal at path for appending
func Open(path string, logger *slog.Logger) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Record appends rec. Failures are logged rather than returned: the journal
// is an audit trail and must never fail a request.
func (j *Journal) Record(rec Record) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if err := j.encoder.Encode(rec); err != nil {
		j.logger.Warn("failed to write journal record",
			"request_id", rec.RequestID,
			"kind", rec.Kind,
			"error", err)
	}
}

// Close closes the journal file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Read returns the records in r, keeping only those for requestID when it is
// not empty
func Read(r io.Reader, requestID string, logger *slog.Logger) ([]Record, error) {
	decoder := ndjson.NewDecoder(r, logger)
	var records []Record
	for {
		var rec Record
		err := decoder.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		if requestID == "" || rec.RequestID == requestID {
			records = append(records, rec)
		}
	}
}
