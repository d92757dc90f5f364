package jobs

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrNoJobArgs is returned when a sync job carries unreadable arguments
var ErrNoJobArgs = errors.New("jobs: no job args provided")

// Args are the persisted options of a sync job
type Args struct {
	Since   *time.Time `json:"since,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
	Managed bool       `json:"managed,omitempty"`
}

// EncodeArgs serializes args for the job_args column
func EncodeArgs(args Args) string {
	if args.Since != nil {
		since := args.Since.UTC()
		args.Since = &since
	}
	if args.Until != nil {
		until := args.Until.UTC()
		args.Until = &until
	}
	b, _ := json.Marshal(args)
	return string(b)
}

// DecodeArgs parses a job_args value. An empty value yields empty options.
// Malformed input is logged and yields nil, which callers must treat as
// ErrNoJobArgs.
func DecodeArgs(raw string, logger *slog.Logger) *Args {
	args := &Args{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), args); err != nil {
		logger.Warn("failed to decode job args", "job_args", raw, "error", err)
		return nil
	}
	return args
}
