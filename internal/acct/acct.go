// Package acct implements TORQUE-compatible accounting records.
//
// Accounting records are written to YYYYMMDD-named files in the
// server_priv/accounting/ directory. Each line follows the format:
//
//	MM/DD/YYYY HH:MM:SS;TYPE;JOB_ID;key=value key=value ...
//
// The server writes two record types:
//   - R  Job rerun (requeued for another execution)
//   - E  Job ended (execution completed, resources released)
package acct

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/pbs-rerun/pkg/pbslog"
)

// Record types matching C TORQUE PBS_ACCT_* constants.
const (
	RecordEnd   = "E" // Job ended
	RecordRerun = "R" // Job rerun
)

// Logger writes TORQUE-format accounting records.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
	logger *zap.Logger
}

// NewLogger creates an accounting logger that writes to dir/YYYYMMDD files.
func NewLogger(dir string, logger *zap.Logger) (*Logger, error) {
	dl, err := pbslog.New(dir)
	if err != nil {
		return nil, errors.Wrap(err, "acct")
	}
	l := NewWriterLogger(dl, time.Now, logger)
	l.closer = dl
	return l, nil
}

// NewWriterLogger creates an accounting logger over w.
func NewWriterLogger(w io.Writer, now func() time.Time, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Logger{w: w, now: now, logger: logger.With(zap.String("component", "acct"))}
}

// Close closes the underlying log file.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Record writes a single accounting record.
// Format: MM/DD/YYYY HH:MM:SS;TYPE;JOB_ID;message
func (l *Logger) Record(recType, jobID, message string) {
	ts := l.now().Format("01/02/2006 15:04:05")
	line := fmt.Sprintf("%s;%s;%s;%s\n", ts, recType, jobID, message)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.w, line); err != nil {
		l.logger.Error("failed to write accounting record",
			zap.String("type", recType), zap.String("job", jobID), zap.Error(err))
	}
}

// JobInfo holds job metadata used to build accounting record messages.
type JobInfo struct {
	User       string // Job owner (user@host -> user)
	JobName    string // Job_Name
	Queue      string // Queue name
	CreateTime int64  // ctime (Unix timestamp)
	QueueTime  int64  // qtime (Unix timestamp)
	StartTime  int64  // start (Unix timestamp)
	EndTime    int64  // end (Unix timestamp, for E records)
	ExitStatus int    // Exit_status
	ExecHost   string // exec_host (node/slot assignments)

	// Requested resources (Resource_List.*)
	ResourceReq map[string]string
}

// extractUser strips "@host" from "user@host" format.
func extractUser(owner string) string {
	if idx := strings.Index(owner, "@"); idx >= 0 {
		return owner[:idx]
	}
	return owner
}

// RecordRerun writes an R record when a job is requeued for execution.
func (l *Logger) RecordRerun(jobID string, info *JobInfo) {
	msg := fmt.Sprintf("user=%s jobname=%s queue=%s ctime=%d qtime=%d",
		extractUser(info.User), info.JobName, info.Queue,
		info.CreateTime, info.QueueTime)
	if info.ExecHost != "" {
		msg += " exec_host=" + info.ExecHost
	}
	msg += formatResourceReq(info.ResourceReq)

	l.Record(RecordRerun, jobID, msg)
}

// RecordEnded writes an E record when a job completes execution.
func (l *Logger) RecordEnded(jobID string, info *JobInfo) {
	msg := fmt.Sprintf("user=%s jobname=%s queue=%s ctime=%d qtime=%d start=%d end=%d Exit_status=%d",
		extractUser(info.User), info.JobName, info.Queue,
		info.CreateTime, info.QueueTime, info.StartTime, info.EndTime, info.ExitStatus)
	if info.ExecHost != "" {
		msg += " exec_host=" + info.ExecHost
	}
	msg += formatResourceReq(info.ResourceReq)

	l.Record(RecordEnd, jobID, msg)
}

// formatResourceReq formats requested resources as " Resource_List.key=value" pairs.
func formatResourceReq(req map[string]string) string {
	if len(req) == 0 {
		return ""
	}
	keys := make([]string, 0, len(req))
	for k := range req {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, " Resource_List.%s=%s", k, req[k])
	}
	return sb.String()
}
