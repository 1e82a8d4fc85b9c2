package acct

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixed = time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)

func TestRecordRerun(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, func() time.Time { return fixed }, nil)

	l.RecordRerun("12.srv", &JobInfo{
		User:        "alice@login1",
		JobName:     "sim",
		Queue:       "batch",
		CreateTime:  100,
		QueueTime:   200,
		ExecHost:    "n1/0",
		ResourceReq: map[string]string{"ncpus": "2", "mem": "1gb"},
	})

	assert.Equal(t,
		"05/06/2024 07:08:09;R;12.srv;user=alice jobname=sim queue=batch ctime=100 qtime=200 exec_host=n1/0 Resource_List.mem=1gb Resource_List.ncpus=2\n",
		buf.String())
}

func TestRecordEnded(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, func() time.Time { return fixed }, nil)

	l.RecordEnded("3.srv", &JobInfo{User: "bob", Queue: "batch", StartTime: 5, EndTime: 9, ExitStatus: 1})
	assert.Equal(t,
		"05/06/2024 07:08:09;E;3.srv;user=bob jobname= queue=batch ctime=0 qtime=0 start=5 end=9 Exit_status=1\n",
		buf.String())
}

func TestNewLogger_WritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, nil)
	require.NoError(t, err)

	l.Record(RecordRerun, "1.srv", "user=x")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("20060102")))
	require.NoError(t, err)
	assert.Contains(t, string(data), ";R;1.srv;user=x")
}
