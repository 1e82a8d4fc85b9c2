package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_ExitCodes(t *testing.T) {
	tests := map[string]struct {
		args       []string
		want       int
		wantStderr string
	}{
		"no job ids":         {args: nil, want: 1},
		"unknown flag":       {args: []string{"-x", "1.srv"}, want: 1},
		"server unreachable": {args: []string{"-s", "127.0.0.1:1", "1.srv"}, want: 2, wantStderr: "qrerun: cannot connect to server: connect to 127.0.0.1:1"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv("PBS_HOME", t.TempDir())
			var stderr bytes.Buffer
			assert.Equal(t, tc.want, run(tc.args, &stderr))
			assert.Contains(t, stderr.String(), tc.wantStderr)
		})
	}
}
