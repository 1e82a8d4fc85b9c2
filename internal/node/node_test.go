package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseExecHost(t *testing.T) {
	tests := map[string]struct {
		execHost  string
		wantHosts []string
		wantSlots map[string]int
	}{
		"empty":      {execHost: "", wantSlots: map[string]int{}},
		"one slot":   {execHost: "n1/0", wantHosts: []string{"n1"}, wantSlots: map[string]int{"n1": 1}},
		"multi host": {execHost: "n1/0+n1/1+n2/0", wantHosts: []string{"n1", "n2"}, wantSlots: map[string]int{"n1": 2, "n2": 1}},
		"bare host":  {execHost: "n3", wantHosts: []string{"n3"}, wantSlots: map[string]int{"n3": 1}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			hosts, slots := ParseExecHost(tc.execHost)
			assert.Equal(t, tc.wantHosts, hosts)
			assert.Equal(t, tc.wantSlots, slots)
		})
	}
}

func TestManager_AssignRelease(t *testing.T) {
	m := NewManager(nil)
	n1 := m.AddNode("n1", 2)
	n2 := m.AddNode("n2", 4)
	assert.Same(t, n1, m.AddNode("n1", 8))
	assert.Equal(t, 2, m.NodeCount())

	m.AssignExecHost("n1/0+n1/1+n2/0", "1.srv")
	assert.Equal(t, 2, n1.SlotsUsed)
	assert.Equal(t, "job-exclusive", n1.StateName())
	assert.Equal(t, 3, n2.AvailableSlots())

	assert.Equal(t, 3, m.ReleaseExecHost("n1/0+n1/1+n2/0+n9/0", "1.srv"))
	assert.Equal(t, 0, n1.SlotsUsed)
	assert.Equal(t, "free", n1.StateName())
	assert.Empty(t, n2.AssignedJobs)

	assert.Equal(t, 0, m.ReleaseExecHost("n1/0", "1.srv"))
}

func TestManager_MomAddress(t *testing.T) {
	m := NewManager(nil)
	m.AddNode("n1", 1).MomPort = 16002
	m.AddNode("n2", 1)

	addr, ok := m.MomAddress("n1/0", 15002)
	assert.True(t, ok)
	assert.Equal(t, "n1:16002", addr)

	addr, ok = m.MomAddress("n2/0+n1/0", 15002)
	assert.True(t, ok)
	assert.Equal(t, "n2:15002", addr)

	_, ok = m.MomAddress("", 15002)
	assert.False(t, ok)
}
