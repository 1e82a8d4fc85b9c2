package batch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	code int
	text string
}

type recordingSink struct {
	replies []reply
}

func (s *recordingSink) SendReply(code int, text string) error {
	s.replies = append(s.replies, reply{code: code, text: text})
	return nil
}

func TestRequest_AckSendsOnce(t *testing.T) {
	sink := &recordingSink{}
	req := New(14, sink, nil)

	assert.True(t, req.Ack())
	assert.False(t, req.Ack())
	assert.False(t, req.Reject(15018))

	require.Len(t, sink.replies, 1)
	assert.Equal(t, 0, sink.replies[0].code)
	assert.True(t, req.Sent())
}

func TestRequest_HoldDefersReply(t *testing.T) {
	sink := &recordingSink{}
	req := New(14, sink, nil)

	req.Hold()
	assert.False(t, req.Reject(15004))
	assert.Empty(t, sink.replies)

	assert.True(t, req.Drop())
	require.Len(t, sink.replies, 1)
	assert.Equal(t, 15004, sink.replies[0].code)
	assert.Equal(t, 0, req.Refct())
}

func TestRequest_CloneFanIn(t *testing.T) {
	tests := map[string]struct {
		childCodes []int
		wantCode   int
	}{
		"all succeed":      {childCodes: []int{0, 0, 0}, wantCode: 0},
		"one fails":        {childCodes: []int{0, 15018, 0}, wantCode: 15018},
		"first error wins": {childCodes: []int{15017, 15018}, wantCode: 15017},
		"no children":      {childCodes: nil, wantCode: 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			sink := &recordingSink{}
			parent := New(14, sink, nil)
			parent.Hold()

			var children []*Request
			for i := range tc.childCodes {
				children = append(children, parent.Clone(fmt.Sprintf("1[%d].srv", i)))
			}
			assert.Equal(t, len(tc.childCodes)+1, parent.Refct())

			// The protective hold goes first; children answer later.
			parent.Drop()
			for i, c := range children {
				c.Reject(tc.childCodes[i])
			}

			require.Len(t, sink.replies, 1)
			assert.Equal(t, tc.wantCode, sink.replies[0].code)
			assert.Equal(t, 0, parent.Refct())
		})
	}
}

func TestRequest_CloneCopiesRequester(t *testing.T) {
	conn := NewConn("10.0.0.1:1022")
	parent := New(14, &recordingSink{}, nil)
	parent.User, parent.Host, parent.Perm = "admin", "head", PermManager
	parent.Extend = ExtendForce
	parent.Conn = conn

	child := parent.Clone("7[2].srv")
	assert.Equal(t, "7[2].srv", child.JobID)
	assert.Equal(t, PermManager, child.Perm)
	assert.True(t, child.Forced())
	assert.Same(t, conn, child.Conn)
	assert.NotEqual(t, parent.ID, child.ID)
}

func TestRequest_DropUnderflowIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	req := New(14, sink, nil)
	assert.False(t, req.Drop())
	assert.Empty(t, sink.replies)
}

func TestConn_NoTimeout(t *testing.T) {
	var local *Conn
	local.SetNoTimeout(true)
	assert.False(t, local.NoTimeout())

	c := NewConn("peer")
	c.SetNoTimeout(true)
	assert.True(t, c.NoTimeout())
	c.SetNoTimeout(false)
	assert.False(t, c.NoTimeout())
}
