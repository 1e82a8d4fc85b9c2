package momclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentorque/pbs-rerun/internal/dis"
)

type received struct {
	reqType int
	user    string
	jobID   string
	arg     string
}

// fakeMom answers one request per connection with code, or hangs up
// without answering when code is negative.
func fakeMom(t *testing.T, code int) (string, <-chan received) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan received, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := dis.NewReader(conn)
				proto, err := r.ReadUint()
				if err != nil {
					return
				}
				hdr, err := dis.ReadRequestHeader(r, int(proto))
				if err != nil {
					return
				}
				rec := received{reqType: hdr.ReqType, user: hdr.User}
				switch hdr.ReqType {
				case dis.BatchReqSignalJob:
					rec.jobID, _ = r.ReadString()
					rec.arg, _ = r.ReadString()
					_, _ = dis.ReadReqExtend(r)
				case dis.BatchReqDeleteJob:
					rec.jobID, rec.arg, _ = dis.ReadJobIDBody(r)
				}
				got <- rec
				if code >= 0 {
					_ = dis.WriteReply(dis.NewWriter(conn), dis.NewReply(code, ""))
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), got
}

func newTestClient() *Client {
	c := New("headnode", nil)
	c.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	c.ReplyTimeout = 2 * time.Second
	return c
}

func TestSignalJob_DeliversReplyCode(t *testing.T) {
	tests := map[string]struct {
		momCode  int
		wantCode int
	}{
		"accepted":    {momCode: 0, wantCode: 0},
		"unknown job": {momCode: dis.PbseUnkjobid, wantCode: dis.PbseUnkjobid},
		"no reply":    {momCode: -1, wantCode: dis.PbseProtocol},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			addr, got := fakeMom(t, tc.momCode)
			c := newTestClient()

			codes := make(chan int, 1)
			err := c.SignalJob(context.Background(), addr, "7.srv", dis.SignalRerun, func(code int) { codes <- code })
			require.NoError(t, err)

			rec := <-got
			assert.Equal(t, dis.BatchReqSignalJob, rec.reqType)
			assert.Equal(t, "headnode", rec.user)
			assert.Equal(t, "7.srv", rec.jobID)
			assert.Equal(t, dis.SignalRerun, rec.arg)

			select {
			case code := <-codes:
				assert.Equal(t, tc.wantCode, code)
			case <-time.After(5 * time.Second):
				t.Fatal("reply handler not called")
			}
		})
	}
}

func TestSignalJob_UnreachableMom(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	called := false
	err = newTestClient().SignalJob(context.Background(), addr, "7.srv", dis.SignalRerun, func(int) { called = true })
	assert.Error(t, err)
	assert.False(t, called)
}

func TestDeleteJob(t *testing.T) {
	tests := map[string]struct {
		momCode int
		wantErr bool
	}{
		"deleted":      {momCode: 0},
		"already gone": {momCode: dis.PbseUnkjobid},
		"refused":      {momCode: dis.PbsePerm, wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			addr, got := fakeMom(t, tc.momCode)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := newTestClient().DeleteJob(ctx, addr, "9[1].srv", "Force rerun")
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			rec := <-got
			assert.Equal(t, dis.BatchReqDeleteJob, rec.reqType)
			assert.Equal(t, "9[1].srv", rec.jobID)
			assert.Equal(t, "Force rerun", rec.arg)
		})
	}
}
