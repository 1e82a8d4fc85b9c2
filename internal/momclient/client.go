// Package momclient sends the server's batch requests to pbs_mom: the
// rerun signal, whose reply arrives asynchronously, and the discard that
// tells a MOM to drop its copy of a job.
package momclient

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/pbs-rerun/internal/dis"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultReplyTimeout = 5 * time.Minute
)

// DialFunc opens a connection to a MOM.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Client talks to MOMs on behalf of the server.
type Client struct {
	serverName string
	logger     *zap.Logger

	// Dial defaults to a privileged-port dialer.
	Dial DialFunc
	// DialTimeout bounds connection setup.
	DialTimeout time.Duration
	// ReplyTimeout bounds the wait for a signal reply; an expired wait is
	// reported to the reply handler as a protocol failure.
	ReplyTimeout time.Duration
}

// New returns a client that identifies itself as serverName.
func New(serverName string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		serverName:   serverName,
		logger:       logger.With(zap.String("component", "momclient")),
		DialTimeout:  defaultDialTimeout,
		ReplyTimeout: defaultReplyTimeout,
	}
	c.Dial = c.dialPrivileged
	return c
}

// SignalJob sends signal for jobID to the MOM at addr. The request is
// written before SignalJob returns, so an unreachable MOM is reported as an
// error; the MOM's reply code is delivered later to onReply from another
// goroutine.
func (c *Client) SignalJob(ctx context.Context, addr, jobID, signal string, onReply func(code int)) error {
	conn, err := c.Dial(ctx, addr)
	if err != nil {
		return errors.Wrapf(err, "connect to mom %s", addr)
	}
	if err := dis.WriteSignalJobRequest(dis.NewWriter(conn), c.serverName, jobID, signal); err != nil {
		conn.Close()
		return errors.Wrapf(err, "send %s for %s to %s", signal, jobID, addr)
	}
	c.logger.Debug("signal sent", zap.String("job", jobID), zap.String("signal", signal), zap.String("mom", addr))

	go func() {
		defer conn.Close()
		if c.ReplyTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.ReplyTimeout))
		}
		rep, err := dis.ReadReply(dis.NewReader(conn))
		if err != nil {
			c.logger.Warn("no reply to signal", zap.String("job", jobID), zap.String("mom", addr), zap.Error(err))
			onReply(dis.PbseProtocol)
			return
		}
		onReply(rep.Code)
	}()
	return nil
}

// DeleteJob tells the MOM at addr to discard its copy of jobID and waits
// for the answer. A MOM that no longer knows the job counts as success.
func (c *Client) DeleteJob(ctx context.Context, addr, jobID, reason string) error {
	conn, err := c.Dial(ctx, addr)
	if err != nil {
		return errors.Wrapf(err, "connect to mom %s", addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := dis.WriteJobIDRequest(dis.NewWriter(conn), dis.BatchReqDeleteJob, c.serverName, jobID, reason); err != nil {
		return errors.Wrapf(err, "send delete for %s to %s", jobID, addr)
	}
	rep, err := dis.ReadReply(dis.NewReader(conn))
	if err != nil {
		return errors.Wrapf(err, "read delete reply for %s", jobID)
	}
	switch rep.Code {
	case dis.PbsErrNone, dis.PbseUnkjobid:
		return nil
	default:
		return errors.Errorf("mom %s refused delete of %s: %s (%d)", addr, jobID, dis.ErrorName(rep.Code), rep.Code)
	}
}

// dialPrivileged connects to addr from a privileged local port (< 1024).
// MOM trusts connections from privileged ports. When no privileged port can
// be bound it falls back to an ordinary connection.
func (c *Client) dialPrivileged(ctx context.Context, addr string) (net.Conn, error) {
	for port := 1023; port >= 600; port-- {
		d := net.Dialer{
			LocalAddr: &net.TCPAddr{Port: port},
			Timeout:   c.DialTimeout,
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			continue
		}
		if !errors.Is(err, syscall.EACCES) && !errors.Is(err, syscall.EPERM) {
			return nil, err
		}
		break
	}
	d := net.Dialer{Timeout: c.DialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}
