// Package client provides a PBS batch protocol client for the commands.
// It connects to a pbs_server, sends batch requests and reads the replies.
package client

import (
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/opentorque/pbs-rerun/internal/auth"
	"github.com/opentorque/pbs-rerun/internal/dis"
)

const (
	defaultServer  = "localhost"
	defaultPort    = 15001
	defaultPBSHome = "/var/spool/torque"
	connectTimeout = 10 * time.Second
	requestTimeout = 30 * time.Second
)

// DefaultReplyTimeout bounds the wait for a rerun reply. The server answers
// by itself once its requeue timeout expires, so this only has to exceed it.
const DefaultReplyTimeout = 5 * time.Minute

// ReplyError is a non-zero reply from the server.
type ReplyError struct {
	Code int
	Text string
}

func (e *ReplyError) Error() string {
	if e.Text != "" {
		return e.Text
	}
	return dis.ErrorName(e.Code) + " (" + strconv.Itoa(e.Code) + ")"
}

// Conn is a connection to the PBS server.
type Conn struct {
	conn   net.Conn
	reader *dis.Reader
	writer *dis.Writer
	server string
	user   string

	// ReplyTimeout bounds how long RerunJob waits for its reply.
	ReplyTimeout time.Duration
}

// Connect opens a connection to server, "host" or "host:port". An empty
// server comes from PBS_DEFAULT or $PBS_HOME/server_name.
func Connect(server string) (*Conn, error) {
	pbsHome := os.Getenv("PBS_HOME")
	if pbsHome == "" {
		pbsHome = defaultPBSHome
	}
	if server == "" {
		server = resolveServer(pbsHome)
	}

	u, err := user.Current()
	if err != nil {
		return nil, errors.Wrap(err, "get current user")
	}

	host, port := server, strconv.Itoa(defaultPort)
	if h, p, err := net.SplitHostPort(server); err == nil {
		host, port = h, p
	}
	addr := net.JoinHostPort(host, port)

	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	c := NewConn(conn, host, u.Username)

	// Without a readable key the server treats us as an ordinary user.
	key, err := auth.LoadKey(pbsHome)
	if err != nil {
		return c, nil
	}
	if err := c.Authenticate(key); err != nil {
		c.conn.Close()
		return nil, err
	}
	return c, nil
}

// Authenticate proves the connection's user to the server with a token
// signed by key.
func (c *Conn) Authenticate(key []byte) error {
	ts := time.Now().Unix()
	_ = c.conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := dis.WriteAuthTokenRequest(c.writer, c.user, ts, auth.ComputeToken(c.user, ts, key)); err != nil {
		return errors.Wrap(err, "send auth token")
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(requestTimeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	rep, err := dis.ReadReply(c.reader)
	if err != nil {
		return errors.Wrap(err, "read auth reply")
	}
	if rep.Code != dis.PbsErrNone {
		return errors.Wrap(&ReplyError{Code: rep.Code, Text: rep.Text}, "authentication refused")
	}
	return nil
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn, server, user string) *Conn {
	return &Conn{
		conn:         conn,
		reader:       dis.NewReader(conn),
		writer:       dis.NewWriter(conn),
		server:       server,
		user:         user,
		ReplyTimeout: DefaultReplyTimeout,
	}
}

// Close sends a Disconnect request and closes the connection.
func (c *Conn) Close() error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := dis.WriteRequestHeader(c.writer, dis.BatchReqDisconnect, c.user); err == nil {
		_ = c.writer.Flush()
	}
	return c.conn.Close()
}

// Server returns the server hostname.
func (c *Conn) Server() string {
	return c.server
}

// User returns the name requests are sent as.
func (c *Conn) User() string {
	return c.user
}

// RerunJob asks the server to rerun jobID, which may name a job, an array,
// a subjob or a subjob range. force requests a forced rerun.
func (c *Conn) RerunJob(jobID string, force bool) error {
	extend := ""
	if force {
		extend = "force"
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := dis.WriteJobIDRequest(c.writer, dis.BatchReqRerun, c.user, jobID, extend); err != nil {
		return errors.Wrap(err, "send rerun request")
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(c.ReplyTimeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	rep, err := dis.ReadReply(c.reader)
	if err != nil {
		return errors.Wrap(err, "read rerun reply")
	}
	if rep.Code != dis.PbsErrNone {
		return &ReplyError{Code: rep.Code, Text: rep.Text}
	}
	return nil
}

// resolveServer finds the default server name.
func resolveServer(pbsHome string) string {
	if s := os.Getenv("PBS_DEFAULT"); s != "" {
		return s
	}
	data, err := os.ReadFile(filepath.Join(pbsHome, "server_name"))
	if err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
	}
	return defaultServer
}
