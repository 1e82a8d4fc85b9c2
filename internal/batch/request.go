// Package batch implements the server-side batch request context: who asked,
// with which permissions, and the exactly-once reply that answers them.
//
// A Request is owned by the server's decision loop. Every method except
// Conn's flag accessors must be called with that loop held.
package batch

import (
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Perm is the permission bit set derived for the requester.
type Perm int

// Permission bits matching ATR_DFLAG_{USRD,USWR,OPRD,OPWR,MGRD,MGWR}.
const (
	PermUserRead Perm = 1 << iota
	PermUserWrite
	PermOprRead
	PermOprWrite
	PermMgrRead
	PermMgrWrite
)

const (
	// PermUser is granted to every authenticated requester.
	PermUser = PermUserRead | PermUserWrite
	// PermOperator is granted to server operators.
	PermOperator = PermUser | PermOprRead | PermOprWrite
	// PermManager is granted to server managers.
	PermManager = PermOperator | PermMgrRead | PermMgrWrite
)

// ExtendForce is the request extension that asks for a forced rerun.
const ExtendForce = "force"

// Sink delivers the final reply to the client.
type Sink interface {
	SendReply(code int, text string) error
}

// Conn is the transport state of the client connection a request arrived on.
// A nil *Conn is the local connection used for requests the server makes to
// itself.
type Conn struct {
	Remote    string
	noTimeout atomic.Bool
}

// NewConn returns the connection state for a remote peer.
func NewConn(remote string) *Conn {
	return &Conn{Remote: remote}
}

// SetNoTimeout marks the connection as exempt from the transport read
// deadline while a long handshake is in flight.
func (c *Conn) SetNoTimeout(on bool) {
	if c != nil {
		c.noTimeout.Store(on)
	}
}

// NoTimeout reports whether the connection is exempt from read deadlines.
func (c *Conn) NoTimeout() bool {
	return c != nil && c.noTimeout.Load()
}

// Request is one client batch request.
type Request struct {
	ID     uuid.UUID
	Type   int
	User   string
	Host   string
	Perm   Perm
	JobID  string
	Extend string
	Conn   *Conn

	sink   Sink
	parent *Request
	logger *zap.Logger

	refct int
	code  int
	text  string
	sent  bool
}

// New creates a request that replies through sink.
func New(reqType int, sink Sink, logger *zap.Logger) *Request {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Request{
		ID:     uuid.New(),
		Type:   reqType,
		sink:   sink,
		logger: logger,
	}
}

// IsLocal reports whether the request came from the server itself.
func (r *Request) IsLocal() bool {
	return r.Conn == nil
}

// Forced reports whether the extension asks for a forced operation.
func (r *Request) Forced() bool {
	return r.Extend == ExtendForce
}

// Refct is the number of outstanding holds on the reply.
func (r *Request) Refct() int {
	return r.refct
}

// Sent reports whether the reply has been delivered (or, for a clone,
// handed to its parent).
func (r *Request) Sent() bool {
	return r.sent
}

// Code is the reply code recorded so far.
func (r *Request) Code() int {
	return r.code
}

// Hold defers the reply until a matching Drop.
func (r *Request) Hold() {
	r.refct++
}

// Drop releases one hold and sends the reply when the last hold is gone.
// It reports whether the reply went out.
func (r *Request) Drop() bool {
	if r.refct <= 0 {
		r.logger.DPanic("reply reference count underflow", zap.Stringer("request", r.ID))
		return false
	}
	r.refct--
	if r.refct > 0 {
		return false
	}
	return r.send()
}

// Clone duplicates the request for one subjob. The clone holds a reference
// on r until the clone itself is answered; a non-zero code from the clone
// becomes r's reply code unless r already carries one.
func (r *Request) Clone(jobID string) *Request {
	r.refct++
	return &Request{
		ID:     uuid.New(),
		Type:   r.Type,
		User:   r.User,
		Host:   r.Host,
		Perm:   r.Perm,
		JobID:  jobID,
		Extend: r.Extend,
		Conn:   r.Conn,
		parent: r,
		logger: r.logger,
	}
}

// Ack replies success.
func (r *Request) Ack() bool {
	return r.reply(0, "")
}

// Reject replies with a PBSE error code.
func (r *Request) Reject(code int) bool {
	return r.reply(code, "")
}

// ReplyText replies with a code and a text body.
func (r *Request) ReplyText(code int, text string) bool {
	return r.reply(code, text)
}

func (r *Request) reply(code int, text string) bool {
	if r.sent {
		r.logger.Warn("duplicate reply suppressed",
			zap.Stringer("request", r.ID), zap.String("job", r.JobID), zap.Int("code", code))
		return false
	}
	if code != 0 || r.code == 0 {
		r.code, r.text = code, text
	}
	return r.send()
}

// send delivers the recorded reply unless holds are outstanding.
func (r *Request) send() bool {
	if r.sent || r.refct > 0 {
		return false
	}
	r.sent = true
	if r.parent != nil {
		r.parent.childDone(r.code, r.text)
		return true
	}
	if r.sink == nil {
		return true
	}
	if err := r.sink.SendReply(r.code, r.text); err != nil {
		r.logger.Warn("failed to send reply",
			zap.Stringer("request", r.ID), zap.String("job", r.JobID), zap.Error(err))
	}
	return true
}

func (r *Request) childDone(code int, text string) {
	if code != 0 && r.code == 0 {
		r.code, r.text = code, text
	}
	r.Drop()
}
