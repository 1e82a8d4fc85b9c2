package server

import (
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/pbs-rerun/internal/auth"
	"github.com/opentorque/pbs-rerun/internal/batch"
	"github.com/opentorque/pbs-rerun/internal/dis"
)

// connSink writes replies to one client connection. Replies can come from
// the connection's own goroutine or from timers and MOM callbacks.
type connSink struct {
	mu sync.Mutex
	w  *dis.Writer
}

func (c *connSink) SendReply(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return dis.WriteReply(c.w, dis.NewReply(code, text))
}

func (s *Server) acceptLoop() {
	defer s.bg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn("accept error", zap.Error(err))
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

// clientConn is the per-connection state of a batch client.
type clientConn struct {
	remote     string
	host       string
	privileged bool
	// authUser is the user proven by an AuthToken request, "" if none.
	authUser string

	sink  *connSink
	bconn *batch.Conn
}

// trusted reports whether the peer's claimed user can be believed.
func (c *clientConn) trusted() bool {
	return c.privileged || c.authUser != ""
}

// handleConnection reads batch requests from one connection until the peer
// disconnects. While a rerun is pending on the connection the read deadline
// is lifted so the client can wait for its reply.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	cc := &clientConn{
		remote: conn.RemoteAddr().String(),
		sink:   &connSink{w: dis.NewWriter(conn)},
	}
	cc.host = cc.remote
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		cc.host = tcpAddr.IP.String()
		cc.privileged = tcpAddr.Port < 1024
	}
	cc.bconn = batch.NewConn(cc.remote)
	log := s.logger.With(zap.String("remote", cc.remote))
	log.Debug("connection accepted", zap.Bool("privileged", cc.privileged))

	reader := dis.NewReader(conn)
	for {
		deadline := time.Time{}
		if !cc.bconn.NoTimeout() {
			deadline = time.Now().Add(s.cfg.RequestTimeout())
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return
		}

		proto, err := reader.ReadUint()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("connection read ended", zap.Error(err))
			}
			return
		}
		if int(proto) != dis.PbsBatchProtType {
			log.Warn("unknown protocol", zap.Uint64("protocol", proto))
			return
		}
		hdr, err := dis.ReadRequestHeader(reader, int(proto))
		if err != nil {
			log.Warn("bad request header", zap.Error(err))
			return
		}
		log.Debug("request", zap.String("type", dis.BatchRequestName(hdr.ReqType)), zap.String("user", hdr.User))

		if !s.dispatchRequest(reader, cc, hdr) {
			return
		}
	}
}

// dispatchRequest routes a batch request to its handler. It returns false
// when the connection should be closed.
func (s *Server) dispatchRequest(r *dis.Reader, cc *clientConn, hdr *dis.RequestHeader) bool {
	switch hdr.ReqType {
	case dis.BatchReqConnect:
		s.reply(cc.sink, dis.PbsErrNone)
		return true

	case dis.BatchReqDisconnect:
		return false

	case dis.BatchReqAuthToken:
		return s.handleAuthToken(r, cc, hdr)

	case dis.BatchReqRerun:
		jobID, extend, err := dis.ReadJobIDBody(r)
		if err != nil {
			s.reply(cc.sink, dis.PbseProtocol)
			return false
		}
		if cc.authUser != "" && hdr.User != cc.authUser {
			s.logger.Warn("request user does not match authenticated user",
				zap.String("user", hdr.User), zap.String("authenticated", cc.authUser))
			s.reply(cc.sink, dis.PbseBadCred)
			return true
		}
		req := batch.New(hdr.ReqType, cc.sink, s.logger)
		req.User = hdr.User
		req.Host = cc.host
		req.Perm = batch.PermUser
		if cc.trusted() {
			req.Perm = s.permFor(hdr.User, cc.host)
		}
		req.JobID = jobID
		req.Extend = extend
		req.Conn = cc.bconn
		s.RerunJob(req)
		return true

	case dis.BatchReqJobObit:
		jobID, status, err := dis.ReadJobObitBody(r)
		if err != nil {
			s.reply(cc.sink, dis.PbseProtocol)
			return false
		}
		if !cc.trusted() {
			s.logger.Warn("obit from unauthenticated source refused", zap.String("job", jobID), zap.String("host", cc.host))
			s.reply(cc.sink, dis.PbseBadCred)
			return true
		}
		if !s.JobObit(jobID, status) {
			s.reply(cc.sink, dis.PbseUnkjobid)
			return true
		}
		s.reply(cc.sink, dis.PbsErrNone)
		return true

	default:
		s.logger.Warn("unsupported request", zap.Int("type", hdr.ReqType), zap.String("user", hdr.User))
		s.reply(cc.sink, dis.PbseUnkReq)
		return false
	}
}

// handleAuthToken verifies an HMAC token and binds its user to the
// connection.
func (s *Server) handleAuthToken(r *dis.Reader, cc *clientConn, hdr *dis.RequestHeader) bool {
	ts, token, err := dis.ReadAuthTokenBody(r)
	if err != nil {
		s.reply(cc.sink, dis.PbseBadCred)
		return false
	}
	if s.authKey == nil {
		s.logger.Warn("token authentication disabled, rejecting", zap.String("remote", cc.remote))
		s.reply(cc.sink, dis.PbseBadCred)
		return false
	}
	if err := auth.VerifyToken(hdr.User, ts, token, s.authKey, time.Now()); err != nil {
		s.logger.Warn("authentication rejected", zap.String("user", hdr.User),
			zap.String("remote", cc.remote), zap.Error(err))
		s.reply(cc.sink, dis.PbseBadCred)
		return false
	}
	cc.authUser = hdr.User
	s.logger.Debug("authenticated", zap.String("user", hdr.User), zap.String("remote", cc.remote))
	s.reply(cc.sink, dis.PbsErrNone)
	return true
}

func (s *Server) reply(sink *connSink, code int) {
	if err := sink.SendReply(code, ""); err != nil {
		s.logger.Debug("reply not delivered", zap.Int("code", code), zap.Error(err))
	}
}

// localHost reports whether host is this machine, used for permission
// checks on requests arriving over loopback.
func localHost(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback() || strings.EqualFold(host, "localhost")
}
