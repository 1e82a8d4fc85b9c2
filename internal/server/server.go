// Package server implements the main pbs_server daemon logic.
// It accepts batch requests, runs the rerun protocol against the MOMs and
// keeps job, queue, node and resource state consistent while doing so.
//
// Every decision about jobs is taken with Server.loop held: client requests,
// MOM replies, obits and timer callbacks all serialize on it.
package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/opentorque/pbs-rerun/internal/acct"
	"github.com/opentorque/pbs-rerun/internal/auth"
	"github.com/opentorque/pbs-rerun/internal/batch"
	"github.com/opentorque/pbs-rerun/internal/config"
	"github.com/opentorque/pbs-rerun/internal/job"
	"github.com/opentorque/pbs-rerun/internal/jobstore"
	"github.com/opentorque/pbs-rerun/internal/metrics"
	"github.com/opentorque/pbs-rerun/internal/momclient"
	"github.com/opentorque/pbs-rerun/internal/node"
	"github.com/opentorque/pbs-rerun/internal/queue"
	"github.com/opentorque/pbs-rerun/internal/resc"
	"github.com/opentorque/pbs-rerun/internal/worktask"
)

// MomClient sends requests to execution hosts. SignalJob must call onReply
// from its own goroutine, never before it returns.
type MomClient interface {
	SignalJob(ctx context.Context, addr, jobID, signal string, onReply func(code int)) error
	DeleteJob(ctx context.Context, addr, jobID, reason string) error
}

// JobStore persists job records.
type JobStore interface {
	Save(j *job.Job) error
	Remove(id string) error
	LoadAll() ([]jobstore.Record, error)
}

// Accounting receives accounting records.
type Accounting interface {
	RecordRerun(jobID string, info *acct.JobInfo)
	RecordEnded(jobID string, info *acct.JobInfo)
}

// Options carries the server's collaborators. Nil fields get production
// defaults built from the configuration.
type Options struct {
	Logger   *zap.Logger
	Clock    clock.WithDelayedExecution
	Mom      MomClient
	Acct     Accounting
	Store    JobStore
	Registry *prometheus.Registry
}

// discardTimeout bounds one DeleteJob exchange with a MOM.
const discardTimeout = 30 * time.Second

// Server is the main pbs_server daemon.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  clock.WithDelayedExecution

	// loop is the decision lock.
	loop  sync.Mutex
	sched *worktask.Scheduler

	jobs     *job.Manager
	queues   *queue.Manager
	nodes    *node.Manager
	assigned *resc.Ledger // server resources_assigned

	mom      MomClient
	acct     Accounting
	store    JobStore
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	closers  []func() error

	// authKey verifies AuthToken requests; nil disables token auth.
	authKey []byte

	listener   net.Listener
	metricsSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// New creates a new Server instance with the given configuration.
func New(cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "server")),
		clock:    clk,
		jobs:     job.NewManager(cfg.ServerName, logger),
		queues:   queue.NewManager(logger),
		nodes:    node.NewManager(logger),
		assigned: resc.NewLedger(),
		mom:      opts.Mom,
		acct:     opts.Acct,
		store:    opts.Store,
		metrics:  metrics.New(reg),
		registry: reg,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.sched = worktask.NewScheduler(clk, &s.loop)
	s.jobs.SetStateHook(func(j *job.Job, from, to int) {
		s.queues.JobStateChanged(j.Queue, from, to)
	})
	s.queues.AddQueue(queue.NewQueue(cfg.DefaultQueue, queue.TypeExecution))
	s.queues.SetDefault(cfg.DefaultQueue)

	if s.mom == nil {
		s.mom = momclient.New(cfg.ServerName, logger)
	}
	if s.store == nil {
		st, err := jobstore.New(cfg.JobsDir, logger)
		if err != nil {
			cancel()
			return nil, err
		}
		s.store = st
	}
	if s.acct == nil {
		al, err := acct.NewLogger(cfg.AcctDir, logger)
		if err != nil {
			cancel()
			return nil, err
		}
		s.acct = al
		s.closers = append(s.closers, al.Close)
	}
	return s, nil
}

// Start recovers persisted state and begins accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(s.cfg.ServerPriv, 0750); err != nil {
		return errors.Wrap(err, "ensure server_priv")
	}
	s.loadAuthKey()
	if err := s.loadNodes(); err != nil {
		s.logger.Warn("node file not loaded", zap.Error(err))
	}
	if err := s.recoverJobs(); err != nil {
		s.logger.Warn("job recovery failed", zap.Error(err))
	}

	addr := ":" + strconv.Itoa(s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.listener = ln
	s.bg.Add(1)
	go s.acceptLoop()

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	s.logger.Info("pbs_server is ready",
		zap.String("name", s.cfg.ServerName), zap.Int("port", s.cfg.Port),
		zap.Duration("requeue_timeout", s.cfg.RequeueTimeout()))
	return nil
}

// Addr is the listening address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting work, saves every job and closes the logs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	s.cancel()

	var result *multierror.Error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close listener"))
		}
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "stop metrics listener"))
		}
	}

	s.loop.Lock()
	for _, j := range s.jobs.AllJobs() {
		if err := s.store.Save(j); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.loop.Unlock()

	s.bg.Wait()
	for _, c := range s.closers {
		if err := c(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// loadAuthKey loads the shared token key, creating it on first start.
func (s *Server) loadAuthKey() {
	key, generated, err := auth.LoadOrGenerateKey(s.cfg.PBSHome)
	if err != nil {
		s.logger.Warn("token authentication disabled", zap.Error(err))
		return
	}
	if generated {
		s.logger.Info("generated auth key", zap.String("dir", s.cfg.PBSHome))
	}
	s.authKey = key
}

// loadNodes registers the compute nodes listed in server_priv/nodes.
func (s *Server) loadNodes() error {
	defs, err := config.ReadNodeFile(s.cfg.NodesFile)
	if err != nil {
		return err
	}
	for _, d := range defs {
		s.nodes.AddNode(d.Name, d.NumProcs).MomPort = d.MomPort
	}
	s.logger.Info("nodes loaded", zap.Int("count", s.nodes.NodeCount()), zap.String("file", s.cfg.NodesFile))
	return nil
}

// recoverJobs reloads saved jobs. Running jobs take their resources and
// node slots back; completed plain jobs are not reloaded.
func (s *Server) recoverJobs() error {
	recs, err := s.store.LoadAll()
	if err != nil {
		return err
	}
	s.loop.Lock()
	defer s.loop.Unlock()

	for _, rec := range recs {
		if rec.State == job.StateComplete && rec.Array == nil {
			continue
		}
		j, err := rec.Job(s.cfg.ServerName)
		if err != nil {
			s.logger.Warn("skipping job file", zap.String("job", rec.ID), zap.Error(err))
			continue
		}
		if j.Queue == "" {
			if q := s.queues.DefaultQueue(); q != nil {
				j.Queue = q.Name
			}
		}
		if s.queues.GetQueue(j.Queue) == nil {
			s.queues.AddQueue(queue.NewQueue(j.Queue, queue.TypeExecution))
		}

		switch {
		case j.IsSubjob():
			parent := s.jobs.GetJob(job.ParentID(j.ID))
			if parent == nil {
				s.logger.Warn("subjob without array parent", zap.String("job", j.ID))
				continue
			}
			if err := s.jobs.AddSubjob(parent, j); err != nil {
				s.logger.Warn("subjob not linked", zap.String("job", j.ID), zap.Error(err))
				continue
			}
		default:
			s.jobs.AddJob(j)
		}

		// The ledgers are rebuilt from scratch, whatever the saved flag says.
		j.ClearFlag(job.FlagRescAssn)
		if j.State == job.StateRunning {
			s.assignResources(j)
			if j.RescReleased != nil {
				s.adjustAssigned(j, j.RescReleased, resc.Decr)
			}
		}
		s.logger.Debug("recovered job", zap.String("job", j.ID),
			zap.String("state", j.StateName()), zap.String("queue", j.Queue))
	}
	s.logger.Info("jobs recovered", zap.Int("jobs", s.jobs.JobCount()),
		zap.Int("running", s.jobs.StateCount(job.StateRunning)))
	return nil
}

// permFor derives the requester's permissions from the manager and
// operator lists. A loopback peer also matches entries naming this server.
func (s *Server) permFor(user, host string) batch.Perm {
	hosts := []string{host}
	if localHost(host) {
		hosts = append(hosts, s.cfg.ServerName, "localhost")
	}
	switch {
	case matchACL(s.cfg.Managers, user, hosts):
		return batch.PermManager
	case matchACL(s.cfg.Operators, user, hosts):
		return batch.PermOperator
	}
	return batch.PermUser
}

func matchACL(list []string, user string, hosts []string) bool {
	for _, entry := range list {
		u, h, _ := strings.Cut(strings.TrimSpace(entry), "@")
		if u != user {
			continue
		}
		if h == "" || h == "*" {
			return true
		}
		for _, host := range hosts {
			if strings.EqualFold(h, host) {
				return true
			}
		}
	}
	return false
}
