package server

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/opentorque/pbs-rerun/internal/batch"
	"github.com/opentorque/pbs-rerun/internal/dis"
	"github.com/opentorque/pbs-rerun/internal/job"
	"github.com/opentorque/pbs-rerun/internal/metrics"
	"github.com/opentorque/pbs-rerun/internal/worktask"
)

const (
	reasonForceRerun = "Force rerun"
	timeoutText      = "Response timed out. Job rerun request still in progress for"
)

// RerunJob handles a Rerun Job batch request. The reply is sent exactly
// once: immediately when the request is refused or forced through, or later
// when the job's obit arrives or the requeue timeout fires.
func (s *Server) RerunJob(req *batch.Request) {
	s.loop.Lock()
	defer s.loop.Unlock()
	s.rerunJob(req)
}

func (s *Server) rerunJob(req *batch.Request) {
	parent, kind := s.jobs.Resolve(req.JobID)
	log := s.logger.With(zap.String("job", req.JobID), zap.String("user", req.User+"@"+req.Host))

	switch {
	case parent == nil:
		log.Info("rerun of unknown job")
		req.Reject(dis.PbseUnkjobid)
	case req.Perm&(batch.PermMgrWrite|batch.PermOprWrite) == 0:
		log.Info("rerun refused, requester is not an operator or manager")
		req.Reject(dis.PbsePerm)
	default:
		switch kind {
		case job.ArraySingle:
			s.rerunSubjob(req, parent)
		case job.ArrayParent:
			s.rerunArray(req, parent)
		case job.ArrayRange:
			s.rerunRange(req, parent)
		default:
			s.rerunOne(req, parent)
		}
	}

	outcome := metrics.OutcomeAccepted
	if req.Sent() && req.Code() != 0 {
		outcome = metrics.OutcomeRejected
	}
	s.metrics.RerunRequests.WithLabelValues(kind.String(), outcome).Inc()
}

// rerunSubjob handles "N[i]": only a running, materialized subjob can be
// rerun.
func (s *Server) rerunSubjob(req *batch.Request, parent *job.Job) {
	trk := parent.Array
	idx, _ := strconv.Atoi(job.IndexFromID(req.JobID))
	off, ok := trk.OffsetForIndex(idx)
	if !ok {
		req.Reject(dis.PbseUnkjobid)
		return
	}
	switch trk.StateAt(off) {
	case -1:
		req.Reject(dis.PbseIvalReq)
	case job.StateRunning:
		sj := trk.JobAt(off)
		if sj == nil {
			req.Reject(dis.PbseBadState)
			return
		}
		s.rerunOne(req, sj)
	default:
		req.Reject(dis.PbseBadState)
	}
}

// rerunArray handles "N[]". Running subjobs are rerun through the host,
// other materialized subjobs are requeued at once and the rest of the
// table is marked queued. The client gets one reply once every clone has
// been answered.
func (s *Server) rerunArray(req *batch.Request, parent *job.Job) {
	if parent.State != job.StateBegun {
		req.Reject(dis.PbseBadState)
		return
	}
	trk := parent.Array
	req.Hold()
	trk.DeletedCount = 0
	for off := 0; off < trk.Count(); off++ {
		sj := trk.JobAt(off)
		switch {
		case sj == nil:
			trk.SetTableState(off, job.StateQueued)
		case sj.State == job.StateRunning:
			s.rerunOne(req.Clone(sj.ID), sj)
		default:
			s.forceRequeue(sj)
		}
	}
	s.saveJob(parent)
	req.Drop()
}

// rerunRange handles "N[a-b:s,...]". The whole range is validated before
// anything is touched: at least one listed subjob must be running.
func (s *Server) rerunRange(req *batch.Request, parent *job.Job) {
	trk := parent.Array
	spec := job.IndexFromID(req.JobID)

	running := 0
	it := job.ParseRange(spec)
	for {
		r, ok, err := it.Next()
		if err != nil {
			req.Reject(dis.PbseIvalReq)
			return
		}
		if !ok {
			break
		}
		walkRange(trk, r, func(off int) {
			if trk.StateAt(off) == job.StateRunning {
				running++
			}
		})
	}
	if running == 0 {
		req.Reject(dis.PbseBadState)
		return
	}

	req.Hold()
	it = job.ParseRange(spec)
	for {
		r, ok, err := it.Next()
		if err != nil {
			req.Reject(dis.PbseIvalReq)
			break
		}
		if !ok {
			break
		}
		walkRange(trk, r, func(off int) {
			if trk.StateAt(off) != job.StateRunning {
				return
			}
			if sj := trk.JobAt(off); sj != nil {
				s.rerunOne(req.Clone(sj.ID), sj)
			}
		})
	}
	req.Drop()
}

// walkRange calls fn with the offset of every index of r inside the array.
func walkRange(trk *job.ArrayTracker, r job.Range, fn func(off int)) {
	step := r.Step
	if step <= 0 {
		step = 1
	}
	x := r.Low
	if x < trk.Start {
		x += (trk.Start - x + step - 1) / step * step
	}
	for ; x <= r.High && x <= trk.End; x += step {
		if off, ok := trk.OffsetForIndex(x); ok {
			fn(off)
		}
	}
}

// rerunOne reruns a single running job. Unless the rerun is forced
// through, the request is left pending on the job until the obit or the
// requeue timeout answers it.
func (s *Server) rerunOne(req *batch.Request, j *job.Job) {
	force := req.Forced()
	log := s.logger.With(zap.String("job", j.ID))

	switch {
	case !j.Rerunable && !force:
		req.Reject(dis.PbseNoRerun)
		return
	case !j.IsRunning():
		req.Reject(dis.PbseBadState)
		return
	case j.Substate != job.SubstateRunning && j.Substate != job.SubstatePrerun && !force:
		req.Reject(dis.PbseBadState)
		return
	}

	isManager := req.Perm&(batch.PermMgrRead|batch.PermMgrWrite) != 0
	rc := s.issueSignal(j, dis.SignalRerun, force && isManager)

	if (rc != 0 || isManager) && force {
		log.Info("forced rerun, requeueing without host confirmation", zap.Int("signal_rc", rc))
		s.metrics.ForcedRequeues.Inc()
		j.Substate = job.SubstateRerun3
		s.discardJob(j, reasonForceRerun)
		s.forceRequeue(j)
		req.Ack()
		return
	}
	if rc != 0 {
		req.Reject(rc)
		return
	}

	j.ClearFlag(job.FlagChkpt | job.FlagChkptMig)
	j.SetFlag(job.FlagHasRun)
	s.jobs.UpdateJobState(j, job.StateRunning, job.SubstateRerun, s.clock.Now())
	log.Info("Job Rerun at request", zap.String("requester", req.User+"@"+req.Host))

	j.AttachRerunRequest(req)
	t := s.sched.SetTimed(s.clock.Now().Add(s.cfg.RequeueTimeout()), s.timeoutRerun, j)
	t.Link(&j.Tasks)
	if !req.IsLocal() {
		req.Conn.SetNoTimeout(true)
	}
	s.saveJob(j)
}

// issueSignal sends signal to the job's execution host. The host's answer
// is delivered to postRerun. It returns a PBSE code when the signal could
// not be sent.
func (s *Server) issueSignal(j *job.Job, signal string, markForced bool) int {
	addr, ok := s.nodes.MomAddress(j.ExecHost, s.cfg.MomPort)
	if !ok {
		s.logger.Warn("no execution host to signal", zap.String("job", j.ID))
		return dis.PbseNoConnect
	}
	task := s.sched.SetEvent(s.postRerun, j.ID, markForced)
	err := s.mom.SignalJob(s.ctx, addr, j.ID, signal, func(code int) {
		s.sched.Dispatch(task, code)
	})
	if err != nil {
		task.Cancel()
		s.logger.Warn("failed to signal execution host",
			zap.String("job", j.ID), zap.String("mom", addr), zap.Error(err))
		return dis.PbseNoConnect
	}
	return 0
}

// postRerun handles the host's answer to a rerun signal. A host that no
// longer knows the job means it is gone there, so the job is requeued
// locally unless a forced rerun already did that.
func (s *Server) postRerun(t *worktask.Task) {
	code := t.Reply
	if code == 0 {
		return
	}
	jobID, _ := t.Parm.(string)
	markForced, _ := t.Aux.(bool)
	j := s.jobs.GetJob(jobID)
	if j == nil {
		return
	}
	s.logger.Warn("rerun signal reject by mom",
		zap.String("job", jobID), zap.Int("code", code), zap.String("error", dis.ErrorName(code)))
	s.metrics.HostRejects.WithLabelValues(strconv.Itoa(code)).Inc()

	// A job that already left Running (its obit won the race) has been
	// requeued; doing it again would release its resources twice.
	if !j.IsRunning() {
		return
	}
	if code == dis.PbseUnkjobid && !markForced {
		j.Substate = job.SubstateRerun3
		s.discardJob(j, reasonForceRerun)
		s.forceRequeue(j)
	}
}

// timeoutRerun answers a rerun request whose host has not finished in time.
// The rerun itself carries on; only the client stops waiting.
func (s *Server) timeoutRerun(t *worktask.Task) {
	j, _ := t.Parm.(*job.Job)
	if !s.jobs.Exists(j) || j.RerunRequest == nil {
		return
	}
	req := j.RerunRequest
	j.RerunRequest = nil
	s.logger.Warn("rerun request timed out", zap.String("job", j.ID))
	s.metrics.RerunTimeouts.Inc()
	req.ReplyText(dis.PbseInternal, timeoutText+" "+j.ID)
	req.Conn.SetNoTimeout(false)
}

// discardJob asks the execution host to drop the job. It runs in the
// background and its outcome is only logged.
func (s *Server) discardJob(j *job.Job, reason string) {
	addr, ok := s.nodes.MomAddress(j.ExecHost, s.cfg.MomPort)
	if !ok {
		return
	}
	id := j.ID
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, discardTimeout)
		defer cancel()
		if err := s.mom.DeleteJob(ctx, addr, id, reason); err != nil {
			s.logger.Warn("discard on execution host failed",
				zap.String("job", id), zap.String("mom", addr), zap.Error(err))
		}
	}()
}
