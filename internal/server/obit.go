package server

import (
	"go.uber.org/zap"

	"github.com/opentorque/pbs-rerun/internal/job"
)

// JobObit handles the execution host's report that a job has exited. It
// reports whether the job was known.
func (s *Server) JobObit(jobID string, exitStatus int) bool {
	s.loop.Lock()
	defer s.loop.Unlock()
	return s.jobObit(jobID, exitStatus)
}

func (s *Server) jobObit(jobID string, exitStatus int) bool {
	j := s.jobs.GetJob(jobID)
	if j == nil {
		s.logger.Info("obit for unknown job", zap.String("job", jobID))
		return false
	}
	if j.IsArrayParent() {
		s.logger.Warn("obit names an array parent, ignored", zap.String("job", jobID))
		return false
	}
	j.ExitStatus = exitStatus

	if j.IsRunning() && j.Substate >= job.SubstateRerun && j.Substate <= job.SubstateRerun3 {
		j.Tasks.CancelAll()
		req := j.RerunRequest
		j.RerunRequest = nil
		s.logger.Info("rerun finished on execution host", zap.String("job", jobID))
		s.forceRequeue(j)
		if req != nil {
			req.Conn.SetNoTimeout(false)
			req.Ack()
		}
		return true
	}

	now := s.clock.Now()
	s.releaseResources(j)
	s.jobs.UpdateJobState(j, job.StateComplete, job.SubstateComplete, now)
	s.acct.RecordEnded(j.ID, jobInfo(j))
	s.logger.Info("job completed", zap.String("job", jobID), zap.Int("exit_status", exitStatus))

	parent := j.Parent
	if parent == nil {
		s.saveJob(j)
		return true
	}
	s.purge(j)
	if trk := parent.Array; trk != nil && trk.CountState(job.StateComplete) == trk.Count() {
		s.jobs.UpdateJobState(parent, job.StateComplete, job.SubstateComplete, now)
		s.saveJob(parent)
	}
	return true
}
