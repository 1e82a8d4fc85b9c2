// Package jobstore persists job records as YAML files under
// server_priv/jobs, one <jobid>.JB file per job.
package jobstore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opentorque/pbs-rerun/internal/job"
)

const fileSuffix = ".JB"

// ArrayRecord is the saved subjob table of an array parent.
type ArrayRecord struct {
	Start        int   `yaml:"start"`
	End          int   `yaml:"end"`
	Step         int   `yaml:"step"`
	DeletedCount int   `yaml:"deleted_count,omitempty"`
	States       []int `yaml:"states"`
}

// Record is the on-disk form of a job.
type Record struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name,omitempty"`
	Owner     string `yaml:"owner,omitempty"`
	Queue     string `yaml:"queue"`
	State     int    `yaml:"state"`
	Substate  int    `yaml:"substate"`
	SvrFlags  int    `yaml:"svrflags,omitempty"`
	Rerunable bool   `yaml:"rerunable"`

	ResourceList     map[string]string `yaml:"resource_list,omitempty"`
	RescReleased     map[string]string `yaml:"resc_released,omitempty"`
	RescReleasedList string            `yaml:"resc_released_list,omitempty"`

	ExecHost   string `yaml:"exec_host,omitempty"`
	ExecHost2  string `yaml:"exec_host2,omitempty"`
	ExecVnode  string `yaml:"exec_vnode,omitempty"`
	Pset       string `yaml:"pset,omitempty"`
	JobDir     string `yaml:"jobdir,omitempty"`
	ExitStatus int    `yaml:"exit_status,omitempty"`

	Hold          string    `yaml:"hold_types,omitempty"`
	ExecutionTime time.Time `yaml:"execution_time,omitempty"`
	CreateTime    time.Time `yaml:"ctime,omitempty"`
	QueueTime     time.Time `yaml:"qtime,omitempty"`
	StartTime     time.Time `yaml:"stime,omitempty"`

	ArrayIndex int          `yaml:"array_index,omitempty"`
	Array      *ArrayRecord `yaml:"array,omitempty"`
}

// FromJob captures j.
func FromJob(j *job.Job) Record {
	r := Record{
		ID:               j.ID,
		Name:             j.Name,
		Owner:            j.Owner,
		Queue:            j.Queue,
		State:            j.State,
		Substate:         j.Substate,
		SvrFlags:         j.SvrFlags,
		Rerunable:        j.Rerunable,
		ResourceList:     j.ResourceReq,
		RescReleased:     j.RescReleased,
		RescReleasedList: j.RescReleasedList,
		ExecHost:         j.ExecHost,
		ExecHost2:        j.ExecHost2,
		ExecVnode:        j.ExecVnode,
		Pset:             j.Pset,
		JobDir:           j.JobDir,
		ExitStatus:       j.ExitStatus,
		Hold:             j.Hold,
		ExecutionTime:    j.ExecutionTime,
		CreateTime:       j.CreateTime,
		QueueTime:        j.QueueTime,
		StartTime:        j.StartTime,
		ArrayIndex:       j.ArrayIndex,
	}
	if t := j.Array; t != nil {
		r.Array = &ArrayRecord{
			Start:        t.Start,
			End:          t.End,
			Step:         t.Step,
			DeletedCount: t.DeletedCount,
			States:       t.Snapshot(),
		}
	}
	return r
}

// Job rebuilds the job record. Array parents get their subjob table back;
// subjobs still have to be linked to their parent by the caller.
func (r Record) Job(server string) (*job.Job, error) {
	j := job.NewJob(r.ID, r.Queue, server, r.CreateTime)
	j.Name = r.Name
	j.Owner = r.Owner
	j.State = r.State
	j.Substate = r.Substate
	j.SvrFlags = r.SvrFlags
	j.Rerunable = r.Rerunable
	if r.ResourceList != nil {
		j.ResourceReq = r.ResourceList
	}
	j.RescReleased = r.RescReleased
	j.RescReleasedList = r.RescReleasedList
	j.ExecHost = r.ExecHost
	j.ExecHost2 = r.ExecHost2
	j.ExecVnode = r.ExecVnode
	j.Pset = r.Pset
	j.JobDir = r.JobDir
	j.ExitStatus = r.ExitStatus
	j.Hold = r.Hold
	j.ExecutionTime = r.ExecutionTime
	j.QueueTime = r.QueueTime
	j.StartTime = r.StartTime
	j.ArrayIndex = r.ArrayIndex
	if a := r.Array; a != nil {
		trk, err := job.RestoreArrayTracker(a.Start, a.End, a.Step, a.DeletedCount, a.States)
		if err != nil {
			return nil, errors.Wrapf(err, "job %s", r.ID)
		}
		j.Array = trk
	}
	return j, nil
}

// Store reads and writes job files in one directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrapf(err, "jobstore: mkdir %s", dir)
	}
	return &Store{dir: dir, logger: logger.With(zap.String("component", "jobstore"))}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+fileSuffix)
}

// Save writes j atomically.
func (s *Store) Save(j *job.Job) error {
	data, err := yaml.Marshal(FromJob(j))
	if err != nil {
		return errors.Wrapf(err, "marshal job %s", j.ID)
	}
	path := s.path(j.ID)
	tmp := path + ".new"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return errors.Wrapf(err, "write job %s", j.ID)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename job %s", j.ID)
	}
	j.Modified = false
	return nil
}

// Remove deletes the job file. A missing file is not an error.
func (s *Store) Remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove job %s", id)
	}
	return nil
}

// LoadAll reads every job file. Array parents come first so subjobs can
// be linked to them. Unreadable files are logged and skipped.
func (s *Store) LoadAll() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.dir)
	}
	var recs []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable job file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		var r Record
		if err := yaml.Unmarshal(data, &r); err != nil {
			s.logger.Warn("skipping corrupt job file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if r.ID == "" {
			r.ID = strings.TrimSuffix(e.Name(), fileSuffix)
		}
		recs = append(recs, r)
	}
	sort.SliceStable(recs, func(a, b int) bool {
		pa, pb := recs[a].Array != nil, recs[b].Array != nil
		if pa != pb {
			return pa
		}
		return recs[a].ID < recs[b].ID
	})
	return recs, nil
}
