// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// taskStore owns the scratch directory where task outputs live. The
// layout is {dir}/{job}/s{stage}/p{task}-a{attempt}/o{part}.json: one
// ResultSet document per output partition, grouped by the task attempt
// that wrote them. An attempt writes into a ".tmp"-suffixed directory
// and renames it into place once every partition is on disk, so a
// directory without the suffix always holds a complete output.
//
// When the same task has been attempted more than once (an executor
// was presumed lost but its attempt finished anyway), reads serve the
// highest committed attempt.
type taskStore struct {
	dir    string
	logger logrus.FieldLogger

	mtx sync.Mutex
	// highest committed attempt per task output
	attempts map[outputKey]int

	mBytesWritten prometheus.Counter
	mBytesServed  prometheus.Counter
}

type outputKey struct {
	job   string
	stage int
	task  int
}

var attemptDirPattern = regexp.MustCompile(`^p(\d+)-a(\d+)$`)

func newTaskStore(dir string, logger logrus.FieldLogger, reg *prometheus.Registry) (*taskStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("error creating scratch directory: %w", err)
	}
	s := &taskStore{
		dir:      dir,
		logger:   logger,
		attempts: map[outputKey]int{},
		mBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "executor",
			Name:      "shuffle_bytes_written_total",
			Help:      "Total task output bytes written to the scratch directory.",
		}),
		mBytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "executor",
			Name:      "shuffle_bytes_served_total",
			Help:      "Total bytes served to shuffle-read and result requests.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.mBytesWritten)
		reg.MustRegister(s.mBytesServed)
	}
	s.sweep()
	return s, nil
}

// sweep removes leftovers of attempts that were interrupted by a
// crash or restart, and rebuilds the committed-attempt index from the
// directories that survived, so outputs written before a restart stay
// readable.
func (s *taskStore) sweep() {
	removed := 0
	tmps, err := doublestar.FilepathGlob(filepath.Join(s.dir, "**/*.tmp"))
	if err != nil {
		s.logger.WithError(err).Warn("scratch sweep failed")
		return
	}
	for _, path := range tmps {
		if err := os.RemoveAll(path); err != nil {
			s.logger.WithError(err).WithField("Path", path).Warn("error removing incomplete output")
		} else {
			removed++
		}
	}
	dirs, err := doublestar.FilepathGlob(filepath.Join(s.dir, "*/s*/p*-a*"))
	if err != nil {
		s.logger.WithError(err).Warn("scratch sweep failed")
		return
	}
	outputs := 0
	for _, path := range dirs {
		m := attemptDirPattern.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			continue
		}
		stage, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(filepath.Dir(path)), "s"))
		if err != nil {
			continue
		}
		job := filepath.Base(filepath.Dir(filepath.Dir(path)))
		if loom.UUIDInfix(job) != loom.JobUUIDInfix {
			continue
		}
		task, _ := strconv.Atoi(m[1])
		attempt, _ := strconv.Atoi(m[2])
		key := outputKey{job, stage, task}
		if attempt > s.attempts[key] {
			s.attempts[key] = attempt
		}
		outputs++
	}
	s.logger.WithFields(logrus.Fields{
		"Outputs": outputs,
		"Removed": removed,
	}).Info("swept scratch directory")
}

// beginAttempt prepares a staging directory for one task attempt's
// output partitions.
func (s *taskStore) beginAttempt(job string, stage, task, attempt int) (*attemptWriter, error) {
	if err := loom.ValidateUUID(job, loom.JobUUIDInfix); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.dir, job, fmt.Sprintf("s%d", stage), fmt.Sprintf("p%d-a%d.tmp", task, attempt))
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &attemptWriter{store: s, job: job, stage: stage, task: task, attempt: attempt, dir: dir}, nil
}

type attemptWriter struct {
	store   *taskStore
	job     string
	stage   int
	task    int
	attempt int
	dir     string
	bytes   int64
	rows    int64
}

func (w *attemptWriter) writePartition(part int, rs *loom.ResultSet) error {
	buf, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(w.dir, fmt.Sprintf("o%d.json", part)), buf, 0600); err != nil {
		return err
	}
	w.bytes += int64(len(buf))
	w.rows += int64(len(rs.Rows))
	w.store.mBytesWritten.Add(float64(len(buf)))
	return nil
}

// commit renames the staging directory into place and records the
// attempt as the newest committed output for its task.
func (w *attemptWriter) commit() error {
	final := strings.TrimSuffix(w.dir, ".tmp")
	if err := os.Rename(w.dir, final); err != nil {
		if _, statErr := os.Stat(final); statErr != nil {
			return err
		}
		// a duplicate dispatch of this attempt committed first
		os.RemoveAll(w.dir)
	}
	s := w.store
	key := outputKey{w.job, w.stage, w.task}
	s.mtx.Lock()
	if w.attempt > s.attempts[key] {
		s.attempts[key] = w.attempt
	}
	s.mtx.Unlock()
	s.logger.WithFields(logrus.Fields{
		"JobUUID":   w.job,
		"Stage":     w.stage,
		"Partition": w.task,
		"Attempt":   w.attempt,
		"Size":      humanize.IBytes(uint64(w.bytes)),
	}).Info("task output committed")
	return nil
}

// abort removes the staging directory. Calling abort after a
// successful commit is a no-op.
func (w *attemptWriter) abort() {
	os.RemoveAll(w.dir)
}

// open returns a reader for one output partition of the highest
// committed attempt of the given task, and its size in bytes. The
// returned error wraps os.ErrNotExist when no such output has been
// committed.
func (s *taskStore) open(job string, stage, task, part int) (*os.File, int64, error) {
	s.mtx.Lock()
	attempt, ok := s.attempts[outputKey{job, stage, task}]
	s.mtx.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("no committed output for task %s/%d/%d: %w", job, stage, task, os.ErrNotExist)
	}
	path := filepath.Join(s.dir, job, fmt.Sprintf("s%d", stage), fmt.Sprintf("p%d-a%d", task, attempt), fmt.Sprintf("o%d.json", part))
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// dropJob removes all of a job's outputs, committed or not.
func (s *taskStore) dropJob(job string) error {
	if err := loom.ValidateUUID(job, loom.JobUUIDInfix); err != nil {
		return err
	}
	s.mtx.Lock()
	for key := range s.attempts {
		if key.job == job {
			delete(s.attempts, key)
		}
	}
	s.mtx.Unlock()
	root := filepath.Join(s.dir, job)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(root); err != nil {
		return err
	}
	s.logger.WithField("JobUUID", job).Info("dropped job scratch data")
	return nil
}

// jobsOnDisk lists the jobs that have scratch directories here.
func (s *taskStore) jobsOnDisk() []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.WithError(err).Warn("error listing scratch directory")
		return nil
	}
	var jobs []string
	for _, ent := range ents {
		if ent.IsDir() && loom.UUIDInfix(ent.Name()) == loom.JobUUIDInfix {
			jobs = append(jobs, ent.Name())
		}
	}
	sort.Strings(jobs)
	return jobs
}

// lastModified returns the newest modification time among a job's
// scratch directories, i.e. the last time a task attempt committed
// output for it.
func (s *taskStore) lastModified(job string) (time.Time, error) {
	root := filepath.Join(s.dir, job)
	fi, err := os.Stat(root)
	if err != nil {
		return time.Time{}, err
	}
	newest := fi.ModTime()
	ents, err := os.ReadDir(root)
	if err != nil {
		return newest, nil
	}
	for _, ent := range ents {
		if info, err := ent.Info(); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, nil
}
