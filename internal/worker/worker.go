package worker

import (
	"errors"
	"log"
	"os"
)

// OLLAMACHAT_WORKER_DEBUG=1 logs scheduling decisions.
var debugEnabled = os.Getenv("OLLAMACHAT_WORKER_DEBUG") == "1"

func debugLog(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf(format, args...)
	}
}

var (
	// ErrDispatcherBusy is returned when the job queue is full.
	ErrDispatcherBusy = errors.New("dispatcher busy")
	// ErrJobCancelled is returned to callers whose queued job was dropped.
	ErrJobCancelled = errors.New("job cancelled")
)

type JobType int

const (
	Init JobType = iota
	Stream
	Guest
	Stop
)

func (t JobType) String() string {
	switch t {
	case Init:
		return "init"
	case Stream:
		return "stream"
	case Guest:
		return "guest"
	case Stop:
		return "stop"
	}
	return "unknown"
}

// Job is one unit of work handed to a pool worker. Exactly one task field is
// set, matching Type.
type Job struct {
	Type        JobType
	SessionTask *sessionTask
	StreamTask  *streamTask
	GuestTask   *guestTask
}

// queueKey groups jobs for fair scheduling: one queue per user or guest.
func (job Job) queueKey() string {
	switch job.Type {
	case Init:
		return userKey(job.SessionTask.req.UserID)
	case Stream:
		return userKey(job.StreamTask.req.UserID)
	case Guest:
		return guestKey(job.GuestTask.req.GuestID)
	}
	return ""
}

// fail resolves the job's waiter without running it.
func (job Job) fail(err error) {
	switch job.Type {
	case Init:
		job.SessionTask.resultCh <- sessionReturn{err: err}
	case Stream:
		job.StreamTask.resultCh <- streamReturn{err: err}
	case Guest:
		job.GuestTask.resultCh <- guestReturn{err: err}
	}
}

type Worker struct {
	id         int
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		id:         id,
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

// Start runs the worker loop. The worker offers itself to the pool, runs the
// job it is handed and offers itself again until told to stop.
func (w *Worker) Start() {
	go func() {
		debugLog("[worker-%d] started", w.id)
		if !w.pool.Release(w.jobChannel) {
			return
		}
		for job := range w.jobChannel {
			switch job.Type {
			case Init:
				w.manager.handleInit(job.SessionTask)
			case Stream:
				w.manager.handleStream(job.StreamTask)
			case Guest:
				w.manager.handleGuest(job.GuestTask)
			case Stop:
				w.pool.retire(w.jobChannel)
				debugLog("[worker-%d] retired", w.id)
				return
			}
			if !w.pool.Release(w.jobChannel) {
				debugLog("[worker-%d] pool closed", w.id)
				return
			}
		}
	}()
}
