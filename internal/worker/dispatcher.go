package worker

import (
	"container/list"
	"strconv"
	"sync"
	"time"
)

// DispatcherConfig sizes the worker pool and the job queue.
type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher feeds jobs to the pool round-robin over users with pending work,
// so one user's burst cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	quit     chan struct{}
	once     sync.Once

	mu        sync.Mutex
	closed    bool
	limit     int
	pending   int // submitted and not yet handed to a worker
	queues    map[string]*userQueue
	ready     *list.List // keys with pending jobs, front is served next
	positions map[string]*list.Element
}

func NewDispatcher(cfg DispatcherConfig, manager *Manager) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, manager),
		jobQueue:  make(chan Job, queueSize),
		quit:      make(chan struct{}),
		limit:     queueSize,
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

// Submit queues job without blocking. ErrDispatcherBusy means the queue is
// full; after Close every job is refused with ErrJobCancelled.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrJobCancelled
	}
	if d.pending >= d.limit {
		debugLog("[dispatcher] queue full, rejecting %s job for %s", job.Type, job.queueKey())
		return ErrDispatcherBusy
	}
	d.pending++
	// jobQueue holds limit jobs and pending counts every job in it, so the
	// send never blocks. Holding mu orders it before drain.
	d.jobQueue <- job
	return nil
}

// Pending returns the number of jobs waiting for a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Close stops dispatching and fails every job still queued.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.quit)
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				d.drain()
				return
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			d.drain()
			return
		default:
		}
	}
}

// CancelUser drops the queued jobs of a user; running jobs are unaffected.
func (d *Dispatcher) CancelUser(userID int64) {
	d.cancelKey(userKey(userID))
}

func (d *Dispatcher) cancelKey(key string) {
	d.mu.Lock()
	q := d.queues[key]
	delete(d.queues, key)
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
	if q != nil {
		d.pending -= len(q.jobs)
	}
	d.mu.Unlock()

	if q != nil {
		for _, job := range q.jobs {
			job.fail(ErrJobCancelled)
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	key := job.queueKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[key]
	if q == nil {
		q = &userQueue{}
		d.queues[key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[key] = d.ready.PushBack(key)
}

// dispatchOne hands the next job of the front user to a worker and moves
// that user to the back. It reports false when nothing is pending.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.pending--
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		job.fail(ErrJobCancelled)
		return true
	}
	debugLog("[dispatcher] assign %s job for %s to worker-%d", job.Type, key, d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

func (d *Dispatcher) drain() {
	d.mu.Lock()
	var pending []Job
	for key, q := range d.queues {
		pending = append(pending, q.jobs...)
		delete(d.queues, key)
	}
	d.ready.Init()
	d.positions = make(map[string]*list.Element)
	d.pending = 0
collect:
	for {
		select {
		case job := <-d.jobQueue:
			pending = append(pending, job)
		default:
			break collect
		}
	}
	d.mu.Unlock()

	for _, job := range pending {
		job.fail(ErrJobCancelled)
	}
}

func userKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

func guestKey(guestID string) string {
	return "guest:" + guestID
}
