package tilemanager

import (
	"container/list"
	"sync"

	"github.com/aukilabs/tilestream/tile"
)

type position string

const (
	positionFront   position = "front"
	positionBack    position = "back"
	positionDropped position = "dropped"
)

// loadQueue is the double-ended queue of tasks consumed by the loader. The
// mutex also guards the id of the tile being loaded.
//
// Methods suffixed with Locked must be called with the mutex held.
type loadQueue struct {
	mutex   sync.Mutex
	cond    *sync.Cond
	tasks   *list.List
	loading tile.ID
	closed  bool
}

func newLoadQueue() *loadQueue {
	q := &loadQueue{
		tasks:   list.New(),
		loading: tile.NoID,
	}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

func (q *loadQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.tasks.Len()
}

// Loading returns the id of the tile being loaded, or tile.NoID.
func (q *loadQueue) Loading() tile.ID {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.loading
}

// next blocks until a task is available and marks it as loading. It returns
// false once the queue is closed.
func (q *loadQueue) next() (tile.Task, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for {
		if q.closed {
			return tile.Task{}, false
		}

		if front := q.tasks.Front(); front != nil {
			task := q.tasks.Remove(front).(tile.Task)
			q.loading = task.ID
			return task, true
		}

		q.cond.Wait()
	}
}

// done clears the loading mark set by next.
func (q *loadQueue) done() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.loading = tile.NoID
}

func (q *loadQueue) close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.closed = true
	q.tasks.Init()
	q.cond.Broadcast()
}

func (q *loadQueue) lenLocked() int {
	return q.tasks.Len()
}

func (q *loadQueue) clearLocked() int {
	n := q.tasks.Len()
	q.tasks.Init()
	return n
}

func (q *loadQueue) signalLocked() {
	if q.tasks.Len() != 0 {
		q.cond.Signal()
	}
}

func (q *loadQueue) tasksLocked() []tile.Task {
	tasks := make([]tile.Task, 0, q.tasks.Len())
	for e := q.tasks.Front(); e != nil; e = e.Next() {
		tasks = append(tasks, e.Value.(tile.Task))
	}
	return tasks
}

// admission tracks the queue insertions made by a single walk.
type admission struct {
	limit   int
	queued  int
	closest float64
}

// admitLocked inserts a task according to its distance:
//   - an empty queue takes it at the front and it becomes the closest task,
//   - a task closer than the closest one goes to the front,
//   - otherwise it goes to the back while the walk queued less than the limit,
//   - otherwise it is dropped and will be reconsidered by the next walk.
func (q *loadQueue) admitLocked(a *admission, task tile.Task, distance float64) position {
	switch {
	case q.tasks.Len() == 0:
		a.closest = distance
		a.queued++
		q.tasks.PushFront(task)
		return positionFront

	case distance < a.closest:
		a.closest = distance
		a.queued++
		q.tasks.PushFront(task)
		return positionFront

	case a.queued < a.limit:
		a.queued++
		q.tasks.PushBack(task)
		return positionBack

	default:
		return positionDropped
	}
}
