package peer

import (
	"errors"
	"sync"
)

var errQueueStopped = errors.New("очередь задач остановлена")

// taskQueue последовательно выполняет задачи в одной горутине.
// Post никогда не блокируется: очередь не ограничена.
type taskQueue struct {
	mutex   sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
	done    chan struct{}
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mutex)
	go q.run()
	return q
}

func (q *taskQueue) run() {
	defer close(q.done)
	for {
		q.mutex.Lock()
		for len(q.tasks) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mutex.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mutex.Unlock()

		task()
	}
}

// Post ставит задачу в очередь. После stop задача отбрасывается.
func (q *taskQueue) Post(task func()) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.stopped {
		return false
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	return true
}

// Do выполняет задачу в очереди и ждет результата.
// Нельзя вызывать из задачи той же очереди.
func (q *taskQueue) Do(task func() error) error {
	result := make(chan error, 1)
	if !q.Post(func() { result <- task() }) {
		return errQueueStopped
	}
	return <-result
}

// stop запрещает новые задачи; уже поставленные будут выполнены
func (q *taskQueue) stop() {
	q.mutex.Lock()
	q.stopped = true
	q.cond.Signal()
	q.mutex.Unlock()
}

// wait дожидается завершения горутины очереди после stop
func (q *taskQueue) wait() {
	<-q.done
}
