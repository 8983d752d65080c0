package sched

import "container/list"

// Queue is a FIFO of *Thread, used for both the run queue and every wait
// channel; any Queue value is addressable as a wait channel.
type Queue struct {
	l *list.List
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{l: list.New()}
}

// Len reports the number of threads currently queued.
func (q *Queue) Len() int {
	return q.l.Len()
}

// PushBack enqueues t at the tail.
func (q *Queue) PushBack(t *Thread) {
	t.elem = q.l.PushBack(t)
	t.onQueue = q
}

// PopFront dequeues and returns the head thread, or nil if empty.
func (q *Queue) PopFront() *Thread {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	t := e.Value.(*Thread)
	t.elem = nil
	t.onQueue = nil
	return t
}

// Remove removes t from the queue if it is on it. Used by cancel() to pull
// a cancellable sleeper off its wait channel.
func (q *Queue) Remove(t *Thread) bool {
	if t.onQueue != q || t.elem == nil {
		return false
	}
	q.l.Remove(t.elem)
	t.elem = nil
	t.onQueue = nil
	return true
}
