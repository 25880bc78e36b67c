package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoTaskFunc is reported for a task submitted without a Run function.
var ErrNoTaskFunc = errors.New("worker: task has no run function")

// Worker drains the pool queue on its own goroutine. A panicking task is
// reported as a failed Result and the worker moves on.
type Worker struct {
	id      int
	queue   <-chan Task
	results chan<- Result
}

func newWorker(id int, queue <-chan Task, results chan<- Result) *Worker {
	return &Worker{id: id, queue: queue, results: results}
}

// Run returns when the queue is closed.
func (w *Worker) Run() {
	for task := range w.queue {
		start := time.Now()
		err := w.runOne(task)
		res := Result{
			TaskID:   task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
		select {
		case w.results <- res:
		default:
			// 沒有人在讀：排名已過截止時間
		}
	}
}

func (w *Worker) runOne(task Task) (err error) {
	if task.Run == nil {
		return ErrNoTaskFunc
	}
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: task %s panicked: %v", w.id, task.ID, r)
		}
	}()
	return task.Run(ctx)
}
