package agentpool

import (
	"otto/internal/domain"
)

// priorityQueue holds queued tasks in one FIFO bucket per priority rank.
// Dispatch order is strict rank order, submission order within a rank.
// Crash requeues go to the head of their rank so an interrupted task does
// not lose its place.
type priorityQueue struct {
	buckets [5][]*domain.Task
	size    int
}

func (q *priorityQueue) pushTail(task *domain.Task) {
	rank := task.Priority.Rank()
	q.buckets[rank] = append(q.buckets[rank], task)
	q.size++
}

func (q *priorityQueue) pushHead(task *domain.Task) {
	rank := task.Priority.Rank()
	q.buckets[rank] = append([]*domain.Task{task}, q.buckets[rank]...)
	q.size++
}

func (q *priorityQueue) pop() *domain.Task {
	for rank := range q.buckets {
		if len(q.buckets[rank]) > 0 {
			task := q.buckets[rank][0]
			q.buckets[rank] = q.buckets[rank][1:]
			q.size--
			return task
		}
	}
	return nil
}

// remove drops a queued task by id, reporting whether it was present.
func (q *priorityQueue) remove(taskID string) bool {
	for rank := range q.buckets {
		for i, task := range q.buckets[rank] {
			if task.ID == taskID {
				q.buckets[rank] = append(q.buckets[rank][:i], q.buckets[rank][i+1:]...)
				q.size--
				return true
			}
		}
	}
	return false
}

func (q *priorityQueue) len() int { return q.size }
