package containers

import (
	"errors"
	"fmt"
	"strings"
)

var ErrQueueEmpty = errors.New("queue empty")

type node[T any] struct {
	next  *node[T]
	value T
}

// Queue is a FIFO queue. It is *not* thread safe.
type Queue[T any] struct {
	root *node[T]
	tail *node[T]
	size int
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

func (q *Queue[T]) Push(v T) {
	n := &node[T]{value: v}
	if q.root == nil {
		q.root = n
		q.tail = n
	} else {
		q.tail.next = n
		q.tail = n
	}
	q.size++
}

func (q *Queue[T]) Pop() (T, error) {
	var result T
	if q.root == nil {
		return result, ErrQueueEmpty
	}

	root := q.root
	q.root = root.next
	if q.root == nil {
		q.tail = nil
	}
	q.size--

	return root.value, nil
}

func (q *Queue[T]) Size() int {
	return q.size
}

func (q *Queue[T]) String() string {
	var sb strings.Builder
	n := q.root
	for n != nil {
		fmt.Fprintf(&sb, "[%v]->", n.value)
		n = n.next
	}

	return sb.String()
}
