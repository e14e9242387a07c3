package containers

import (
	"errors"
	"testing"

	. "github.com/onsi/gomega"
)

func TestQueue(t *testing.T) {
	g := NewWithT(t)
	q := NewQueue[int]()

	q.Push(1)
	q.Push(2)
	q.Push(3)
	g.Expect(q.Size()).To(Equal(3))
	g.Expect(q.String()).To(Equal("[1]->[2]->[3]->"))

	for i := 1; i <= 3; i++ {
		v, err := q.Pop()
		g.Expect(err).To(BeNil())
		g.Expect(v).To(Equal(i))
	}

	_, err := q.Pop()
	g.Expect(errors.Is(err, ErrQueueEmpty)).To(BeTrue())

	q.Push(4)
	g.Expect(q.Size()).To(Equal(1))
	v, _ := q.Pop()
	g.Expect(v).To(Equal(4))
	g.Expect(q.Size()).To(Equal(0))
}
