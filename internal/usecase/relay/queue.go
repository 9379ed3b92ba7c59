package relay

import (
	"errors"

	"github.com/yukia3e/userop-relayer/internal/domain/model"
)

var ErrQueueFull = errors.New("queue is full")

// Queue collects the operations that go into one handleOps call. Drain
// empties the queue and returns its contents in insertion order.
type Queue interface {
	Add(op *model.UserOperation) error
	Drain() []*model.UserOperation
}

// singleQueue holds at most one operation, so every call is a bundle of one.
type singleQueue struct {
	op *model.UserOperation
}

func NewSingleQueue() Queue {
	return &singleQueue{}
}

func (q *singleQueue) Add(op *model.UserOperation) error {
	if q.op != nil {
		return ErrQueueFull
	}
	q.op = op
	return nil
}

func (q *singleQueue) Drain() []*model.UserOperation {
	if q.op == nil {
		return nil
	}
	ops := []*model.UserOperation{q.op}
	q.op = nil
	return ops
}
