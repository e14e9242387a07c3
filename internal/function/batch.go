package function

import (
	"fmt"
	"time"

	"github.com/tupyy/device-policy-ng/internal/entity"
)

type batchState struct {
	values Batch
}

func (b *batchState) add(v interface{}) {
	b.values = append(b.values, v)
}

// flush returns the batched values and starts a new batch.
func (b *batchState) flush() interface{} {
	if len(b.values) == 0 {
		return nil
	}
	values := b.values
	b.values = nil
	return values
}

func getBatch(state *State) (interface{}, error) {
	s, ok := peekState[batchState](state)
	if !ok {
		return nil, nil
	}
	return s.flush(), nil
}

// batchByTime buffers every value until its window expires.
type batchByTime struct{}

func (b *batchByTime) ID() string {
	return BatchByTime
}

func (b *batchByTime) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	if _, _, err := b.Schedule(params); err != nil {
		return false, err
	}
	stateOf[batchState](state).add(value)
	return false, nil
}

func (b *batchByTime) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	return getBatch(state)
}

func (b *batchByTime) Schedule(params entity.Parameters) (time.Duration, time.Duration, error) {
	window, err := params.Window()
	if err != nil {
		return 0, 0, err
	}
	if window == 0 {
		return 0, 0, fmt.Errorf("%w: %s requires a window", entity.ErrInvalidWindow, BatchByTime)
	}
	return window, window, nil
}

func (b *batchByTime) Describe(params entity.Parameters) string {
	return describe(BatchByTime, params, "window")
}

// batchBySize flushes once batchSize values are buffered.
type batchBySize struct{}

func (b *batchBySize) ID() string {
	return BatchBySize
}

func (b *batchBySize) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	size, err := params.Int("batchSize", 0)
	if err != nil {
		return false, err
	}
	if size < 1 {
		return false, fmt.Errorf("%w: batchSize must be at least 1: %d", entity.ErrInvalidParameter, size)
	}

	s := stateOf[batchState](state)
	s.add(value)

	return len(s.values) >= size, nil
}

func (b *batchBySize) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	return getBatch(state)
}

func (b *batchBySize) Describe(params entity.Parameters) string {
	return describe(BatchBySize, params, "batchSize")
}

// batchByCost drops the values while the current network is more expensive than networkCost.
type batchByCost struct {
	provider NetworkCostProvider
}

func (b *batchByCost) ID() string {
	return BatchByCost
}

func (b *batchByCost) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	ceiling, err := ParseNetworkCost(params.String("networkCost", Ethernet.String()))
	if err != nil {
		return false, err
	}

	s := stateOf[batchState](state)

	if b.provider.NetworkCost() > ceiling {
		return false, nil
	}

	s.add(value)
	return true, nil
}

func (b *batchByCost) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	return getBatch(state)
}

func (b *batchByCost) Describe(params entity.Parameters) string {
	return describe(BatchByCost, params, "networkCost")
}
