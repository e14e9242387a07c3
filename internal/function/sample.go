package function

import (
	"fmt"

	"github.com/tupyy/device-policy-ng/internal/entity"
)

// randomSampleRate is the rate value selecting a random sample of about one value out of randomSampleSize.
const (
	randomSampleRate = -1
	randomSampleSize = 30
)

type intn interface {
	Intn(n int) int
}

type sampleState struct {
	pending
	count int
}

// sampleQuality passes all the values (rate 0), a random sample (rate -1) or every rate-th value.
type sampleQuality struct {
	rand intn
}

func (q *sampleQuality) ID() string {
	return SampleQuality
}

func (q *sampleQuality) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	rate, err := params.Int("rate", 0)
	if err != nil {
		return false, err
	}

	s := stateOf[sampleState](state)

	var pass bool
	switch {
	case rate == 0:
		pass = true
	case rate == randomSampleRate:
		pass = q.rand.Intn(randomSampleSize) == 0
	case rate > 0:
		s.count++
		pass = s.count >= rate
	default:
		return false, fmt.Errorf("%w: sample rate %d", entity.ErrInvalidParameter, rate)
	}

	if !pass {
		s.clear()
		return false, nil
	}

	s.put(value)
	return true, nil
}

func (q *sampleQuality) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	s, ok := peekState[sampleState](state)
	if !ok {
		return nil, nil
	}
	s.count = 0
	return s.take(), nil
}

func (q *sampleQuality) Describe(params entity.Parameters) string {
	return describe(SampleQuality, params, "rate")
}
