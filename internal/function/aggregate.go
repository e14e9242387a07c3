package function

import (
	"fmt"
	"math"
	"time"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/window"
)

func schedule(id string, params entity.Parameters) (time.Duration, time.Duration, error) {
	w, err := params.Window()
	if err != nil {
		return 0, 0, err
	}
	if w == 0 {
		return 0, 0, fmt.Errorf("%w: %s requires a window", entity.ErrInvalidWindow, id)
	}
	return w, params.Slide(w), nil
}

func numeric(id string, value interface{}) (float64, error) {
	v, err := entity.ToFloat(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", id, err)
	}
	return v, nil
}

// aggregate is a windowed reduction over the values of a window.
type aggregate struct {
	id string
	// zero is the value of an empty bucket.
	zero    float64
	combine func(acc, v float64) float64
	// result computes the value of the window from the reduced buckets.
	result func(acc float64, terms int) float64
}

type aggregateState struct {
	store *window.Store[float64]
}

func newMean() *aggregate {
	return &aggregate{
		id:      Mean,
		combine: func(acc, v float64) float64 { return acc + v },
		result:  func(acc float64, terms int) float64 { return acc / float64(terms) },
	}
}

func newMin() *aggregate {
	return &aggregate{
		id:      Min,
		zero:    math.Inf(1),
		combine: math.Min,
		result:  func(acc float64, _ int) float64 { return acc },
	}
}

func newMax() *aggregate {
	return &aggregate{
		id:      Max,
		zero:    math.Inf(-1),
		combine: math.Max,
		result:  func(acc float64, _ int) float64 { return acc },
	}
}

func (a *aggregate) ID() string {
	return a.id
}

func (a *aggregate) Schedule(params entity.Parameters) (time.Duration, time.Duration, error) {
	return schedule(a.id, params)
}

func (a *aggregate) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	w, slide, err := a.Schedule(params)
	if err != nil {
		return false, err
	}

	v, err := numeric(a.id, value)
	if err != nil {
		return false, err
	}

	s := stateOf[aggregateState](state)
	if s.store == nil {
		s.store, err = window.New(w, slide, ctx.windowStart(w, slide), func() float64 { return a.zero })
		if err != nil {
			return false, err
		}
	}

	b := s.store.Bucket(ctx.Now)
	b.Value = a.combine(b.Value, v)
	b.Terms++

	return false, nil
}

func (a *aggregate) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	s, ok := peekState[aggregateState](state)
	if !ok || s.store == nil {
		return nil, nil
	}
	defer s.store.Advance()

	acc, terms := a.zero, 0
	for _, b := range s.store.Collect() {
		if b.Terms == 0 {
			continue
		}
		acc = a.combine(acc, b.Value)
		terms += b.Terms
	}

	if terms == 0 {
		return nil, nil
	}

	return a.result(acc, terms), nil
}

func (a *aggregate) Describe(params entity.Parameters) string {
	return describe(a.id, params, "window", "slide")
}

// welford summarizes the samples of a bucket.
type welford struct {
	n    int
	mean float64
	m2   float64
}

func (w welford) add(v float64) welford {
	w.n++
	delta := v - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (v - w.mean)
	return w
}

// merge combines two summaries (Chan et al.).
func (w welford) merge(o welford) welford {
	if o.n == 0 {
		return w
	}
	if w.n == 0 {
		return o
	}
	n := w.n + o.n
	delta := o.mean - w.mean
	return welford{
		n:    n,
		mean: w.mean + delta*float64(o.n)/float64(n),
		m2:   w.m2 + o.m2 + delta*delta*float64(w.n)*float64(o.n)/float64(n),
	}
}

type deviationState struct {
	samples   *window.Store[[]float64]
	summaries *window.Store[welford]
}

// standardDeviation computes the population standard deviation of the values of a window.
// By default the samples of the window are kept and the deviation is computed over their union.
// With streaming=true each bucket keeps a running summary instead.
type standardDeviation struct{}

func (d *standardDeviation) ID() string {
	return StandardDeviation
}

func (d *standardDeviation) Schedule(params entity.Parameters) (time.Duration, time.Duration, error) {
	return schedule(StandardDeviation, params)
}

func (d *standardDeviation) Apply(ctx *Context, params entity.Parameters, state *State, value interface{}) (bool, error) {
	w, slide, err := d.Schedule(params)
	if err != nil {
		return false, err
	}

	streaming, err := params.Bool("streaming", false)
	if err != nil {
		return false, err
	}

	v, err := numeric(StandardDeviation, value)
	if err != nil {
		return false, err
	}

	s := stateOf[deviationState](state)

	if streaming {
		if s.summaries == nil {
			if s.summaries, err = window.New[welford](w, slide, ctx.windowStart(w, slide), nil); err != nil {
				return false, err
			}
		}
		b := s.summaries.Bucket(ctx.Now)
		b.Value = b.Value.add(v)
		b.Terms++
		return false, nil
	}

	if s.samples == nil {
		if s.samples, err = window.New[[]float64](w, slide, ctx.windowStart(w, slide), nil); err != nil {
			return false, err
		}
	}
	b := s.samples.Bucket(ctx.Now)
	b.Value = append(b.Value, v)
	b.Terms++

	return false, nil
}

func (d *standardDeviation) Get(ctx *Context, params entity.Parameters, state *State) (interface{}, error) {
	s, ok := peekState[deviationState](state)
	if !ok {
		return nil, nil
	}

	switch {
	case s.summaries != nil:
		defer s.summaries.Advance()

		var total welford
		for _, b := range s.summaries.Collect() {
			total = total.merge(b.Value)
		}
		if total.n == 0 {
			return nil, nil
		}
		return math.Sqrt(total.m2 / float64(total.n)), nil
	case s.samples != nil:
		defer s.samples.Advance()

		var union []float64
		for _, b := range s.samples.Collect() {
			union = append(union, b.Value...)
		}
		if len(union) == 0 {
			return nil, nil
		}
		return populationDeviation(union), nil
	default:
		return nil, nil
	}
}

func (d *standardDeviation) Describe(params entity.Parameters) string {
	return describe(StandardDeviation, params, "window", "slide", "streaming")
}

func populationDeviation(samples []float64) float64 {
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))

	var squares float64
	for _, v := range samples {
		squares += (v - mean) * (v - mean)
	}

	return math.Sqrt(squares / float64(len(samples)))
}
