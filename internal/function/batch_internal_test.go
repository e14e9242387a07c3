package function

import (
	"errors"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/tupyy/device-policy-ng/internal/entity"
)

func TestBatchBySize(t *testing.T) {
	g := NewWithT(t)
	c := newTestCatalog(t)
	f, _ := c.Lookup(BatchBySize)

	ctx := &Context{Analog: newTestAnalog(nil), Attribute: "temperature", Now: at(0)}
	params := entity.Parameters{"batchSize": 3}
	state := &State{}

	for i := 1; i <= 2; i++ {
		_, ok, err := run(ctx, f, params, state, i)
		g.Expect(err).To(BeNil())
		g.Expect(ok).To(BeFalse())
	}

	v, ok, err := run(ctx, f, params, state, 3)
	g.Expect(err).To(BeNil())
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(Batch{1, 2, 3}))

	// a fresh batch
	_, ok, err = run(ctx, f, params, state, 4)
	g.Expect(err).To(BeNil())
	g.Expect(ok).To(BeFalse())

	_, err = f.Apply(ctx, entity.Parameters{"batchSize": 0}, state, 5)
	g.Expect(errors.Is(err, entity.ErrInvalidParameter)).To(BeTrue())
}

func TestBatchByTime(t *testing.T) {
	g := NewWithT(t)
	c := newTestCatalog(t)
	f, _ := c.Lookup(BatchByTime)

	ctx := &Context{Analog: newTestAnalog(nil), Attribute: "temperature", Now: at(0)}
	params := entity.Parameters{"window": 1000}
	state := &State{}

	for i := 0; i < 4; i++ {
		ok, err := f.Apply(ctx, params, state, i)
		g.Expect(err).To(BeNil())
		g.Expect(ok).To(BeFalse())
	}

	v, err := f.Get(ctx, params, state)
	g.Expect(err).To(BeNil())
	g.Expect(v).To(Equal(Batch{0, 1, 2, 3}))

	v, err = f.Get(ctx, params, state)
	g.Expect(err).To(BeNil())
	g.Expect(v).To(BeNil())

	scheduled, ok := f.(Scheduled)
	g.Expect(ok).To(BeTrue())
	window, slide, err := scheduled.Schedule(params)
	g.Expect(err).To(BeNil())
	g.Expect(window).To(Equal(slide))

	_, err = f.Apply(ctx, entity.Parameters{"window": -1}, state, 1)
	g.Expect(errors.Is(err, entity.ErrInvalidWindow)).To(BeTrue())
}

type costProvider struct {
	cost NetworkCost
}

func (c *costProvider) NetworkCost() NetworkCost {
	return c.cost
}

func TestBatchByCost(t *testing.T) {
	g := NewWithT(t)
	provider := &costProvider{cost: Satellite}
	c := newTestCatalog(t, WithNetworkCost(provider))
	f, _ := c.Lookup(BatchByCost)

	ctx := &Context{Analog: newTestAnalog(nil), Attribute: "temperature", Now: at(0)}
	params := entity.Parameters{"networkCost": "CELLULAR"}
	state := &State{}

	_, ok, err := run(ctx, f, params, state, 1)
	g.Expect(err).To(BeNil())
	g.Expect(ok).To(BeFalse())

	provider.cost = Cellular
	v, ok, err := run(ctx, f, params, state, 2)
	g.Expect(err).To(BeNil())
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(Batch{2}))

	_, err = f.Apply(ctx, entity.Parameters{"networkCost": "WIFI"}, state, 3)
	g.Expect(errors.Is(err, entity.ErrInvalidParameter)).To(BeTrue())
}

func TestSampleQuality(t *testing.T) {
	g := NewWithT(t)
	c := newTestCatalog(t)
	f, _ := c.Lookup(SampleQuality)

	ctx := &Context{Analog: newTestAnalog(nil), Attribute: "temperature", Now: at(0)}

	count := func(params entity.Parameters, n int) int {
		state := &State{}
		passed := 0
		for i := 0; i < n; i++ {
			_, ok, err := run(ctx, f, params, state, i)
			g.Expect(err).To(BeNil())
			if ok {
				passed++
			}
		}
		return passed
	}

	g.Expect(count(entity.Parameters{"rate": 0}, 10)).To(Equal(10))
	g.Expect(count(entity.Parameters{"rate": 3}, 10)).To(Equal(3))
	g.Expect(count(entity.Parameters{"rate": 1}, 10)).To(Equal(10))

	random := count(entity.Parameters{"rate": -1}, 3000)
	g.Expect(random).To(BeNumerically(">", 50))
	g.Expect(random).To(BeNumerically("<", 150))

	_, err := f.Apply(ctx, entity.Parameters{"rate": -2}, &State{}, 1)
	g.Expect(errors.Is(err, entity.ErrInvalidParameter)).To(BeTrue())
}
