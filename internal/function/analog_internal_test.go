package function

import (
	"math/rand"
	"testing"
	"time"

	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/formula"
)

const testURN = "urn:test:thermometer"

type testAnalog struct {
	formula.MapEnv
	model   *entity.DeviceModel
	queued  []entity.Message
	invoked []entity.Pair[string, interface{}]
}

func newTestAnalog(values map[string]float64) *testAnalog {
	return &testAnalog{
		MapEnv: formula.MapEnv{Current: values, InProcess: map[string]float64{}},
		model: &entity.DeviceModel{
			URN: testURN,
			Attributes: []entity.Attribute{
				{Name: "temperature", Type: entity.NumberType},
			},
			Actions: []entity.Action{
				{Name: "reset", ArgType: entity.NumberType},
			},
		},
	}
}

func (a *testAnalog) EndpointID() string { return "endpoint-1" }

func (a *testAnalog) DeviceModelURN() string { return testURN }

func (a *testAnalog) DeviceModel() *entity.DeviceModel { return a.model }

func (a *testAnalog) QueueMessage(m entity.Message) {
	a.queued = append(a.queued, m)
}

func (a *testAnalog) Invoke(action string, arg interface{}) error {
	a.invoked = append(a.invoked, entity.Pair[string, interface{}]{Name: action, Value: arg})
	return nil
}

func newTestCatalog(t *testing.T, opts ...Option) *Catalog {
	opts = append([]Option{WithRand(rand.New(rand.NewSource(1)))}, opts...)
	c, err := NewCatalog(opts...)
	if err != nil {
		t.Fatalf("cannot create catalog: %s", err)
	}
	return c
}

// run applies f to value and calls Get when Apply returns true.
func run(ctx *Context, f Function, params entity.Parameters, state *State, value interface{}) (interface{}, bool, error) {
	ok, err := f.Apply(ctx, params, state, value)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := f.Get(ctx, params, state)
	return v, v != nil, err
}

func at(ms int) time.Time {
	return time.UnixMilli(1_600_000_000_000 + int64(ms))
}
