package pipeline

import (
	"errors"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/tupyy/device-policy-ng/internal/entity"
	"github.com/tupyy/device-policy-ng/internal/formula"
	"github.com/tupyy/device-policy-ng/internal/function"
)

const testURN = "urn:test:thermometer"

type testAnalog struct {
	formula.MapEnv
	endpointID string
	queued     []entity.Message
}

func newTestAnalog() *testAnalog {
	return &testAnalog{
		MapEnv:     formula.MapEnv{Current: map[string]float64{}, InProcess: map[string]float64{}},
		endpointID: "endpoint-1",
	}
}

func (a *testAnalog) EndpointID() string { return a.endpointID }

func (a *testAnalog) DeviceModelURN() string { return testURN }

func (a *testAnalog) DeviceModel() *entity.DeviceModel { return &entity.DeviceModel{URN: testURN} }

func (a *testAnalog) QueueMessage(m entity.Message) { a.queued = append(a.queued, m) }

func (a *testAnalog) Invoke(action string, arg interface{}) error { return nil }

func newTestExecutor(t *testing.T, opts ...Option) *Executor {
	c, err := function.NewCatalog()
	if err != nil {
		t.Fatalf("cannot create catalog: %s", err)
	}
	return New(c, opts...)
}

func at(ms int) time.Time {
	return time.UnixMilli(1_600_000_000_000 + int64(ms))
}

func fn(id string, params entity.Parameters) entity.FunctionConfig {
	return entity.FunctionConfig{ID: id, Parameters: params}
}

func TestApplyAttribute(t *testing.T) {
	tests := []struct {
		name     string
		pipeline []entity.FunctionConfig
		current  map[string]float64
		value    interface{}
		expected interface{}
		ok       bool
		err      error
	}{
		{
			name:     "no pipeline",
			value:    12.0,
			expected: 12.0,
			ok:       true,
		},
		{
			name: "filtered out",
			pipeline: []entity.FunctionConfig{
				fn(function.FilterCondition, entity.Parameters{"condition": "$$(temperature) > 50"}),
			},
			value: 60.0,
			ok:    false,
		},
		{
			name: "filter then computed metric",
			pipeline: []entity.FunctionConfig{
				fn(function.FilterCondition, entity.Parameters{"condition": "$$(temperature) > 50"}),
				fn(function.ComputedMetric, entity.Parameters{"formula": "$$(temperature) * 9 / 5 + 32"}),
			},
			value:    20.0,
			expected: 68.0,
			ok:       true,
		},
		{
			name: "unknown function is skipped",
			pipeline: []entity.FunctionConfig{
				fn("doesNotExist", nil),
				fn(function.ComputedMetric, entity.Parameters{"formula": "$$(temperature) + 1"}),
			},
			value:    20.0,
			expected: 21.0,
			ok:       true,
		},
		{
			name: "malformed formula is skipped",
			pipeline: []entity.FunctionConfig{
				fn(function.ComputedMetric, entity.Parameters{"formula": "$$(temperature) +"}),
			},
			value:    20.0,
			expected: 20.0,
			ok:       true,
		},
		{
			name: "non numeric value is dropped",
			pipeline: []entity.FunctionConfig{
				fn(function.Max, entity.Parameters{"window": 1000}),
			},
			value: "hot",
			ok:    false,
			err:   entity.ErrInvalidParameter,
		},
		{
			name: "invalid window passes the value",
			pipeline: []entity.FunctionConfig{
				fn(function.ComputedMetric, entity.Parameters{"formula": "$$(temperature) + 1"}),
				fn(function.Mean, entity.Parameters{"window": -1}),
			},
			value:    20.0,
			expected: 20.0,
			ok:       true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			e := newTestExecutor(t)
			analog := newTestAnalog()
			if v, ok := test.value.(float64); ok {
				analog.InProcess["temperature"] = v
			}

			v, ok, err := e.ApplyAttribute(analog, "temperature", test.pipeline, test.value, at(0))
			if test.err != nil {
				assert.True(t, errors.Is(err, test.err))
			} else {
				assert.Nil(t, err)
			}
			assert.Equal(t, test.ok, ok)
			assert.Equal(t, test.expected, v)
		})
	}
}

func TestBrokenPipeline(t *testing.T) {
	g := NewWithT(t)
	e := newTestExecutor(t)
	analog := newTestAnalog()

	broken := []entity.FunctionConfig{fn(function.BatchBySize, entity.Parameters{"batchSize": 2}), fn(function.Mean, entity.Parameters{"window": 0})}
	// the batch of two reaches the mean which breaks the pipeline
	_, ok, err := e.ApplyAttribute(analog, "temperature", broken, 1.0, at(0))
	g.Expect(err).To(BeNil())
	g.Expect(ok).To(BeFalse())

	v, ok, err := e.ApplyAttribute(analog, "temperature", broken, 2.0, at(1))
	g.Expect(err).To(BeNil())
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(2.0))

	// no batching anymore
	v, ok, _ = e.ApplyAttribute(analog, "temperature", broken, 3.0, at(2))
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(3.0))

	// a corrected configuration is applied
	fixed := []entity.FunctionConfig{fn(function.BatchBySize, entity.Parameters{"batchSize": 2})}
	_, ok, _ = e.ApplyAttribute(analog, "temperature", fixed, 4.0, at(3))
	g.Expect(ok).To(BeFalse())
	v, ok, _ = e.ApplyAttribute(analog, "temperature", fixed, 5.0, at(4))
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(function.Batch{4.0, 5.0}))
}

func TestExpire(t *testing.T) {
	g := NewWithT(t)
	e := newTestExecutor(t)
	analog := newTestAnalog()

	pipeline := []entity.FunctionConfig{
		fn(function.Mean, entity.Parameters{"window": 1000}),
		fn(function.FilterCondition, entity.Parameters{"condition": "$$(temperature) == 0"}),
	}

	for i, v := range []float64{10, 20, 30} {
		_, ok, err := e.ApplyAttribute(analog, "temperature", pipeline, v, at(i*100))
		g.Expect(err).To(BeNil())
		g.Expect(ok).To(BeFalse())
	}

	v, ok, err := e.Expire(analog, "temperature", pipeline, 0, at(1000))
	g.Expect(err).To(BeNil())
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(20.0))

	_, ok, err = e.Expire(analog, "temperature", pipeline, 0, at(2000))
	g.Expect(err).To(BeNil())
	g.Expect(ok).To(BeFalse())
}

func TestInlineWindows(t *testing.T) {
	g := NewWithT(t)
	e := newTestExecutor(t, WithInlineWindows())
	analog := newTestAnalog()

	pipeline := []entity.FunctionConfig{fn(function.Mean, entity.Parameters{"window": 1000})}

	_, ok, _ := e.ApplyAttribute(analog, "temperature", pipeline, 10.0, at(0))
	g.Expect(ok).To(BeFalse())
	_, ok, _ = e.ApplyAttribute(analog, "temperature", pipeline, 20.0, at(500))
	g.Expect(ok).To(BeFalse())

	// the update after the window triggers the aggregation. 30 belongs to the next window.
	v, ok, _ := e.ApplyAttribute(analog, "temperature", pipeline, 30.0, at(1000))
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(15.0))
}

func TestPipelineChangeResetsState(t *testing.T) {
	g := NewWithT(t)
	e := newTestExecutor(t)
	analog := newTestAnalog()

	three := []entity.FunctionConfig{fn(function.BatchBySize, entity.Parameters{"batchSize": 3})}
	two := []entity.FunctionConfig{fn(function.BatchBySize, entity.Parameters{"batchSize": 2})}

	_, ok, _ := e.ApplyAttribute(analog, "temperature", three, 1, at(0))
	g.Expect(ok).To(BeFalse())
	_, ok, _ = e.ApplyAttribute(analog, "temperature", three, 2, at(1))
	g.Expect(ok).To(BeFalse())

	_, ok, _ = e.ApplyAttribute(analog, "temperature", two, 3, at(2))
	g.Expect(ok).To(BeFalse())
	v, ok, _ := e.ApplyAttribute(analog, "temperature", two, 4, at(3))
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(function.Batch{3, 4}))
}

func TestApplyDevice(t *testing.T) {
	g := NewWithT(t)
	e := newTestExecutor(t)
	analog := newTestAnalog()

	pipeline := []entity.FunctionConfig{fn(function.BatchByTime, entity.Parameters{"window": 60000})}

	data := entity.NewDataMessage(analog.EndpointID(), testURN, at(0), entity.DataItem{Name: "temperature", Value: 20.0})
	messages, err := e.ApplyDevice(analog, pipeline, data, at(0))
	g.Expect(err).To(BeNil())
	g.Expect(messages).To(BeEmpty())

	alert := entity.NewAlertMessage(analog.EndpointID(), testURN, "urn:alert", entity.SeveritySignificant, at(1))
	messages, err = e.ApplyDevice(analog, pipeline, alert, at(1))
	g.Expect(err).To(BeNil())
	g.Expect(messages).To(BeEmpty())

	// a critical alert flushes the batch
	critical := entity.NewAlertMessage(analog.EndpointID(), testURN, "urn:alert", entity.SeverityCritical, at(2))
	messages, err = e.ApplyDevice(analog, pipeline, critical, at(2))
	g.Expect(err).To(BeNil())
	g.Expect(messages).To(Equal([]entity.Message{data, alert, critical}))

	messages, err = e.ApplyDevice(analog, nil, data, at(3))
	g.Expect(err).To(BeNil())
	g.Expect(messages).To(Equal([]entity.Message{data}))

	// the scheduler flushes a batch
	_, _ = e.ApplyDevice(analog, pipeline, data, at(4))
	messages, err = e.ExpireDevice(analog, pipeline, 0, at(60000))
	g.Expect(err).To(BeNil())
	g.Expect(messages).To(Equal([]entity.Message{data}))
}

func TestResetAndInProcess(t *testing.T) {
	g := NewWithT(t)
	e := newTestExecutor(t)
	analog := newTestAnalog()
	other := newTestAnalog()
	other.endpointID = "endpoint-2"

	pipeline := []entity.FunctionConfig{fn(function.BatchBySize, entity.Parameters{"batchSize": 2})}

	_, _, _ = e.ApplyAttribute(analog, "temperature", pipeline, 1, at(0))
	_, _, _ = e.ApplyAttribute(other, "temperature", pipeline, 1, at(0))
	e.SetInProcess(analog.EndpointID(), testURN, "temperature", 1)
	e.SetInProcess(other.EndpointID(), testURN, "temperature", 1)

	v, ok := e.InProcess(analog.EndpointID(), testURN, "temperature")
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(1))

	e.Reset(analog.EndpointID(), testURN)

	_, ok = e.InProcess(analog.EndpointID(), testURN, "temperature")
	g.Expect(ok).To(BeFalse())
	_, ok = e.InProcess(other.EndpointID(), testURN, "temperature")
	g.Expect(ok).To(BeTrue())

	// the batch of the first endpoint starts over
	_, ok, _ = e.ApplyAttribute(analog, "temperature", pipeline, 2, at(1))
	g.Expect(ok).To(BeFalse())
	v, ok, _ = e.ApplyAttribute(other, "temperature", pipeline, 2, at(1))
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(function.Batch{1, 2}))

	e.ClearInProcess(other.EndpointID(), testURN, "temperature")
	_, ok = e.InProcess(other.EndpointID(), testURN, "temperature")
	g.Expect(ok).To(BeFalse())

	e.Clear()
	g.Expect(e.states).To(BeEmpty())
}

func TestWindowStartRecordedForPassingValues(t *testing.T) {
	g := NewWithT(t)
	e := newTestExecutor(t)
	analog := newTestAnalog()

	pipeline := []entity.FunctionConfig{fn(function.EliminateDuplicates, entity.Parameters{"window": 500})}
	key := StateKey{EndpointID: analog.EndpointID(), DeviceModelURN: testURN, Attribute: "temperature"}
	wk := WindowKey{StateKey: key, FunctionID: function.EliminateDuplicates}

	v, ok, err := e.ApplyAttribute(analog, "temperature", pipeline, 1.0, at(0))
	g.Expect(err).To(BeNil())
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(1.0))
	g.Expect(e.windows).To(HaveKeyWithValue(wk, at(0)))

	_, ok, _ = e.ApplyAttribute(analog, "temperature", pipeline, 1.0, at(200))
	g.Expect(ok).To(BeFalse())
	g.Expect(e.windows).To(HaveKeyWithValue(wk, at(0)))

	// the window restarts with the value passing after it elapsed
	v, ok, _ = e.ApplyAttribute(analog, "temperature", pipeline, 1.0, at(600))
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(1.0))
	g.Expect(e.windows).To(HaveKeyWithValue(wk, at(600)))
}

func TestPipelineHashIsKept(t *testing.T) {
	g := NewWithT(t)
	e := newTestExecutor(t)
	analog := newTestAnalog()
	key := StateKey{EndpointID: analog.EndpointID(), DeviceModelURN: testURN, Attribute: "temperature"}

	pipeline := []entity.FunctionConfig{fn(function.BatchBySize, entity.Parameters{"batchSize": 2})}
	_, _, _ = e.ApplyAttribute(analog, "temperature", pipeline, 1, at(0))

	h, found := e.hashes[key]
	g.Expect(found).To(BeTrue())
	g.Expect(h.hash).To(Equal(entity.PipelineHash(pipeline)))

	// the same pipeline reuses the hash
	h.hash = "kept"
	e.hashes[key] = h
	g.Expect(e.hash(key, pipeline)).To(Equal("kept"))

	// a new policy brings a new slice
	other := []entity.FunctionConfig{fn(function.BatchBySize, entity.Parameters{"batchSize": 2})}
	g.Expect(e.hash(key, other)).To(Equal(entity.PipelineHash(other)))

	e.Reset(analog.EndpointID(), testURN)
	g.Expect(e.hashes).To(BeEmpty())
}

func TestWindowClockAlignsWindows(t *testing.T) {
	g := NewWithT(t)
	e := newTestExecutor(t, WithWindowClock(fixedClock{expiry: at(2000)}))
	analog := newTestAnalog()

	pipeline := []entity.FunctionConfig{fn(function.Mean, entity.Parameters{"window": 2000, "slide": 1000})}

	_, ok, _ := e.ApplyAttribute(analog, "temperature", pipeline, 10.0, at(1500))
	g.Expect(ok).To(BeFalse())
	v, ok, _ := e.Expire(analog, "temperature", pipeline, 0, at(2000))
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(10.0))

	_, ok, _ = e.ApplyAttribute(analog, "temperature", pipeline, 20.0, at(2500))
	g.Expect(ok).To(BeFalse())
	v, ok, _ = e.Expire(analog, "temperature", pipeline, 0, at(3000))
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(15.0))
}

type fixedClock struct {
	expiry time.Time
}

func (c fixedClock) Expiry(window, slide time.Duration) (time.Time, bool) {
	return c.expiry, true
}
