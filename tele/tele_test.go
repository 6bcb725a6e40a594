package tele

import (
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/vemon/log2"
	tele_config "github.com/temoto/vemon/tele/config"
	"github.com/temoto/vemon/vedirect"
)

type recorder struct {
	sync.Mutex
	lines []string
}

func (r *recorder) Register(c vedirect.Category, reg vedirect.Register) {
	r.Lock()
	r.lines = append(r.lines, c.String()+" "+reg.String())
	r.Unlock()
}

func (r *recorder) Online(c vedirect.Category, online bool) {
	r.Lock()
	r.lines = append(r.lines, fmt.Sprintf("%s online=%t", c.String(), online))
	r.Unlock()
}

func (r *recorder) get() []string {
	r.Lock()
	defer r.Unlock()
	return append([]string(nil), r.lines...)
}

func TestRoute(t *testing.T) {
	t.Parallel()
	cases := []struct {
		c      vedirect.Category
		r      vedirect.Register
		expect Quantity
		ok     bool
	}{
		{vedirect.CategorySmartShunt, vedirect.NewRegister(vedirect.KindAuxVoltage, 12.71), Quantity{"starter_battery_voltage", 12.71}, true},
		{vedirect.CategorySmartShunt, vedirect.NewRegister(vedirect.KindStateOfCharge, 87.5), Quantity{"house_battery_level", 0.875}, true},
		{vedirect.CategorySmartShunt, vedirect.NewRegister(vedirect.KindMainVoltage, 13.2), Quantity{}, false},
		{vedirect.CategorySolarMppt, vedirect.NewRegister(vedirect.KindPanelPower, 240), Quantity{"solar_power", 240}, true},
		{vedirect.CategorySolarMppt, vedirect.NewRegister(vedirect.KindAuxVoltage, 12.7), Quantity{}, false},
		{vedirect.CategoryPhoenixInverter, vedirect.NewRegister(vedirect.KindACOutputApparentPower, 350), Quantity{"inverter_power", 350}, true},
		{vedirect.CategoryUnknown, vedirect.NewRegister(vedirect.KindPanelPower, 1), Quantity{}, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.c.String()+"/"+c.r.Kind.String(), func(t *testing.T) {
			q, ok := Route(c.c, c.r)
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.expect.Name, q.Name)
			assert.InDelta(t, c.expect.Value, q.Value, 0.0001)
		})
	}
	assert.Panics(t, func() { Route(vedirect.Category(200), vedirect.NewRegister(vedirect.KindPanelPower, 1)) })
}

func TestMulti(t *testing.T) {
	t.Parallel()
	r1, r2 := &recorder{}, &recorder{}
	m := Multi{r1, Noop{}, r2}
	m.Register(vedirect.CategorySolarMppt, vedirect.NewRegister(vedirect.KindPanelPower, 12))
	m.Online(vedirect.CategorySolarMppt, false)
	expect := []string{"solar_mppt panel_power(12)", "solar_mppt online=false"}
	assert.Equal(t, expect, r1.get())
	assert.Equal(t, expect, r2.get())
}

type blockingSink struct {
	recorder
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSink) Register(c vedirect.Category, reg vedirect.Register) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	b.recorder.Register(c, reg)
}

func TestAsync(t *testing.T) {
	t.Parallel()
	inner := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	a := NewAsync(inner, 1)
	reg := func(v float32) vedirect.Register { return vedirect.NewRegister(vedirect.KindMainVoltage, v) }

	a.Register(vedirect.CategorySmartShunt, reg(1))
	<-inner.entered // worker is busy with first
	a.Register(vedirect.CategorySmartShunt, reg(2))
	a.Register(vedirect.CategorySmartShunt, reg(3))
	assert.Equal(t, uint32(1), a.Dropped())

	close(inner.release)
	a.Close()
	assert.Equal(t, []string{"smart_shunt main_voltage(1)", "smart_shunt main_voltage(2)"}, inner.get())

	// after close
	a.Online(vedirect.CategorySmartShunt, true)
	assert.Equal(t, uint32(2), a.Dropped())
}

func TestAsyncOnlineNotDropped(t *testing.T) {
	t.Parallel()
	inner := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	a := NewAsync(inner, 4)
	reg := func(v float32) vedirect.Register { return vedirect.NewRegister(vedirect.KindMainVoltage, v) }

	a.Online(vedirect.CategorySmartShunt, true)
	a.Register(vedirect.CategorySmartShunt, reg(1))
	<-inner.entered // worker is stuck in first register
	for i := 2; i <= 10; i++ {
		a.Register(vedirect.CategorySmartShunt, reg(float32(i)))
	}
	a.Online(vedirect.CategorySmartShunt, false)
	a.Online(vedirect.CategorySolarMppt, true)
	a.Online(vedirect.CategorySolarMppt, false)
	assert.Equal(t, uint32(5), a.Dropped())

	close(inner.release)
	a.Close()
	assert.Equal(t, []string{
		"smart_shunt online=true",
		"smart_shunt main_voltage(1)",
		"smart_shunt main_voltage(2)",
		"smart_shunt main_voltage(3)",
		"smart_shunt main_voltage(4)",
		"smart_shunt main_voltage(5)",
		"smart_shunt online=false",
		"solar_mppt online=false",
	}, inner.get())
}

func TestAsyncOrder(t *testing.T) {
	t.Parallel()
	inner := &recorder{}
	a := NewAsync(inner, 0)
	a.Online(vedirect.CategoryPhoenixInverter, true)
	a.Register(vedirect.CategoryPhoenixInverter, vedirect.NewRegister(vedirect.KindACOutputVoltage, 230))
	a.Online(vedirect.CategoryPhoenixInverter, false)
	a.Close()
	assert.Equal(t, []string{
		"phoenix_inverter online=true",
		"phoenix_inverter ac_output_voltage(230)",
		"phoenix_inverter online=false",
	}, inner.get())
	assert.Equal(t, uint32(0), a.Dropped())
}

func TestCodec(t *testing.T) {
	t.Parallel()
	s := NewSample("smart_shunt", "house_battery_level", 0.875, time.Unix(1600000000, 42))
	for _, name := range []string{PayloadProto, PayloadCbor} {
		name := name
		t.Run(name, func(t *testing.T) {
			codec, err := NewCodec(name)
			require.NoError(t, err)
			b, err := codec.Encode(s)
			require.NoError(t, err)
			s2, err := codec.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, s, s2)
		})
	}

	_, err := NewCodec("json")
	assert.True(t, errors.IsNotSupported(err))
}

func TestProtoWire(t *testing.T) {
	t.Parallel()
	b, err := protoCodec{}.Encode(Sample{Category: "a", Name: "b", Value: 1, Time: 1})
	require.NoError(t, err)
	// protoc --encode=Sample: category="a" name="b" value=1 time=1
	assert.Equal(t, "0a01611201621d0000803f2001", fmt.Sprintf("%x", b))

	s, err := protoCodec{}.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, Sample{Category: "a", Name: "b", Value: 1, Time: 1}, s)

	// truncated
	_, err = protoCodec{}.Decode([]byte{0x0a, 0x05, 'a'})
	assert.True(t, errors.IsNotValid(err))
	// unknown field 6 is skipped
	s, err = protoCodec{}.Decode([]byte{0x30, 0x01, 0x12, 0x01, 'b'})
	require.NoError(t, err)
	assert.Equal(t, Sample{Name: "b"}, s)
}

type fakeToken struct{ err error }

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                 { return t.err }

type fakePublished struct {
	topic    string
	retained bool
	sample   Sample
}

type fakePublisher struct {
	t     testing.TB
	codec Codec
	err   error
	out   []fakePublished
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	s, err := f.codec.Decode(payload.([]byte))
	require.NoError(f.t, err)
	f.out = append(f.out, fakePublished{topic, retained, s})
	return fakeToken{f.err}
}

func TestMQTT(t *testing.T) {
	t.Parallel()
	codec := cborCodec{}
	pub := &fakePublisher{t: t, codec: codec}
	m := newMQTT(log2.NewTest(t, log2.LDebug), tele_config.Mqtt{TopicPrefix: "boat", Qos: 1}, codec)
	m.pub = pub
	now := time.Unix(1600000000, 0)
	m.now = func() time.Time { return now }

	m.Online(vedirect.CategorySmartShunt, true)
	m.Register(vedirect.CategorySmartShunt, vedirect.NewRegister(vedirect.KindStateOfCharge, 50))
	m.Register(vedirect.CategorySmartShunt, vedirect.NewRegister(vedirect.KindMainVoltage, 12.5))
	m.Online(vedirect.CategorySmartShunt, false)

	expect := []fakePublished{
		{"boat/smart_shunt/online", true, NewSample("smart_shunt", "online", 1, now)},
		{"boat/smart_shunt/state_of_charge", false, NewSample("smart_shunt", "state_of_charge", 50, now)},
		{"boat/quantity/house_battery_level", false, NewSample("smart_shunt", "house_battery_level", 0.5, now)},
		{"boat/smart_shunt/main_voltage", false, NewSample("smart_shunt", "main_voltage", 12.5, now)},
		{"boat/smart_shunt/online", true, NewSample("smart_shunt", "online", 0, now)},
	}
	assert.Equal(t, expect, pub.out)

	// delivery failure is swallowed
	pub.err = errors.New("not connected")
	m.Register(vedirect.CategorySolarMppt, vedirect.NewRegister(vedirect.KindPanelPower, 100))
	assert.Len(t, pub.out, 7)
}

func TestNewMQTTInvalid(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	_, err := NewMQTT(log, tele_config.Mqtt{})
	assert.True(t, errors.IsNotValid(err))
	_, err = NewMQTT(log, tele_config.Mqtt{Broker: "tcp://localhost:1883", Payload: "xml"})
	assert.True(t, errors.IsNotSupported(err))
}

func TestLogSink(t *testing.T) {
	t.Parallel()
	var lines []string
	log := log2.NewFunc(func(format string, args ...interface{}) { lines = append(lines, fmt.Sprintf(format, args...)) }, log2.LDebug)
	log.SetFlags(0)
	s := NewLog(log)
	s.Online(vedirect.CategorySolarMppt, true)
	s.Register(vedirect.CategorySolarMppt, vedirect.NewRegister(vedirect.KindPanelPower, 120))
	s.Register(vedirect.CategorySolarMppt, vedirect.NewRegister(vedirect.KindPanelVoltage, 36.5))
	s.Online(vedirect.CategorySolarMppt, false)
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "tele solar_mppt online")
	assert.Contains(t, lines[1], "solar_power=120 (panel_power(120))")
	assert.Contains(t, lines[2], "debug: tele solar_mppt panel_voltage(36.5)")
	assert.Contains(t, lines[3], "tele solar_mppt offline")
}
