package mqtt

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trymwestin/arlo/internal/core/state"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestStubPublisher(t *testing.T) {
	p := NewStubPublisher(quietLogger())
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
}

func TestTopicHelpers(t *testing.T) {
	p := &HAPublisher{cfg: Config{TopicPrefix: "arlo"}}

	assert.Equal(t, "arlo/status", p.topic("status"))
	assert.Equal(t, "arlo/BS1/armed/state", p.deviceTopic("BS1", "armed/state"))
	assert.Equal(t, "homeassistant/switch/BS1_armed/config", discoveryTopic("switch", "BS1", "armed"))
}

func TestBoolToOnOff(t *testing.T) {
	assert.Equal(t, "ON", boolToOnOff(true))
	assert.Equal(t, "OFF", boolToOnOff(false))
}

// fakeMessage satisfies pahomqtt.Message for driving command handlers
// directly, without a broker.
type fakeMessage struct{ payload string }

func (fakeMessage) Duplicate() bool   { return false }
func (fakeMessage) Qos() byte         { return 1 }
func (fakeMessage) Retained() bool    { return false }
func (fakeMessage) Topic() string     { return "" }
func (fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte { return []byte(m.payload) }
func (fakeMessage) Ack()              {}

type fakeCommander struct {
	armed      []bool
	power      map[string]bool
	brightness map[string]int
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{power: map[string]bool{}, brightness: map[string]int{}}
}

func (f *fakeCommander) Arm(_ context.Context, _ state.Device) error {
	f.armed = append(f.armed, true)
	return nil
}

func (f *fakeCommander) Disarm(_ context.Context, _ state.Device) error {
	f.armed = append(f.armed, false)
	return nil
}

func (f *fakeCommander) SetBrightness(_ context.Context, d state.Device, level int) error {
	f.brightness[d.DeviceID] = level
	return nil
}

func (f *fakeCommander) SetPower(_ context.Context, d state.Device, on bool) error {
	f.power[d.DeviceID] = on
	return nil
}

func newHandlerPublisher(fc *fakeCommander) *HAPublisher {
	return &HAPublisher{
		cfg:       Config{TopicPrefix: "arlo"},
		commander: fc,
		log:       quietLogger(),
	}
}

func TestArmedHandlerRoutesToCommander(t *testing.T) {
	fc := newFakeCommander()
	p := newHandlerPublisher(fc)
	bs := state.Device{DeviceID: "BS1", DeviceType: state.DeviceBasestation}

	handler := p.armedHandler(bs)
	handler(nil, fakeMessage{payload: "ON"})
	handler(nil, fakeMessage{payload: "off"})

	assert.Equal(t, []bool{true, false}, fc.armed)
}

func TestPowerHandlerRoutesToCommander(t *testing.T) {
	fc := newFakeCommander()
	p := newHandlerPublisher(fc)
	cam := state.Device{DeviceID: "C1", DeviceType: state.DeviceCamera}

	p.powerHandler(cam)(nil, fakeMessage{payload: "ON"})
	assert.True(t, fc.power["C1"])
}

func TestBrightnessHandlerRoutesToCommander(t *testing.T) {
	fc := newFakeCommander()
	p := newHandlerPublisher(fc)
	cam := state.Device{DeviceID: "C1", DeviceType: state.DeviceCamera}

	handler := p.brightnessHandler(cam)
	handler(nil, fakeMessage{payload: "-2"})
	assert.Equal(t, -2, fc.brightness["C1"])

	// Garbage payloads are dropped before reaching the commander.
	handler(nil, fakeMessage{payload: "bright"})
	assert.Equal(t, -2, fc.brightness["C1"])
}
