package dsp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemNode_SetGet(t *testing.T) {
	n := NewMemNode()
	assert.Zero(t, n.GetParamValue("/reverb_wet"))

	n.SetParamValue("/reverb_wet", 0.35)
	assert.Equal(t, 0.35, n.GetParamValue("/reverb_wet"))

	n.SetParamValue("/reverb_wet", 0.5)
	assert.Equal(t, 0.5, n.GetParamValue("/reverb_wet"))
}

func TestRack_RoutesByFirstSegment(t *testing.T) {
	rack := NewRack()
	reverb := NewMemNode()
	delay := NewMemNode()
	rack.Register("reverb", reverb)
	rack.Register("delay", delay)

	require.NoError(t, rack.SetParam("/reverb/reverb_wet", 0.4))
	require.NoError(t, rack.SetParam("/delay/feedback", 0.7))

	assert.Equal(t, 0.4, reverb.GetParamValue("/reverb_wet"))
	assert.Equal(t, 0.7, delay.GetParamValue("/feedback"))
	assert.Zero(t, reverb.GetParamValue("/feedback"))

	got, err := rack.GetParam("/reverb/reverb_wet")
	require.NoError(t, err)
	assert.Equal(t, 0.4, got)
}

func TestRack_RejectsBadAddresses(t *testing.T) {
	rack := NewRack()
	rack.Register("reverb", NewMemNode())

	for _, address := range []string{"", "/", "/reverb", "/unknown/param"} {
		t.Run("addr="+address, func(t *testing.T) {
			assert.Error(t, rack.SetParam(address, 1))
			_, err := rack.GetParam(address)
			assert.Error(t, err)
		})
	}
}

func TestFade_ReachesTarget(t *testing.T) {
	n := NewMemNode()
	n.SetParamValue("/gain", 0)

	Fade(n, "/gain", 1, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return n.GetParamValue("/gain") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFade_ImmediateWhenZeroDuration(t *testing.T) {
	n := NewMemNode()
	Fade(n, "/gain", 0.8, 0)
	assert.Equal(t, 0.8, n.GetParamValue("/gain"))
}

func TestFade_CancelStopsRamp(t *testing.T) {
	n := NewMemNode()
	cancel := Fade(n, "/gain", 1, time.Hour)
	time.Sleep(30 * time.Millisecond)
	cancel()
	frozen := n.GetParamValue("/gain")
	assert.Less(t, frozen, 1.0)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, n.GetParamValue("/gain"), "cancelled ramp must stop moving")
}

func TestMicGate_OpenClose(t *testing.T) {
	mixer := NewMemNode()
	gate := NewMicGate(mixer)

	gate.Open("p1", 20*time.Millisecond)
	require.Eventually(t, func() bool { return gate.Level("p1") == 1 },
		time.Second, 5*time.Millisecond)

	gate.Close("p1", 20*time.Millisecond)
	require.Eventually(t, func() bool { return gate.Level("p1") == 0 },
		time.Second, 5*time.Millisecond)
}

func TestMicGate_PerformersIndependent(t *testing.T) {
	mixer := NewMemNode()
	gate := NewMicGate(mixer)

	gate.Open("p1", 0)
	assert.Equal(t, 1.0, gate.Level("p1"))
	assert.Zero(t, gate.Level("p2"))
}

func TestMicGate_CloseAll(t *testing.T) {
	mixer := NewMemNode()
	gate := NewMicGate(mixer)

	gate.Open("p1", 0)
	gate.Open("p2", time.Hour) // mid-ramp
	gate.CloseAll()

	assert.Zero(t, gate.Level("p1"))
	assert.Zero(t, gate.Level("p2"))
}
