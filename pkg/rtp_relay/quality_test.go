package rtp_relay

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateMOS(t *testing.T) {
	perfect := EstimateMOS(0, 0, 0)
	assert.InDelta(t, 4.4, perfect, 0.1)

	jittery := EstimateMOS(0, 60, 0)
	lossy := EstimateMOS(0, 0, 0.1)
	assert.Less(t, jittery, perfect)
	assert.Less(t, lossy, perfect)

	assert.Equal(t, 1.0, EstimateMOS(0, 0, 1))
}

func TestQualityEstimator_ReceiverReport(t *testing.T) {
	q := newQualityEstimator(8000)

	data, err := (&rtcp.ReceiverReport{
		SSRC: 1,
		Reports: []rtcp.ReceptionReport{{
			SSRC:         2,
			FractionLost: 64, // 25%
			TotalLost:    10,
			Jitter:       160, // 20 мс при 8 кГц
		}},
	}).Marshal()
	require.NoError(t, err)

	assert.True(t, q.observe(data))
	snap := q.snapshot()
	assert.Equal(t, 1, snap.Reports)
	assert.InDelta(t, 20.0, snap.JitterMs, 0.001)
	assert.InDelta(t, 0.25, snap.FractionLost, 0.001)
	assert.Equal(t, uint32(10), snap.TotalLost)
	assert.Zero(t, snap.LatencyMs)
	assert.Equal(t, EstimateMOS(0, 20, 0.25), snap.MOS)

	assert.False(t, q.observe([]byte{0x01, 0x02}))
	assert.Equal(t, 1, q.snapshot().Reports)
}
