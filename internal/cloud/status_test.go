package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCanTransition(t *testing.T) {
	tests := map[string]struct {
		from, to Status
		allowed  bool
	}{
		"requested to booting":      {StatusRequested, StatusBooting, true},
		"requested straight ready":  {StatusRequested, StatusReady, true},
		"booting to ready":          {StatusBooting, StatusReady, true},
		"ready to terminating":      {StatusReady, StatusTerminating, true},
		"terminating to terminated": {StatusTerminating, StatusTerminated, true},
		"ready back to booting":     {StatusReady, StatusBooting, false},
		"terminated is final":       {StatusTerminated, StatusReady, false},
		"requested to failed":       {StatusRequested, StatusFailed, true},
		"ready to failed":           {StatusReady, StatusFailed, true},
		"terminating to failed":     {StatusTerminating, StatusFailed, false},
		"failed to terminating":     {StatusFailed, StatusTerminating, true},
		"failed to ready":           {StatusFailed, StatusReady, false},
		"same status":               {StatusBooting, StatusBooting, false},
	}

	for tn, tt := range tests {
		t.Run(tn, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestInstanceAdvance(t *testing.T) {
	instance := &Instance{ID: "i-1", Status: StatusRequested}

	assert.True(t, instance.Advance(StatusBooting))
	assert.True(t, instance.Advance(StatusReady))
	assert.False(t, instance.Advance(StatusBooting))
	assert.Equal(t, StatusReady, instance.Status)
	assert.True(t, instance.Advance(StatusTerminating))
	assert.True(t, instance.Advance(StatusTerminated))
	assert.False(t, instance.Status.Live())
}

func TestGPUTypeFromDescription(t *testing.T) {
	tests := map[string]string{
		"1x H100 SXM5 80GB":  "H100",
		"8x A100 80GB":       "A100",
		"1x RTX 4090 24GB":   "RTX4090",
		"2x RTX A6000 48GB":  "RTXA6000",
		"1x Tesla V100 16GB": "V100",
		"":                   "",
	}

	for description, expected := range tests {
		t.Run(description, func(t *testing.T) {
			assert.Equal(t, expected, GPUTypeFromDescription(description))
		})
	}
}

func TestGPUTypeFromAccelerator(t *testing.T) {
	assert.Equal(t, "T4", GPUTypeFromAccelerator("nvidia-tesla-t4"))
	assert.Equal(t, "H100", GPUTypeFromAccelerator("nvidia-h100-80gb"))
	assert.Equal(t, "L4", GPUTypeFromAccelerator("nvidia-l4"))
}
