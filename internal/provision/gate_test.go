package provision

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"gpuspot/internal/cloud"
)

func TestAccepts(t *testing.T) {
	tests := map[string]struct {
		offer    cloud.Offer
		gpu      string
		cap      float64
		expected bool
	}{
		"cheaper matching gpu": {
			offer:    cloud.Offer{GPUType: "H100", PricePerHour: 0.9},
			gpu:      "H100",
			cap:      1.0,
			expected: true,
		},
		"price equal to cap": {
			offer:    cloud.Offer{GPUType: "H100", PricePerHour: 1.0},
			gpu:      "H100",
			cap:      1.0,
			expected: true,
		},
		"too expensive": {
			offer: cloud.Offer{GPUType: "H100", PricePerHour: 1.5},
			gpu:   "H100",
			cap:   1.0,
		},
		"wrong gpu": {
			offer: cloud.Offer{GPUType: "A100", PricePerHour: 0.5},
			gpu:   "H100",
			cap:   1.0,
		},
		"gpu match is exact": {
			offer: cloud.Offer{GPUType: "H100SXM", PricePerHour: 0.5},
			gpu:   "H100",
			cap:   1.0,
		},
	}

	for tn, tt := range tests {
		t.Run(tn, func(t *testing.T) {
			assert.Equal(t, tt.expected, Accepts(tt.offer, tt.gpu, tt.cap))
		})
	}
}

func TestAcceptsRandomized(t *testing.T) {
	gpus := []string{"H100", "A100", "RTX4090", "T4"}
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		offer := cloud.Offer{
			GPUType:      gpus[rnd.Intn(len(gpus))],
			PricePerHour: rnd.Float64() * 4,
		}
		required := gpus[rnd.Intn(len(gpus))]
		priceCap := rnd.Float64() * 4

		expected := offer.GPUType == required && offer.PricePerHour <= priceCap
		assert.Equal(t, expected, Accepts(offer, required, priceCap), "offer %+v gpu %s cap %f", offer, required, priceCap)
	}
}

func TestAcceptableSortsCheapestFirst(t *testing.T) {
	offers := []cloud.Offer{
		{ID: "a", GPUType: "H100", PricePerHour: 0.95},
		{ID: "b", GPUType: "A100", PricePerHour: 0.10},
		{ID: "c", GPUType: "H100", PricePerHour: 0.80},
		{ID: "d", GPUType: "H100", PricePerHour: 1.20},
		{ID: "e", GPUType: "H100", PricePerHour: 0.85},
	}

	accepted := Acceptable(offers, "H100", 1.0)

	ids := make([]string, 0, len(accepted))
	for _, o := range accepted {
		ids = append(ids, o.ID)
	}

	assert.Equal(t, []string{"c", "e", "a"}, ids)
	assert.Empty(t, Acceptable(offers, "T4", 10))
}
