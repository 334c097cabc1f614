package provision

import (
	"sort"

	"gpuspot/internal/cloud"
)

// Accepts is the price gate: the offer must carry exactly the required GPU
// and cost no more than priceCap per hour.
func Accepts(offer cloud.Offer, requiredGPU string, priceCap float64) bool {
	return offer.GPUType == requiredGPU && offer.PricePerHour <= priceCap
}

// Acceptable returns the offers passing the gate, cheapest first.
func Acceptable(offers []cloud.Offer, requiredGPU string, priceCap float64) []cloud.Offer {
	var accepted []cloud.Offer

	for _, offer := range offers {
		if Accepts(offer, requiredGPU, priceCap) {
			accepted = append(accepted, offer)
		}
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].PricePerHour < accepted[j].PricePerHour
	})

	return accepted
}
