// Package energy converts agent-reported idle time into energy, CO2 and
// cost deltas.
//
// Formula:
//
//	energy_kwh = idle_seconds / 3600 * idle_power_watts / 1000
//	co2_kg     = energy_kwh * co2_kg_per_kwh
//	cost       = energy_kwh * cost_per_kwh
//
// Idle duration is always what the agent reported for its interval. The
// server never infers it from its own clock.
package energy

import (
	"errors"
	"math"
)

// Constants are the conversion factors in effect at accrual time.
type Constants struct {
	IdlePowerWatts float64 `mapstructure:"idle_power_watts"`
	CO2KgPerKWh    float64 `mapstructure:"co2_kg_per_kwh"`
	CostPerKWh     float64 `mapstructure:"cost_per_kwh"`
}

// DefaultConstants: 65 W idle draw, grid intensity 0.386 kg/kWh, 0.12 per kWh.
var DefaultConstants = Constants{
	IdlePowerWatts: 65,
	CO2KgPerKWh:    0.386,
	CostPerKWh:     0.12,
}

// Validate rejects negative or non-finite constants.
func (c Constants) Validate() error {
	for _, v := range []float64{c.IdlePowerWatts, c.CO2KgPerKWh, c.CostPerKWh} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("energy constants must be finite and non-negative")
		}
	}
	return nil
}

// Delta is one interval's contribution.
type Delta struct {
	EnergyKWh float64 `json:"energy_kwh"`
	CO2Kg     float64 `json:"co2_kg"`
	Cost      float64 `json:"cost"`
}

// Calculator applies Constants.
type Calculator struct {
	c Constants
}

// NewCalculator returns a Calculator for c.
func NewCalculator(c Constants) *Calculator {
	return &Calculator{c: c}
}

// Constants returns the factors this calculator applies.
func (calc *Calculator) Constants() Constants { return calc.c }

// Delta converts idle seconds to a non-negative Delta.
func (calc *Calculator) Delta(idleSeconds float64) Delta {
	if idleSeconds <= 0 || math.IsNaN(idleSeconds) || math.IsInf(idleSeconds, 0) {
		return Delta{}
	}
	kwh := idleSeconds / 3600 * calc.c.IdlePowerWatts / 1000
	return Delta{
		EnergyKWh: nonNegative(kwh),
		CO2Kg:     nonNegative(kwh * calc.c.CO2KgPerKWh),
		Cost:      nonNegative(kwh * calc.c.CostPerKWh),
	}
}

// Clamp bounds seconds to [0, ceiling]. The bool reports whether the upper
// bound was applied. A non-positive ceiling disables the upper bound.
func Clamp(seconds, ceiling float64) (float64, bool) {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0, false
	}
	if ceiling > 0 && seconds > ceiling {
		return ceiling, true
	}
	return seconds, false
}

// Totals are cumulative sums of deltas.
type Totals struct {
	EnergyKWh float64 `json:"energy_kwh"`
	CO2Kg     float64 `json:"co2_kg"`
	Cost      float64 `json:"cost"`
}

// Add accumulates d. Negative components are ignored so totals never
// decrease.
func (t *Totals) Add(d Delta) {
	t.EnergyKWh += nonNegative(d.EnergyKWh)
	t.CO2Kg += nonNegative(d.CO2Kg)
	t.Cost += nonNegative(d.Cost)
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
