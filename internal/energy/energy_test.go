package energy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaTenMinutesAt65W(t *testing.T) {
	calc := NewCalculator(DefaultConstants)
	d := calc.Delta(600)

	// 10/60 h * 65/1000 kW
	assert.InDelta(t, 0.0108333, d.EnergyKWh, 1e-6)
	assert.InDelta(t, d.EnergyKWh*0.386, d.CO2Kg, 1e-12)
	assert.InDelta(t, d.EnergyKWh*0.12, d.Cost, 1e-12)
}

func TestDeltaNeverNegative(t *testing.T) {
	calc := NewCalculator(DefaultConstants)
	for _, in := range []float64{-60, 0, math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.Equal(t, Delta{}, calc.Delta(in))
	}
}

func TestConstantsApplyAtAccrualTime(t *testing.T) {
	var totals Totals
	totals.Add(NewCalculator(Constants{IdlePowerWatts: 60, CostPerKWh: 1}).Delta(3600))
	totals.Add(NewCalculator(Constants{IdlePowerWatts: 120, CostPerKWh: 1}).Delta(3600))

	assert.InDelta(t, 0.18, totals.EnergyKWh, 1e-9)
	assert.InDelta(t, 0.18, totals.Cost, 1e-9)
}

func TestTotalsIgnoreNegativeDeltas(t *testing.T) {
	totals := Totals{EnergyKWh: 1, CO2Kg: 1, Cost: 1}
	totals.Add(Delta{EnergyKWh: -5, CO2Kg: math.NaN(), Cost: -1})
	assert.Equal(t, Totals{EnergyKWh: 1, CO2Kg: 1, Cost: 1}, totals)
}

func TestClamp(t *testing.T) {
	v, clamped := Clamp(60, 120)
	assert.Equal(t, 60.0, v)
	assert.False(t, clamped)

	v, clamped = Clamp(8*3600, 120)
	assert.Equal(t, 120.0, v)
	assert.True(t, clamped)

	v, clamped = Clamp(-1, 120)
	assert.Equal(t, 0.0, v)
	assert.False(t, clamped)

	v, clamped = Clamp(500, 0)
	assert.Equal(t, 500.0, v)
	assert.False(t, clamped)
}

func TestConstantsValidate(t *testing.T) {
	require.NoError(t, DefaultConstants.Validate())
	assert.Error(t, Constants{IdlePowerWatts: -1}.Validate())
	assert.Error(t, Constants{CostPerKWh: math.Inf(1)}.Validate())
}
