package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuantityFloorsToWholeLots(t *testing.T) {
	a := NewFixedCapital(500000, 0)

	// 500000 / (112.5 * 75) = 59.25 lots -> 59 lots.
	assert.Equal(t, 59*75, a.Quantity(112.5, 75, 1.0))

	// Half multiplier halves the budget: 29 lots.
	assert.Equal(t, 29*75, a.Quantity(112.5, 75, 0.5))
}

func TestQuantityCapped(t *testing.T) {
	a := NewFixedCapital(500000, 3)
	assert.Equal(t, 3*75, a.Quantity(112.5, 75, 1.0))
}

func TestQuantityUnaffordable(t *testing.T) {
	a := NewFixedCapital(5000, 0)
	// One SENSEX lot at 350 * 20 = 7000 > 5000.
	assert.Zero(t, a.Quantity(350, 20, 1.0))
}

func TestQuantityGuards(t *testing.T) {
	a := NewFixedCapital(500000, 0)
	assert.Zero(t, a.Quantity(0, 75, 1.0))
	assert.Zero(t, a.Quantity(-10, 75, 1.0))
	assert.Zero(t, a.Quantity(100, 0, 1.0))
	assert.Zero(t, NewFixedCapital(0, 0).Quantity(100, 75, 1.0))

	// Zero multiplier falls back to 1.
	assert.Equal(t, a.Quantity(112.5, 75, 1.0), a.Quantity(112.5, 75, 0))
}
