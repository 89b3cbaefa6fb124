package scoring

import (
	"testing"

	"gmshoot-go/internal/core/models"

	"github.com/stretchr/testify/assert"
)

func shotsAt(points ...models.Point) []models.Shot {
	shots := make([]models.Shot, len(points))
	for i, p := range points {
		shots[i] = models.Shot{Position: p}
	}
	return shots
}

func TestCalculateGroupMetricsEmpty(t *testing.T) {
	e := New()

	m := e.CalculateGroupMetrics(nil)
	assert.Zero(t, m.TotalShots)
	assert.Zero(t, m.ExtremeSpread)
}

func TestGroupMetricsSymmetricGroup(t *testing.T) {
	e := New()
	// Four shots symmetric around (50,50).
	shots := shotsAt(
		models.Point{X: 48, Y: 50},
		models.Point{X: 52, Y: 50},
		models.Point{X: 50, Y: 48},
		models.Point{X: 50, Y: 52},
	)

	m := e.CalculateGroupMetrics(shots)
	assert.Equal(t, 4, m.TotalShots)
	assert.InDelta(t, 50.0, m.MPI.X, 1e-9)
	assert.InDelta(t, 50.0, m.MPI.Y, 1e-9)
	assert.InDelta(t, 4.0, m.ExtremeSpread, 1e-9)
	assert.InDelta(t, 2.0, m.MeanRadius, 1e-9)
	assert.Zero(t, m.FlyerCount)
}

func TestGroupMetricsExtremeSpreadTwoShots(t *testing.T) {
	e := New()
	shots := shotsAt(models.Point{X: 40, Y: 50}, models.Point{X: 60, Y: 50})

	m := e.CalculateGroupMetrics(shots)
	assert.InDelta(t, 20.0, m.ExtremeSpread, 1e-9)
	// Under three shots CEP stays unset.
	assert.Zero(t, m.CEP50)
	assert.Zero(t, m.CEP90)
}

func TestGroupMetricsCEPOrdering(t *testing.T) {
	e := New()
	shots := shotsAt(
		models.Point{X: 50, Y: 50},
		models.Point{X: 51, Y: 50},
		models.Point{X: 52, Y: 50},
		models.Point{X: 55, Y: 50},
		models.Point{X: 58, Y: 50},
	)

	m := e.CalculateGroupMetrics(shots)
	assert.LessOrEqual(t, m.CEP50, m.CEP90)
	assert.LessOrEqual(t, m.CEP90, m.CEP95)
	assert.Positive(t, m.CEP95)
}

func TestDetectFlyers(t *testing.T) {
	e := New()
	// Tight cluster plus one shot far outside it.
	shots := shotsAt(
		models.Point{X: 50, Y: 50},
		models.Point{X: 50.5, Y: 50},
		models.Point{X: 49.5, Y: 50},
		models.Point{X: 50, Y: 50.5},
		models.Point{X: 50, Y: 49.5},
		models.Point{X: 80, Y: 80},
	)

	good, flyers := e.DetectFlyers(shots, 1.5)
	assert.Len(t, flyers, 1)
	assert.Len(t, good, 5)
	assert.Equal(t, models.Point{X: 80, Y: 80}, flyers[0].Position)
}

func TestDetectFlyersSmallGroup(t *testing.T) {
	e := New()
	shots := shotsAt(models.Point{X: 50, Y: 50}, models.Point{X: 90, Y: 90})

	good, flyers := e.DetectFlyers(shots, 2.0)
	assert.Len(t, good, 2)
	assert.Empty(t, flyers)
}

func TestTrendStabilityLinearDrift(t *testing.T) {
	// Perfectly linear drift regresses to R-squared 1 on both axes.
	shots := shotsAt(
		models.Point{X: 40, Y: 40},
		models.Point{X: 45, Y: 45},
		models.Point{X: 50, Y: 50},
		models.Point{X: 55, Y: 55},
	)

	assert.InDelta(t, 1.0, trendStability(shots), 1e-9)
}

func TestTrendStabilitySmallGroup(t *testing.T) {
	shots := shotsAt(models.Point{X: 50, Y: 50}, models.Point{X: 60, Y: 60})
	assert.Equal(t, 1.0, trendStability(shots))
}
