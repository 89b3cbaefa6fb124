package scoring

import (
	"math"
	"sort"

	"gmshoot-go/internal/core/models"

	"gonum.org/v1/gonum/stat"
)

// GroupMetrics summarizes the geometry of a shot group.
type GroupMetrics struct {
	TotalShots     int          `json:"total_shots"`
	MPI            models.Point `json:"mpi"` // Mean point of impact
	ExtremeSpread  float64      `json:"extreme_spread"`
	MeanRadius     float64      `json:"mean_radius"`
	StdDevX        float64      `json:"std_dev_x"`
	StdDevY        float64      `json:"std_dev_y"`
	CEP50          float64      `json:"cep_50"`
	CEP90          float64      `json:"cep_90"`
	CEP95          float64      `json:"cep_95"`
	FigureOfMerit  float64      `json:"figure_of_merit"`
	FlyerCount     int          `json:"flyer_count"`
	TrendStability float64      `json:"trend_stability"`
}

// CalculateGroupMetrics computes the full group characteristics for a shot
// list. An empty list yields the zero value.
func (e *Engine) CalculateGroupMetrics(shots []models.Shot) GroupMetrics {
	if len(shots) == 0 {
		return GroupMetrics{}
	}

	m := GroupMetrics{TotalShots: len(shots)}
	m.MPI = meanPoint(shots)
	m.ExtremeSpread = extremeSpread(shots)
	m.MeanRadius = meanRadius(shots, m.MPI)
	m.StdDevX, m.StdDevY = stdDevAxes(shots)

	// CEP needs a few shots to say anything meaningful.
	if len(shots) >= 3 {
		dists := distancesFrom(shots, m.MPI)
		m.CEP50 = percentile(dists, 0.50)
		m.CEP90 = percentile(dists, 0.90)
		m.CEP95 = percentile(dists, 0.95)
		if m.MeanRadius > 0 {
			m.FigureOfMerit = m.ExtremeSpread / m.MeanRadius * 100
		}
		_, flyers := e.DetectFlyers(shots, 2.0)
		m.FlyerCount = len(flyers)
	}
	m.TrendStability = trendStability(shots)
	return m
}

// DetectFlyers splits shots into the core group and outliers whose distance
// from the mean point of impact exceeds mean + threshold standard deviations.
// Groups under three shots are too small to judge and return no flyers.
func (e *Engine) DetectFlyers(shots []models.Shot, threshold float64) (good, flyers []models.Shot) {
	if len(shots) < 3 {
		return shots, nil
	}
	mpi := meanPoint(shots)
	dists := distancesFrom(shots, mpi)
	cut := mean(dists) + threshold*stdDev(dists)
	for i, s := range shots {
		if dists[i] <= cut {
			good = append(good, s)
		} else {
			flyers = append(flyers, s)
		}
	}
	return good, flyers
}

// trendStability measures how linear the shot progression is, as the mean
// R-squared of per-axis regressions against shot index. 1.0 is a perfectly
// steady drift; small groups report full stability.
func trendStability(shots []models.Shot) float64 {
	if len(shots) < 3 {
		return 1.0
	}
	idx := make([]float64, len(shots))
	xs := make([]float64, len(shots))
	ys := make([]float64, len(shots))
	for i, s := range shots {
		idx[i] = float64(i)
		xs[i] = s.Position.X
		ys[i] = s.Position.Y
	}
	ax, bx := stat.LinearRegression(idx, xs, nil, false)
	ay, by := stat.LinearRegression(idx, ys, nil, false)
	r2x := stat.RSquared(idx, xs, nil, ax, bx)
	r2y := stat.RSquared(idx, ys, nil, ay, by)
	stability := (r2x + r2y) / 2
	if math.IsNaN(stability) || stability < 0 {
		return 0
	}
	return stability
}

func meanPoint(shots []models.Shot) models.Point {
	var sx, sy float64
	for _, s := range shots {
		sx += s.Position.X
		sy += s.Position.Y
	}
	n := float64(len(shots))
	return models.Point{X: sx / n, Y: sy / n}
}

func extremeSpread(shots []models.Shot) float64 {
	var max float64
	for i := range shots {
		for j := i + 1; j < len(shots); j++ {
			if d := shots[i].Position.DistanceTo(shots[j].Position); d > max {
				max = d
			}
		}
	}
	return max
}

func meanRadius(shots []models.Shot, mpi models.Point) float64 {
	return mean(distancesFrom(shots, mpi))
}

func stdDevAxes(shots []models.Shot) (sx, sy float64) {
	xs := make([]float64, len(shots))
	ys := make([]float64, len(shots))
	for i, s := range shots {
		xs[i] = s.Position.X
		ys[i] = s.Position.Y
	}
	return stdDev(xs), stdDev(ys)
}

func distancesFrom(shots []models.Shot, from models.Point) []float64 {
	dists := make([]float64, len(shots))
	for i, s := range shots {
		dists[i] = s.Position.DistanceTo(from)
	}
	return dists
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, nil)
}

func stdDev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	return stat.StdDev(vals, nil)
}

func percentile(vals []float64, p float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}
