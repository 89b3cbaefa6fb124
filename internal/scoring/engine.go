package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gmshoot-go/internal/core/models"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// Center of the target in percentage space.
var targetCenter = models.Point{X: 50, Y: 50}

// Reference distance in meters that raw scores are calibrated for.
const referenceDistanceMeters = 10.0

// Engine maps impact points to scores, zones and derived analytics.
// It is stateless; per-session shot history is passed in by the caller.
type Engine struct{}

// New creates a new scoring engine.
func New() *Engine {
	return &Engine{}
}

// AnalyzeShot scores an impact point against the target configuration and
// returns the enriched shot record. Prior shots from the same session feed
// the trend analytics; they are read, never modified.
func (e *Engine) AnalyzeShot(shotID string, p models.Point, target models.TargetConfig, prior []models.Shot) (models.Shot, error) {
	if len(target.Zones) == 0 {
		return models.Shot{}, fmt.Errorf("target configuration has no scoring zones")
	}

	raw := p.DistanceTo(targetCenter)
	corrected := correctDistance(raw, target)

	zone := selectZone(corrected, target.Zones)

	shot := models.Shot{
		ID:        shotID,
		Timestamp: time.Now(),
		Position:  p,
		Score:     zone.Points,
		ZoneID:    zone.ID,
	}

	sorted := sortedZones(target.Zones)
	enrichment := models.ShotEnrichment{
		RawDistance:       raw,
		CorrectedDistance: corrected,
		IsBullseye:        corrected <= sorted[0].OuterRadius,
		AngleDegrees:      angleFromCenter(p),
		CompensatedScore:  compensateScore(zone.Points, target.DistanceMeters),
	}
	enrichment.TrendPrecision, enrichment.TrendGrouping, enrichment.TrendDirection = trend(prior, shot, corrected)

	shot.Enrichment = &enrichment

	log.Debugf("Analyzed shot %s at (%.1f, %.1f): distance=%.2f zone=%s score=%d",
		shotID, p.X, p.Y, corrected, zone.ID, zone.Points)

	return shot, nil
}

// correctDistance applies the configured distortion correction. A zero
// factor is a no-op. Camera-angle correction is reserved for the planned
// trigonometric model and currently left unapplied.
func correctDistance(raw float64, target models.TargetConfig) float64 {
	if target.DistortionFactor == 0 {
		return raw
	}
	return raw * (1 + target.DistortionFactor)
}

// selectZone walks zones ascending by outer radius and returns the first
// whose radius bound contains the distance. Zones are disjoint by
// construction; with overlapping (misconfigured) zones the first match by
// ascending radius still wins. Falls back to the designated miss zone.
func selectZone(distance float64, zones []models.ScoringZone) models.ScoringZone {
	sorted := sortedZones(zones)
	for _, z := range sorted {
		if distance <= z.OuterRadius {
			return z
		}
	}
	return missZone(sorted)
}

func sortedZones(zones []models.ScoringZone) []models.ScoringZone {
	sorted := make([]models.ScoringZone, len(zones))
	copy(sorted, zones)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OuterRadius < sorted[j].OuterRadius
	})
	return sorted
}

// missZone returns the zone named "miss", or the largest zone as catch-all.
func missZone(sorted []models.ScoringZone) models.ScoringZone {
	if z, ok := lo.Find(sorted, func(z models.ScoringZone) bool { return z.ID == "miss" }); ok {
		return z
	}
	return sorted[len(sorted)-1]
}

// angleFromCenter returns the impact bearing in degrees, 0 pointing right,
// counter-clockwise positive, normalized to [0, 360). Screen coordinates
// grow downwards, hence the Y inversion.
func angleFromCenter(p models.Point) float64 {
	deg := math.Atan2(targetCenter.Y-p.Y, p.X-targetCenter.X) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}

// compensateScore scales a score by shooting distance relative to the
// 10-meter reference.
func compensateScore(score int, distanceMeters float64) float64 {
	if distanceMeters <= 0 {
		return float64(score)
	}
	return float64(score) * distanceMeters / referenceDistanceMeters
}

// trend derives precision, grouping and direction from the shot history
// including the shot under analysis.
func trend(prior []models.Shot, current models.Shot, currentDistance float64) (precision, grouping float64, direction models.TrendDirection) {
	all := append(append([]models.Shot{}, prior...), current)

	distances := make([]float64, 0, len(all))
	for _, s := range all {
		if s.Enrichment != nil {
			distances = append(distances, s.Enrichment.CorrectedDistance)
		} else {
			distances = append(distances, s.Position.DistanceTo(targetCenter))
		}
	}
	precision = stdDev(distances)

	mpi := meanPoint(all)
	radii := lo.Map(all, func(s models.Shot, _ int) float64 {
		return s.Position.DistanceTo(mpi)
	})
	grouping = mean(radii)

	direction = scoreDirection(all)
	return precision, grouping, direction
}

// scoreDirection compares the mean score of the most recent shots against
// the preceding ones. Fewer than four shots is always stable.
func scoreDirection(shots []models.Shot) models.TrendDirection {
	if len(shots) < 4 {
		return models.TrendStable
	}
	recent := shots[len(shots)-3:]
	earlier := shots[:len(shots)-3]

	diff := meanScore(recent) - meanScore(earlier)
	switch {
	case diff > 0.5:
		return models.TrendImproving
	case diff < -0.5:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}

func meanScore(shots []models.Shot) float64 {
	scores := lo.Map(shots, func(s models.Shot, _ int) float64 { return float64(s.Score) })
	return mean(scores)
}

// CalculateSessionStatistics aggregates the scoring results of a session.
// An empty shot list yields the zero-value "no data" sentinel, never an error.
func (e *Engine) CalculateSessionStatistics(shots []models.Shot) models.SessionStatistics {
	if len(shots) == 0 {
		return models.SessionStatistics{}
	}

	stats := models.SessionStatistics{
		HasData:   true,
		ShotCount: len(shots),
		MinScore:  shots[0].Score,
		MaxScore:  shots[0].Score,
	}
	for _, s := range shots {
		stats.TotalScore += s.Score
		if s.Score < stats.MinScore {
			stats.MinScore = s.Score
		}
		if s.Score > stats.MaxScore {
			stats.MaxScore = s.Score
		}
		if s.Enrichment != nil && s.Enrichment.IsBullseye {
			stats.BullseyeCount++
		}
	}
	stats.AverageScore = float64(stats.TotalScore) / float64(stats.ShotCount)
	stats.Accuracy = float64(stats.BullseyeCount) / float64(stats.ShotCount)
	return stats
}

// GenerateRecommendations produces human-readable coaching hints from
// session statistics. Deterministic and safe on the no-data sentinel.
func (e *Engine) GenerateRecommendations(stats models.SessionStatistics) []string {
	if !stats.HasData {
		return []string{"No shots recorded yet. Start a session to collect data."}
	}

	var recs []string
	if stats.Accuracy >= 0.5 {
		recs = append(recs, "Excellent bullseye rate. Consider increasing target distance.")
	} else if stats.Accuracy >= 0.2 {
		recs = append(recs, "Good accuracy. Focus on consistency to raise your bullseye rate.")
	} else {
		recs = append(recs, "Work on sight alignment and trigger control to tighten your groups.")
	}

	if stats.AverageScore < 5 {
		recs = append(recs, "Average score is low. Reduce target distance or check zero.")
	}
	if stats.MaxScore-stats.MinScore >= 7 {
		recs = append(recs, "Large score spread detected. Slow down between shots.")
	}
	return recs
}

// GenerateShotPatternVisualization renders the shot pattern as an SVG
// fragment for presentation layers. Safe on empty input.
func (e *Engine) GenerateShotPatternVisualization(shots []models.Shot) string {
	var b strings.Builder
	b.WriteString(`<svg viewBox="0 0 100 100" xmlns="http://www.w3.org/2000/svg">`)
	b.WriteString(`<circle cx="50" cy="50" r="45" fill="none" stroke="#888"/>`)
	b.WriteString(`<circle cx="50" cy="50" r="10" fill="none" stroke="#888"/>`)
	b.WriteString(`<circle cx="50" cy="50" r="5" fill="none" stroke="#b00"/>`)
	for _, s := range shots {
		fill := "#06c"
		if s.Enrichment != nil && s.Enrichment.IsBullseye {
			fill = "#b00"
		}
		b.WriteString(fmt.Sprintf(`<circle cx="%.1f" cy="%.1f" r="1.5" fill="%s"/>`, s.Position.X, s.Position.Y, fill))
	}
	b.WriteString(`</svg>`)
	return b.String()
}
