package detection

import (
	"math"

	"gmshoot-go/internal/core/models"
)

// FrameDifference is the change metric between two consecutive frames.
type FrameDifference struct {
	Overall     float64         // Fractional difference, 0-1
	ChangedArea int             // Total changed area in pixels
	Regions     []models.Region // Changed regions with bounding areas
}

// Difference computes the change metric between the previously processed
// frame and the current one. The core never holds pixel data, so the metric
// combines the capture metadata deltas with the device-reported motion
// regions.
func Difference(prev, cur *models.Frame) FrameDifference {
	d := FrameDifference{Regions: cur.Regions}

	metaDiff := (math.Abs(cur.Capture.Brightness-prev.Capture.Brightness) +
		math.Abs(cur.Capture.Contrast-prev.Capture.Contrast)) / 2 / 255

	for _, r := range cur.Regions {
		d.ChangedArea += r.Area()
	}

	regionFraction := 0.0
	if frameArea := cur.Capture.Width * cur.Capture.Height; frameArea > 0 {
		regionFraction = float64(d.ChangedArea) / float64(frameArea)
	}

	d.Overall = clamp01(metaDiff + regionFraction)
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
