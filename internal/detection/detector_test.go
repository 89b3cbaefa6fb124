package detection

import (
	"testing"
	"time"

	"gmshoot-go/internal/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock provides a controllable time source for interval tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(clock *fakeClock) *Detector {
	d := NewDetector(DefaultConfig())
	if clock != nil {
		d.now = clock.now
	}
	return d
}

// baseline returns a quiet frame with no motion regions.
func baseline(number int64) *models.Frame {
	return &models.Frame{
		Number:  number,
		Capture: models.CaptureInfo{Width: 640, Height: 480, Brightness: 100, Contrast: 128},
	}
}

// impact returns a frame with a strong brightness jump and a single
// in-bounds motion region, enough to clear the default threshold.
func impact(number int64, region models.Region) *models.Frame {
	f := baseline(number)
	f.Capture.Brightness = 200
	f.Regions = []models.Region{region}
	return f
}

var testRegion = models.Region{X: 220, Y: 140, Width: 200, Height: 200}

func TestProcessFrameUnknownSessionIsNoOp(t *testing.T) {
	d := newTestDetector(nil)
	assert.Nil(t, d.ProcessFrame("nope", baseline(1)))
}

func TestProcessFrameFirstFrameNeverDetects(t *testing.T) {
	d := newTestDetector(nil)
	d.InitializeSession("s1")
	assert.Nil(t, d.ProcessFrame("s1", impact(1, testRegion)))
}

func TestConfirmationRequiresConsecutiveCandidates(t *testing.T) {
	d := newTestDetector(nil)
	d.InitializeSession("s1")

	require.Nil(t, d.ProcessFrame("s1", baseline(1)))

	// First candidate frame is pending, not yet confirmed.
	require.Nil(t, d.ProcessFrame("s1", impact(2, testRegion)))

	// Second consecutive candidate confirms exactly one shot.
	f3 := baseline(3)
	f3.Regions = []models.Region{testRegion}
	det := d.ProcessFrame("s1", f3)
	require.NotNil(t, det)
	assert.Equal(t, 1, det.Number)
	assert.Equal(t, "s1", det.SessionID)
	assert.Equal(t, int64(3), det.FrameNumber)
	assert.Positive(t, det.Confidence)
	assert.LessOrEqual(t, det.Confidence, 1.0)

	// Impact position is the center of the in-bounds region, in percent.
	assert.InDelta(t, 50.0, det.Position.X, 1e-9)
	assert.InDelta(t, 50.0, det.Position.Y, 1e-9)
}

func TestNonCandidateResetsPendingCount(t *testing.T) {
	d := newTestDetector(nil)
	d.InitializeSession("s1")

	require.Nil(t, d.ProcessFrame("s1", baseline(1)))
	require.Nil(t, d.ProcessFrame("s1", impact(2, testRegion))) // pending 1

	// A quiet frame in between resets the pending counter.
	require.Nil(t, d.ProcessFrame("s1", baseline(3)))
	require.Nil(t, d.ProcessFrame("s1", impact(4, testRegion))) // pending 1 again

	f5 := baseline(5)
	f5.Regions = []models.Region{testRegion}
	det := d.ProcessFrame("s1", f5)
	require.NotNil(t, det)
	assert.Equal(t, 1, det.Number)
}

func TestMinIntervalSuppressesRapidShots(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock)
	d.InitializeSession("s1")

	// Constant-brightness frames whose region alone clears the threshold,
	// so every frame stays a candidate.
	big := models.Region{X: 100, Y: 80, Width: 220, Height: 220}
	frame := func(n int64) *models.Frame {
		f := baseline(n)
		f.Regions = []models.Region{big}
		return f
	}

	require.Nil(t, d.ProcessFrame("s1", frame(1)))
	require.Nil(t, d.ProcessFrame("s1", frame(2)))
	require.NotNil(t, d.ProcessFrame("s1", frame(3))) // shot #1

	// Within the minimum interval nothing confirms, however loud the frames.
	for n := int64(4); n < 10; n++ {
		assert.Nil(t, d.ProcessFrame("s1", frame(n)))
	}

	// After the interval elapses the next confirmed candidate is shot #2.
	clock.advance(600 * time.Millisecond)
	require.Nil(t, d.ProcessFrame("s1", frame(10)))
	det := d.ProcessFrame("s1", frame(11))
	require.NotNil(t, det)
	assert.Equal(t, 2, det.Number)
}

func TestSensitivityScalesThreshold(t *testing.T) {
	// A medium region fraction (~0.13) sits between the high-sensitivity
	// threshold (0.105) and the medium one (0.15).
	region := models.Region{X: 220, Y: 140, Width: 200, Height: 200}
	frame := func(n int64) *models.Frame {
		f := baseline(n)
		f.Regions = []models.Region{region}
		return f
	}

	cfg := DefaultConfig()
	cfg.Sensitivity = SensitivityHigh
	high := NewDetector(cfg)
	high.InitializeSession("s1")
	require.Nil(t, high.ProcessFrame("s1", frame(1)))
	require.Nil(t, high.ProcessFrame("s1", frame(2)))
	assert.NotNil(t, high.ProcessFrame("s1", frame(3)))

	medium := NewDetector(DefaultConfig())
	medium.InitializeSession("s1")
	for n := int64(1); n <= 5; n++ {
		assert.Nil(t, medium.ProcessFrame("s1", frame(n)))
	}
}

func TestRegionAreaBounds(t *testing.T) {
	d := newTestDetector(nil)
	d.InitializeSession("s1")

	// Huge brightness jump but the only region is far too large, so the
	// changed-area rule rejects the frame.
	oversized := models.Region{X: 0, Y: 0, Width: 640, Height: 480}
	require.Nil(t, d.ProcessFrame("s1", baseline(1)))
	assert.Nil(t, d.ProcessFrame("s1", impact(2, oversized)))
	assert.Nil(t, d.ProcessFrame("s1", impact(3, oversized)))
}

func TestReinitializeDiscardsHistory(t *testing.T) {
	d := confirmedShotDetector(t)
	require.Len(t, d.Shots("s1"), 1)

	d.InitializeSession("s1")
	assert.Empty(t, d.Shots("s1"))
}

func TestClearSessionIsIdempotent(t *testing.T) {
	d := newTestDetector(nil)
	d.ClearSession("never-existed")

	d.InitializeSession("s1")
	d.ClearSession("s1")
	d.ClearSession("s1")
	assert.Nil(t, d.ProcessFrame("s1", baseline(1)))
}

func TestExportImportRoundTrip(t *testing.T) {
	d := confirmedShotDetector(t)

	data, ok := d.ExportSession("s1")
	require.True(t, ok)
	assert.Equal(t, 1, data.ShotCounter)
	require.Len(t, data.Shots, 1)

	d.ClearSession("s1")
	_, ok = d.ExportSession("s1")
	assert.False(t, ok)

	d.ImportSession(data)
	assert.Len(t, d.Shots("s1"), 1)

	// The restored counter keeps the sequence monotonic.
	require.Nil(t, d.ProcessFrame("s1", baseline(10)))
	require.Nil(t, d.ProcessFrame("s1", impact(11, testRegion)))
	f12 := baseline(12)
	f12.Regions = []models.Region{testRegion}
	det := d.ProcessFrame("s1", f12)
	require.NotNil(t, det)
	assert.Equal(t, 2, det.Number)
}

func TestGetSessionStatistics(t *testing.T) {
	clock := newFakeClock()
	d := newTestDetector(clock)
	d.InitializeSession("s1")

	assert.Zero(t, d.GetSessionStatistics("unknown"))

	big := models.Region{X: 100, Y: 80, Width: 220, Height: 220}
	frame := func(n int64) *models.Frame {
		f := baseline(n)
		f.Regions = []models.Region{big}
		return f
	}

	require.Nil(t, d.ProcessFrame("s1", frame(1)))
	require.Nil(t, d.ProcessFrame("s1", frame(2)))
	require.NotNil(t, d.ProcessFrame("s1", frame(3)))

	clock.advance(30 * time.Second)
	require.Nil(t, d.ProcessFrame("s1", frame(4)))
	require.NotNil(t, d.ProcessFrame("s1", frame(5)))

	stats := d.GetSessionStatistics("s1")
	assert.Equal(t, 2, stats.TotalShots)
	assert.Positive(t, stats.AverageConfidence)
	assert.Equal(t, 30*time.Second, stats.LastShotTime.Sub(stats.FirstShotTime))
	assert.InDelta(t, 4.0, stats.ShotsPerMinute, 1e-9)
}

// confirmedShotDetector returns a detector with one confirmed shot for "s1".
// The fake clock avoids min-interval interference in follow-up frames.
func confirmedShotDetector(t *testing.T) *Detector {
	t.Helper()
	clock := newFakeClock()
	d := newTestDetector(clock)
	d.InitializeSession("s1")

	require.Nil(t, d.ProcessFrame("s1", baseline(1)))
	require.Nil(t, d.ProcessFrame("s1", impact(2, testRegion)))
	f3 := baseline(3)
	f3.Regions = []models.Region{testRegion}
	require.NotNil(t, d.ProcessFrame("s1", f3))

	clock.advance(time.Second)
	return d
}
