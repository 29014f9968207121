// internal/app/features/hovertracking/analyze.go
package hovertracking

import (
	"math"

	"github.com/dalemusser/conspiracypass/internal/domain/models"
)

// dominance is how much one axis must outweigh the other to be reported as
// the dominant direction.
const dominance = 1.5

// Analyze classifies a position sequence. Each step counts toward the axis
// with the larger absolute delta; steps with no movement count toward neither.
// AverageSpeed is the travelled distance over the elapsed time, in px/s.
func Analyze(positions []models.MousePosition) models.MovementPattern {
	mp := models.MovementPattern{Dominant: models.MovementNone}
	if len(positions) < 2 {
		return mp
	}

	for i := 1; i < len(positions); i++ {
		dx := positions[i].X - positions[i-1].X
		dy := positions[i].Y - positions[i-1].Y
		mp.TotalDistance += math.Hypot(dx, dy)
		switch ax, ay := math.Abs(dx), math.Abs(dy); {
		case ax > ay:
			mp.HorizontalSteps++
		case ay > ax:
			mp.VerticalSteps++
		}
	}

	h, v := float64(mp.HorizontalSteps), float64(mp.VerticalSteps)
	switch {
	case h == 0 && v == 0:
		mp.Dominant = models.MovementNone
	case h > dominance*v:
		mp.Dominant = models.MovementHorizontal
	case v > dominance*h:
		mp.Dominant = models.MovementVertical
	default:
		mp.Dominant = models.MovementMixed
	}

	elapsed := positions[len(positions)-1].Timestamp - positions[0].Timestamp
	if elapsed > 0 {
		mp.AverageSpeed = mp.TotalDistance / elapsed * 1000
	}
	return mp
}
