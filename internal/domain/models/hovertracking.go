// internal/domain/models/hovertracking.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Movement directions reported in MovementPattern.Dominant.
const (
	MovementHorizontal = "horizontal"
	MovementVertical   = "vertical"
	MovementMixed      = "mixed"
	MovementNone       = "none"
)

// MousePosition is one sampled cursor position. Timestamp is in milliseconds.
type MousePosition struct {
	X         float64 `bson:"x" json:"x"`
	Y         float64 `bson:"y" json:"y"`
	Timestamp float64 `bson:"timestamp" json:"timestamp"`
}

// HoverMetrics are the client-measured totals for a hover session.
type HoverMetrics struct {
	TotalHoverTime float64 `bson:"totalHoverTime" json:"totalHoverTime"` // milliseconds
	EnterCount     int     `bson:"enterCount,omitempty" json:"enterCount,omitempty"`
}

// MovementPattern is the server-side classification of a position sequence.
type MovementPattern struct {
	Dominant        string  `bson:"dominantDirection" json:"dominantDirection"`
	AverageSpeed    float64 `bson:"averageSpeed" json:"averageSpeed"` // px per second
	HorizontalSteps int     `bson:"horizontalSteps" json:"horizontalSteps"`
	VerticalSteps   int     `bson:"verticalSteps" json:"verticalSteps"`
	TotalDistance   float64 `bson:"totalDistance" json:"totalDistance"`
}

// HoverTracking is one content-hover session. It is created once and may be
// patched once with visualization metadata.
type HoverTracking struct {
	ID              primitive.ObjectID     `bson:"_id,omitempty" json:"id"`
	SessionID       string                 `bson:"sessionId" json:"sessionId"`
	UserID          string                 `bson:"userId" json:"userId"`
	ContentID       string                 `bson:"contentId" json:"contentId"`
	ContentType     string                 `bson:"contentType" json:"contentType"`
	MousePositions  []MousePosition        `bson:"mousePositions" json:"mousePositions"`
	HoverMetrics    HoverMetrics           `bson:"hoverMetrics" json:"hoverMetrics"`
	MovementPattern MovementPattern        `bson:"movementPattern" json:"movementPattern"`
	CloudinaryData  map[string]interface{} `bson:"cloudinaryData,omitempty" json:"cloudinaryData,omitempty"`
	CreatedAt       time.Time              `bson:"createdAt" json:"createdAt"`
	VisualizedAt    *time.Time             `bson:"visualizedAt,omitempty" json:"visualizedAt,omitempty"`
}

// ContentSummary aggregates hover sessions for one content item.
type ContentSummary struct {
	ContentID          string  `json:"contentId"`
	ContentType        string  `json:"contentType"`
	Sessions           int     `json:"sessions"`
	DistinctUsers      int     `json:"distinctUsers"`
	AverageHoverTime   float64 `json:"averageHoverTime"`
	TotalPositions     int     `json:"totalPositions"`
	VisualizedSessions int     `json:"visualizedSessions"`
}
