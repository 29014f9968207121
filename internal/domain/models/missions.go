// internal/domain/models/missions.go
package models

import "time"

// MissionsConfigID is the fixed _id of the singleton global missions document.
const MissionsConfigID = "global_missions"

// MissionsConfig is the global unlock state consulted when bootstrapping new
// participants. A missing document means every mission is locked.
type MissionsConfig struct {
	ID               string     `bson:"_id" json:"_id"`
	Mission0Unlocked bool       `bson:"mission0_unlocked" json:"mission0_unlocked"`
	Mission1Unlocked bool       `bson:"mission1_unlocked" json:"mission1_unlocked"`
	Mission2Unlocked bool       `bson:"mission2_unlocked" json:"mission2_unlocked"`
	Mission3Unlocked bool       `bson:"mission3_unlocked" json:"mission3_unlocked"`
	UpdatedAt        *time.Time `bson:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// Unlocked reports mission n's global flag.
func (c MissionsConfig) Unlocked(n int) bool {
	switch n {
	case 0:
		return c.Mission0Unlocked
	case 1:
		return c.Mission1Unlocked
	case 2:
		return c.Mission2Unlocked
	case 3:
		return c.Mission3Unlocked
	}
	return false
}

// MissionUpdate is the result of a global lock/unlock fan-out.
type MissionUpdate struct {
	Success       bool  `json:"success"`
	MissionID     int   `json:"missionId"`
	Unlocked      bool  `json:"unlocked"`
	ConfigUpdated bool  `json:"configUpdated"`
	MatchedCount  int64 `json:"matchedCount"`
	ModifiedCount int64 `json:"modifiedCount"`
}

// DeleteResult is returned by participant deletions.
type DeleteResult struct {
	Success      bool  `json:"success"`
	DeletedCount int64 `json:"deletedCount"`
}
