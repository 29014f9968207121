// internal/domain/models/participant.go
package models

import (
	"encoding/json"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MissionCount is the number of missions a participant can unlock and complete.
const MissionCount = 4

// Group assignments. New participants are drawn 33/33/34 across the three groups.
const (
	GroupControl = "0"
	GroupA       = "1"
	GroupB       = "2"
)

// Progress steps recorded in current_progress_step.
const (
	StepInstruction = "instruction"
	StepIntro       = "intro"
	StepMainMenu    = "mainmenu"
)

// Participant is the progress document kept for one participant code.
//
// Fields the UI writes that are not modeled here (per-component flags, counters
// added after launch) are kept in Extra so a merge never drops them.
type Participant struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"_id,omitempty"`
	ParticipantCode string             `bson:"participant_code" json:"participant_code"`
	GroupAssignment string             `bson:"group_assignment" json:"group_assignment"` // "0" | "1" | "2"
	SharingCode     string             `bson:"sharing_code" json:"sharing_code"`

	ReferralCode     *string `bson:"referral_code" json:"referral_code"`
	UsedReferralCode *string `bson:"used_referral_code" json:"used_referral_code"`

	Mission0Unlocked  bool `bson:"mission0_unlocked" json:"mission0_unlocked"`
	Mission0Completed bool `bson:"mission0_completed" json:"mission0_completed"`
	Mission1Unlocked  bool `bson:"mission1_unlocked" json:"mission1_unlocked"`
	Mission1Completed bool `bson:"mission1_completed" json:"mission1_completed"`
	Mission2Unlocked  bool `bson:"mission2_unlocked" json:"mission2_unlocked"`
	Mission2Completed bool `bson:"mission2_completed" json:"mission2_completed"`
	Mission3Unlocked  bool `bson:"mission3_unlocked" json:"mission3_unlocked"`
	Mission3Completed bool `bson:"mission3_completed" json:"mission3_completed"`

	Responses map[string]ComponentResponse `bson:"responses" json:"responses"`

	UserStatsPoints     int      `bson:"user_stats_points" json:"user_stats_points"`
	UserStatsLevel      int      `bson:"user_stats_level" json:"user_stats_level"`
	ReferralsCount      int      `bson:"referrals_count" json:"referrals_count"`
	CompletedSections   []string `bson:"completedSections" json:"completedSections"` // append-only
	SessionCount        int      `bson:"session_count" json:"session_count"`
	TotalTimeSpent      float64  `bson:"total_time_spent" json:"total_time_spent"` // seconds
	CurrentProgressStep string   `bson:"current_progress_step" json:"current_progress_step"`

	InstructionCompleted bool `bson:"instruction_completed" json:"instruction_completed"`
	IntroCompleted       bool `bson:"intro_completed" json:"intro_completed"`
	MainmenuVisits       int  `bson:"mainmenu_visits" json:"mainmenu_visits"`

	InformedConsentGiven        bool       `bson:"informed_consent_given" json:"informed_consent_given"`
	InformedConsentTimestamp    *time.Time `bson:"informed_consent_timestamp" json:"informed_consent_timestamp"`
	CompetitionConsentGiven     bool       `bson:"competition_consent_given" json:"competition_consent_given"`
	CompetitionConsentTimestamp *time.Time `bson:"competition_consent_timestamp" json:"competition_consent_timestamp"`
	CompetitionConsentEmail     string     `bson:"competition_consent_email" json:"competition_consent_email"`
	Blocked                     bool       `bson:"blocked" json:"blocked"`

	TimestampStart      time.Time `bson:"timestamp_start" json:"timestamp_start"`
	TimestampLastUpdate time.Time `bson:"timestamp_last_update" json:"timestamp_last_update"`
	CreatedAt           time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt           time.Time `bson:"updatedAt" json:"updatedAt"`

	Extra map[string]interface{} `bson:",inline" json:"-"`
}

type participantJSON Participant

// MarshalJSON writes the modeled fields plus anything carried in Extra.
func (p Participant) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(participantJSON(p), p.Extra)
}

// UnmarshalJSON reads the modeled fields and keeps unknown keys in Extra.
func (p *Participant) UnmarshalJSON(data []byte) error {
	var v participantJSON
	extra, err := unmarshalWithExtra(data, &v)
	if err != nil {
		return err
	}
	v.Extra = extra
	*p = Participant(v)
	return nil
}

// NewParticipant builds the default record created the first time a code is seen.
// Unlocked flags are copied from the global missions config; completed flags start false.
func NewParticipant(code, group, sharingCode string, cfg MissionsConfig, now time.Time) Participant {
	p := Participant{
		ParticipantCode:     code,
		GroupAssignment:     group,
		SharingCode:         sharingCode,
		Responses:           map[string]ComponentResponse{},
		UserStatsLevel:      1,
		CompletedSections:   []string{},
		SessionCount:        1,
		CurrentProgressStep: StepInstruction,
		TimestampStart:      now,
		TimestampLastUpdate: now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	for n := 0; n < MissionCount; n++ {
		p.SetMissionUnlocked(n, cfg.Unlocked(n))
	}
	return p
}

// FillDefaults repairs zero-valued bookkeeping fields in place.
// It does not touch group assignment or sharing code; callers own those.
func (p *Participant) FillDefaults(now time.Time) {
	if p.Responses == nil {
		p.Responses = map[string]ComponentResponse{}
	}
	if p.CompletedSections == nil {
		p.CompletedSections = []string{}
	}
	if p.UserStatsLevel < 1 {
		p.UserStatsLevel = 1
	}
	if p.SessionCount < 1 {
		p.SessionCount = 1
	}
	if strings.TrimSpace(p.CurrentProgressStep) == "" {
		p.CurrentProgressStep = StepInstruction
	}
	if p.TimestampStart.IsZero() {
		p.TimestampStart = now
	}
	if p.TimestampLastUpdate.IsZero() {
		p.TimestampLastUpdate = now
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.TimestampStart
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
}

// MissionUnlocked reports mission{n}_unlocked. Out-of-range missions are locked.
func (p Participant) MissionUnlocked(n int) bool {
	switch n {
	case 0:
		return p.Mission0Unlocked
	case 1:
		return p.Mission1Unlocked
	case 2:
		return p.Mission2Unlocked
	case 3:
		return p.Mission3Unlocked
	}
	return false
}

// SetMissionUnlocked sets mission{n}_unlocked; out-of-range missions are ignored.
func (p *Participant) SetMissionUnlocked(n int, v bool) {
	switch n {
	case 0:
		p.Mission0Unlocked = v
	case 1:
		p.Mission1Unlocked = v
	case 2:
		p.Mission2Unlocked = v
	case 3:
		p.Mission3Unlocked = v
	}
}

// MissionCompleted reports mission{n}_completed.
func (p Participant) MissionCompleted(n int) bool {
	switch n {
	case 0:
		return p.Mission0Completed
	case 1:
		return p.Mission1Completed
	case 2:
		return p.Mission2Completed
	case 3:
		return p.Mission3Completed
	}
	return false
}

// HasCompletedSection reports whether sectionID was already awarded.
func (p Participant) HasCompletedSection(sectionID string) bool {
	for _, s := range p.CompletedSections {
		if s == sectionID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy via the JSON form so caches never share maps.
func (p Participant) Clone() Participant {
	b, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out Participant
	if err := json.Unmarshal(b, &out); err != nil {
		return p
	}
	out.ID = p.ID
	return out
}

// ValidGroup reports whether g is one of the three group assignments.
func ValidGroup(g string) bool {
	return g == GroupControl || g == GroupA || g == GroupB
}

// DrawGroup maps a uniform draw r in [0,1) to a group with weights 33/33/34.
func DrawGroup(r float64) string {
	switch {
	case r < 0.33:
		return GroupControl
	case r < 0.66:
		return GroupA
	default:
		return GroupB
	}
}

// MissionUnlockedKey is the document field holding mission n's unlocked flag.
func MissionUnlockedKey(n int) string {
	return "mission" + string(rune('0'+n)) + "_unlocked"
}

// MissionCompletedKey is the document key for mission n's completed flag.
func MissionCompletedKey(n int) string {
	return "mission" + string(rune('0'+n)) + "_completed"
}

// ValidMission reports whether n names one of the missions.
func ValidMission(n int) bool {
	return n >= 0 && n < MissionCount
}
