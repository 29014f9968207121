// internal/app/features/progress/merge.go
package progress

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dalemusser/conspiracypass/internal/app/system/htmlsanitize"
	"github.com/dalemusser/conspiracypass/internal/domain/models"
)

// Fields the server owns. They are dropped from every incoming payload.
var serverOwned = map[string]bool{
	"participant_code": true,
	"_id":              true,
	"createdAt":        true,
}

// Fields that may be set once and are never overwritten afterwards.
var setOnce = map[string]bool{
	"referral_code":      true,
	"used_referral_code": true,
}

// Mission completed flags latch: once true they are never reset.
var sticky = func() map[string]bool {
	m := make(map[string]bool, models.MissionCount)
	for n := 0; n < models.MissionCount; n++ {
		m[models.MissionCompletedKey(n)] = true
	}
	return m
}()

// stripServerOwned returns a copy of patch without server-owned keys.
func stripServerOwned(patch map[string]any) map[string]any {
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		if !serverOwned[k] {
			out[k] = v
		}
	}
	return out
}

// mergeParticipant overlays patch onto existing and returns the result.
//
//   - responses is merged per component: answers key by key, metadata field
//     by field; components absent from patch are left alone
//   - completedSections only grows; new IDs are appended in order
//   - referral_code and used_referral_code keep their first non-empty value
//   - mission{n}_completed never goes from true back to false
//   - every other key overwrites
//
// updatedAt and timestamp_last_update are always set to now.
func mergeParticipant(existing models.Participant, patch map[string]any, now time.Time) (models.Participant, error) {
	base, err := toMap(existing)
	if err != nil {
		return models.Participant{}, err
	}

	for k, v := range stripServerOwned(patch) {
		switch {
		case k == "responses":
			if in, ok := v.(map[string]any); ok {
				base[k] = mergeResponses(asMap(base[k]), in)
			}
		case k == "completedSections":
			base[k] = unionSections(base[k], v)
		case setOnce[k]:
			if s, _ := base[k].(string); strings.TrimSpace(s) == "" {
				base[k] = v
			}
		case sticky[k]:
			if done, _ := base[k].(bool); !done {
				base[k] = v
			}
		default:
			base[k] = v
		}
	}

	base["updatedAt"] = now
	base["timestamp_last_update"] = now

	out, err := fromMap(base)
	if err != nil {
		return models.Participant{}, err
	}
	out.ID = existing.ID
	out.ParticipantCode = existing.ParticipantCode
	out.CreatedAt = existing.CreatedAt
	if out.GroupAssignment == "" {
		out.GroupAssignment = existing.GroupAssignment
	}
	if out.SharingCode == "" {
		out.SharingCode = existing.SharingCode
	}
	if err := validate(&out); err != nil {
		return models.Participant{}, err
	}
	out.FillDefaults(now)
	return out, nil
}

// mergeResponses merges incoming component entries into existing.
func mergeResponses(existing, incoming map[string]any) map[string]any {
	if existing == nil {
		existing = map[string]any{}
	}
	for compID, raw := range incoming {
		in, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		cur := asMap(existing[compID])
		if cur == nil {
			cur = map[string]any{}
		}
		for field, v := range in {
			switch field {
			case "answers", "metadata":
				if m, ok := v.(map[string]any); ok {
					dst := asMap(cur[field])
					if dst == nil {
						dst = map[string]any{}
					}
					for k, val := range m {
						dst[k] = val
					}
					cur[field] = dst
				}
			default:
				cur[field] = v
			}
		}
		existing[compID] = cur
	}
	return existing
}

// unionSections appends the string IDs of incoming that existing lacks.
func unionSections(existing, incoming any) []any {
	out := []any{}
	seen := map[string]bool{}
	add := func(v any) {
		s, ok := v.(string)
		if !ok || s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	if list, ok := existing.([]any); ok {
		for _, v := range list {
			add(v)
		}
	}
	if list, ok := incoming.([]any); ok {
		for _, v := range list {
			add(v)
		}
	}
	return out
}

// validate rejects values the protocol cannot store and cleans free text.
func validate(p *models.Participant) error {
	if p.GroupAssignment != "" && !models.ValidGroup(p.GroupAssignment) {
		return fmt.Errorf("%w: group_assignment must be one of \"0\", \"1\", \"2\"", ErrMalformed)
	}
	p.CompetitionConsentEmail = htmlsanitize.Strict(p.CompetitionConsentEmail)
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func toMap(p models.Participant) (map[string]any, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("progress: encode %s: %w", p.ParticipantCode, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("progress: encode %s: %w", p.ParticipantCode, err)
	}
	return m, nil
}

func fromMap(m map[string]any) (models.Participant, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return models.Participant{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var p models.Participant
	if err := json.Unmarshal(b, &p); err != nil {
		return models.Participant{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}
