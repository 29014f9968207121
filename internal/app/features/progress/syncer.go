// internal/app/features/progress/syncer.go
package progress

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	missionstore "github.com/dalemusser/conspiracypass/internal/app/store/missions"
	participantstore "github.com/dalemusser/conspiracypass/internal/app/store/participants"
	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"github.com/dalemusser/conspiracypass/internal/app/system/sharingcode"
	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Reserved codes. They select admin sub-operations and can never name a participant.
const (
	CodeAll            = "all"
	CodeMissionsLock   = "missions-lock"
	CodeMissionsUnlock = "missions-unlock"
)

// ErrMalformed marks input the protocol rejects with 400.
var ErrMalformed = errors.New("progress: malformed input")

// createAttempts bounds inserts that lose a sharing-code race.
const createAttempts = 3

// Reserved reports whether code is one of the sentinel codes.
func Reserved(code string) bool {
	return code == CodeAll || code == CodeMissionsLock || code == CodeMissionsUnlock
}

// Syncer implements the progress protocol over the participant and missions stores.
type Syncer struct {
	Store        docstore.Store
	Participants *participantstore.Store
	Missions     *missionstore.Store
	Log          *zap.Logger

	// Now and Rand are replaceable in tests.
	Now  func() time.Time
	Rand func() float64
}

// NewSyncer wires a Syncer over ds.
func NewSyncer(ds docstore.Store, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		Store:        ds,
		Participants: participantstore.New(ds),
		Missions:     missionstore.New(ds),
		Log:          logger,
		Now:          func() time.Time { return time.Now().UTC() },
		Rand:         rand.Float64,
	}
}

func (s *Syncer) now() time.Time {
	// Mongo keeps millisecond precision; match it so reads equal writes.
	return s.Now().Truncate(time.Millisecond)
}

// GetOrCreate returns the record for code, creating it with defaults when
// none exists. Visiting with a new code is how participants register.
func (s *Syncer) GetOrCreate(ctx context.Context, code string) (models.Participant, error) {
	p, err := s.Participants.GetByCode(ctx, code)
	if err == nil {
		return p, nil
	}
	if !docstore.IsNotFound(err) {
		return models.Participant{}, err
	}
	return s.create(ctx, code, nil)
}

// All returns every participant keyed by participant code.
func (s *Syncer) All(ctx context.Context) (map[string]models.Participant, error) {
	list, err := s.Participants.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Participant, len(list))
	for _, p := range list {
		out[p.ParticipantCode] = p
	}
	return out, nil
}

// Config returns the global missions config.
func (s *Syncer) Config(ctx context.Context) (models.MissionsConfig, error) {
	return s.Missions.Get(ctx)
}

// Merge applies patch to the record for code, creating the record first when
// it does not exist. Server-owned fields in patch are ignored.
func (s *Syncer) Merge(ctx context.Context, code string, patch map[string]any) (models.Participant, error) {
	existing, err := s.Participants.GetByCode(ctx, code)
	if docstore.IsNotFound(err) {
		return s.create(ctx, code, patch)
	}
	if err != nil {
		return models.Participant{}, err
	}
	return s.mergeInto(ctx, existing, patch)
}

func (s *Syncer) mergeInto(ctx context.Context, existing models.Participant, patch map[string]any) (models.Participant, error) {
	merged, err := mergeParticipant(existing, patch, s.now())
	if err != nil {
		return models.Participant{}, err
	}
	if err := s.Participants.Save(ctx, merged); err != nil {
		return models.Participant{}, err
	}
	s.creditReferral(ctx, existing, merged)
	return merged, nil
}

// create bootstraps a default record, overlays patch when given, and inserts
// it. A duplicate insert means either another request created the same code
// first (its record wins) or the sharing code collided (retry with a new one).
func (s *Syncer) create(ctx context.Context, code string, patch map[string]any) (models.Participant, error) {
	cfg, err := s.Missions.Get(ctx)
	if err != nil {
		return models.Participant{}, err
	}

	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		now := s.now()
		sc, err := sharingcode.Generate(ctx, code, now, func(ctx context.Context, c string) (bool, error) {
			return s.Participants.SharingCodeTaken(ctx, c, code)
		})
		if err != nil {
			return models.Participant{}, err
		}

		p := models.NewParticipant(code, models.DrawGroup(s.Rand()), sc, cfg, now)
		p.ID = primitive.NewObjectID()
		blank := p
		if patch != nil {
			if p, err = mergeParticipant(p, patch, now); err != nil {
				return models.Participant{}, err
			}
		}

		err = s.Participants.Insert(ctx, p)
		if err == nil {
			s.Log.Info("participant created",
				zap.String("code", code),
				zap.String("group", p.GroupAssignment),
				zap.String("sharing_code", p.SharingCode))
			s.creditReferral(ctx, blank, p)
			return p, nil
		}
		if !errors.Is(err, docstore.ErrDuplicate) {
			return models.Participant{}, err
		}
		lastErr = err

		winner, gerr := s.Participants.GetByCode(ctx, code)
		if gerr == nil {
			s.Log.Info("participant created concurrently; using stored record", zap.String("code", code))
			if patch == nil {
				return winner, nil
			}
			return s.mergeInto(ctx, winner, patch)
		}
		if !docstore.IsNotFound(gerr) {
			return models.Participant{}, gerr
		}
		s.Log.Warn("sharing code collided on insert; retrying",
			zap.String("code", code),
			zap.String("sharing_code", p.SharingCode),
			zap.Int("attempt", attempt+1))
	}
	return models.Participant{}, fmt.Errorf("create participant %s: %w", code, lastErr)
}

// creditReferral adds a referral to the participant whose sharing code was
// just recorded as used. Failures are logged and otherwise ignored.
func (s *Syncer) creditReferral(ctx context.Context, before, after models.Participant) {
	if after.UsedReferralCode == nil || *after.UsedReferralCode == "" {
		return
	}
	if before.UsedReferralCode != nil && *before.UsedReferralCode != "" {
		return
	}
	ref := *after.UsedReferralCode
	if ref == after.SharingCode {
		return
	}
	found, err := s.Participants.IncrementReferrals(ctx, ref, s.now())
	if err != nil {
		s.Log.Warn("referral credit failed", zap.String("referral_code", ref), zap.Error(err))
		return
	}
	if !found {
		s.Log.Info("referral code matches no participant", zap.String("referral_code", ref))
	}
}

// SetMissionForAll writes mission n's unlocked flag to the global config and
// then to every participant. Both writes share a transaction when the store
// supports one; otherwise they run in order and a failure between them leaves
// existing participants behind the config until the operation is repeated.
func (s *Syncer) SetMissionForAll(ctx context.Context, n int, unlocked bool) (models.MissionUpdate, error) {
	if !models.ValidMission(n) {
		return models.MissionUpdate{}, fmt.Errorf("%w: missionId must be between 0 and %d", ErrMalformed, models.MissionCount-1)
	}

	var upd models.MissionUpdate
	err := s.Store.WithTransaction(ctx, func(ctx context.Context) error {
		configUpdated, err := s.Missions.SetUnlocked(ctx, n, unlocked, s.now())
		if err != nil {
			return err
		}
		res, err := s.Participants.SetMissionUnlockedAll(ctx, n, unlocked)
		if err != nil {
			return err
		}
		upd = models.MissionUpdate{
			Success:       true,
			MissionID:     n,
			Unlocked:      unlocked,
			ConfigUpdated: configUpdated,
			MatchedCount:  res.Matched,
			ModifiedCount: res.Modified,
		}
		return nil
	})
	if err != nil {
		return models.MissionUpdate{}, err
	}
	return upd, nil
}

// Delete removes one participant. An absent code deletes nothing.
func (s *Syncer) Delete(ctx context.Context, code string) (models.DeleteResult, error) {
	n, err := s.Participants.Delete(ctx, code)
	if err != nil {
		return models.DeleteResult{}, err
	}
	return models.DeleteResult{Success: true, DeletedCount: n}, nil
}

// DeleteAll removes every participant and locks every mission.
func (s *Syncer) DeleteAll(ctx context.Context) (models.DeleteResult, error) {
	var n int64
	err := s.Store.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		if n, err = s.Participants.DeleteAll(ctx); err != nil {
			return err
		}
		return s.Missions.Reset(ctx, s.now())
	})
	if err != nil {
		return models.DeleteResult{}, err
	}
	return models.DeleteResult{Success: true, DeletedCount: n}, nil
}
