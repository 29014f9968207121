// internal/app/store/participants/participantstore.go
package participantstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
)

// Store provides access to the participants collection.
// participant_code and sharing_code are unique (see indexes.EnsureAll).
type Store struct {
	ds docstore.Store
}

func New(ds docstore.Store) *Store {
	return &Store{ds: ds}
}

// GetByCode returns the participant with code, or docstore.ErrNotFound.
func (s *Store) GetByCode(ctx context.Context, code string) (models.Participant, error) {
	var p models.Participant
	if err := s.ds.FindOne(ctx, docstore.Participants, bson.M{"participant_code": code}, &p); err != nil {
		return models.Participant{}, err
	}
	p.Normalize()
	return p, nil
}

// List returns every participant ordered by participant code.
func (s *Store) List(ctx context.Context) ([]models.Participant, error) {
	var out []models.Participant
	if err := s.ds.FindAll(ctx, docstore.Participants, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Normalize()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantCode < out[j].ParticipantCode })
	return out, nil
}

// Insert creates a new participant. A duplicate participant or sharing code
// returns docstore.ErrDuplicate.
func (s *Store) Insert(ctx context.Context, p models.Participant) error {
	return s.ds.InsertOne(ctx, docstore.Participants, p)
}

// Save writes every field of p onto the document keyed by its participant
// code, creating it if needed.
func (s *Store) Save(ctx context.Context, p models.Participant) error {
	set, err := toSet(p)
	if err != nil {
		return err
	}
	_, err = s.ds.UpdateOne(ctx, docstore.Participants,
		bson.M{"participant_code": p.ParticipantCode},
		bson.M{"$set": set}, true)
	return err
}

// SharingCodeTaken reports whether sharingCode belongs to a participant other
// than exceptCode.
func (s *Store) SharingCodeTaken(ctx context.Context, sharingCode, exceptCode string) (bool, error) {
	var p models.Participant
	err := s.ds.FindOne(ctx, docstore.Participants, bson.M{"sharing_code": sharingCode}, &p)
	if docstore.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.ParticipantCode != exceptCode, nil
}

// SetMissionUnlockedAll sets mission n's unlocked flag on every participant.
func (s *Store) SetMissionUnlockedAll(ctx context.Context, n int, unlocked bool) (docstore.UpdateResult, error) {
	if !models.ValidMission(n) {
		return docstore.UpdateResult{}, fmt.Errorf("participantstore: mission %d out of range", n)
	}
	return s.ds.UpdateMany(ctx, docstore.Participants, bson.M{}, bson.M{
		"$set": bson.M{models.MissionUnlockedKey(n): unlocked},
	})
}

// IncrementReferrals credits the participant owning sharingCode with one
// referral. It reports whether such a participant exists.
func (s *Store) IncrementReferrals(ctx context.Context, sharingCode string, now time.Time) (bool, error) {
	res, err := s.ds.UpdateOne(ctx, docstore.Participants,
		bson.M{"sharing_code": sharingCode},
		bson.M{
			"$inc": bson.M{"referrals_count": 1},
			"$set": bson.M{"updatedAt": now},
		}, false)
	if err != nil {
		return false, err
	}
	return res.Matched > 0, nil
}

// Delete removes the participant with code. Deleting an absent code is not
// an error and returns 0.
func (s *Store) Delete(ctx context.Context, code string) (int64, error) {
	return s.ds.DeleteOne(ctx, docstore.Participants, bson.M{"participant_code": code})
}

// DeleteAll removes every participant.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	return s.ds.DeleteMany(ctx, docstore.Participants, bson.M{})
}

// toSet encodes p for a $set, leaving out the server-owned _id.
func toSet(p models.Participant) (bson.M, error) {
	raw, err := bson.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("participantstore: encode %s: %w", p.ParticipantCode, err)
	}
	var set bson.M
	if err := bson.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("participantstore: encode %s: %w", p.ParticipantCode, err)
	}
	delete(set, "_id")
	return set, nil
}
