// internal/app/store/missions/missionstore.go
package missionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
)

// ErrInvalidMission is returned for mission numbers outside 0..MissionCount-1.
var ErrInvalidMission = errors.New("missionstore: mission out of range")

// Store reads and writes the singleton global missions document.
type Store struct {
	ds docstore.Store
}

func New(ds docstore.Store) *Store {
	return &Store{ds: ds}
}

var idFilter = bson.M{"_id": models.MissionsConfigID}

// Get returns the global config. A missing document reads as all missions locked.
func (s *Store) Get(ctx context.Context) (models.MissionsConfig, error) {
	var cfg models.MissionsConfig
	err := s.ds.FindOne(ctx, docstore.MissionsConfig, idFilter, &cfg)
	if docstore.IsNotFound(err) {
		return models.MissionsConfig{ID: models.MissionsConfigID}, nil
	}
	if err != nil {
		return models.MissionsConfig{}, err
	}
	return cfg, nil
}

// SetUnlocked upserts mission n's flag. It reports whether the document was
// created or matched.
func (s *Store) SetUnlocked(ctx context.Context, n int, unlocked bool, now time.Time) (bool, error) {
	if !models.ValidMission(n) {
		return false, fmt.Errorf("%w: %d", ErrInvalidMission, n)
	}
	res, err := s.ds.UpdateOne(ctx, docstore.MissionsConfig, idFilter, bson.M{
		"$set": bson.M{
			models.MissionUnlockedKey(n): unlocked,
			"updatedAt":                  now,
		},
	}, true)
	if err != nil {
		return false, err
	}
	return res.Matched > 0 || res.Upserted > 0, nil
}

// Reset locks every mission.
func (s *Store) Reset(ctx context.Context, now time.Time) error {
	set := bson.M{"updatedAt": now}
	for n := 0; n < models.MissionCount; n++ {
		set[models.MissionUnlockedKey(n)] = false
	}
	_, err := s.ds.UpdateOne(ctx, docstore.MissionsConfig, idFilter, bson.M{"$set": set}, true)
	return err
}
