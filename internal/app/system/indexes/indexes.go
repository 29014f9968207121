// internal/app/system/indexes/indexes.go
package indexes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

/*
EnsureAll is called at startup. Each ensure* function is idempotent.
Errors are aggregated so every problem is visible and startup can fail fast.
*/
func EnsureAll(ctx context.Context, db *mongo.Database) error {
	var problems []string

	if err := ensureParticipants(ctx, db); err != nil {
		problems = append(problems, docstore.Participants+": "+err.Error())
	}
	if err := ensureHoverTracking(ctx, db); err != nil {
		problems = append(problems, docstore.HoverTracking+": "+err.Error())
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// UniqueFields lists the single-field unique indexes per collection. The
// memory store is configured from it so both backends reject the same writes.
var UniqueFields = map[string][]string{
	docstore.Participants:  {"participant_code", "sharing_code"},
	docstore.HoverTracking: {"sessionId"},
}

// MemoryOptions returns the docstore options mirroring the unique indexes.
func MemoryOptions() []docstore.MemoryOption {
	opts := make([]docstore.MemoryOption, 0, len(UniqueFields))
	for coll, fields := range UniqueFields {
		opts = append(opts, docstore.WithUnique(coll, fields...))
	}
	return opts
}

/* -------------------------------------------------------------------------- */
/* Reconcile a set of desired indexes for one collection                      */
/* -------------------------------------------------------------------------- */

type existingIndex struct {
	Name   string `bson:"name"`
	Key    bson.D `bson:"key"`
	Unique *bool  `bson:"unique,omitempty"`
}

func keySig(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, kv := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", kv.Key, kv.Value))
	}
	return strings.Join(parts, ", ")
}

func sameBoolPtr(a, b *bool) bool {
	av := a != nil && *a
	bv := b != nil && *b
	return av == bv
}

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsDuplicateKeyError(err) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "E11000") || strings.Contains(strings.ToLower(s), "duplicate key")
}

// Mongo/DocDB return IndexOptionsConflict when an index with the same keys
// exists under a different name.
func isOptionsConflictErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "IndexOptionsConflict")
}

func listExisting(ctx context.Context, coll *mongo.Collection) map[string]existingIndex {
	existing := map[string]existingIndex{} // sig -> index
	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		return existing
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var idx existingIndex
		if err := cur.Decode(&idx); err != nil {
			zap.L().Warn("failed to decode existing index",
				zap.String("collection", coll.Name()),
				zap.Error(err))
			continue
		}
		existing[keySig(idx.Key)] = idx
	}
	return existing
}

func ensureIndexSet(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) error {
	var errs []string

	for _, m := range models {
		var desiredName string
		var desiredUnique *bool
		if m.Options != nil {
			if m.Options.Name != nil {
				desiredName = *m.Options.Name
			}
			desiredUnique = m.Options.Unique
		}
		desiredSig := keySig(m.Keys.(bson.D))
		unique := desiredUnique != nil && *desiredUnique

		start := time.Now()
		log := zap.L().With(
			zap.String("collection", coll.Name()),
			zap.String("name", desiredName),
			zap.String("keys", desiredSig),
			zap.Bool("unique", unique))
		log.Info("ensuring index")

		ex, found := listExisting(ctx, coll)[desiredSig]
		switch {
		case found && sameBoolPtr(desiredUnique, ex.Unique) && (desiredName == "" || ex.Name == desiredName):
			log.Info("reusing existing index", zap.String("took", time.Since(start).String()))
			continue

		case found:
			// Same keys but a different name or uniqueness: drop and recreate.
			if _, err := coll.Indexes().DropOne(ctx, ex.Name); err != nil {
				log.Warn("drop existing index failed", zap.String("existing", ex.Name), zap.Error(err))
				errs = append(errs, fmt.Sprintf("%s(%s): drop failed: %v", coll.Name(), desiredName, err))
				continue
			}
		}

		if _, err := coll.Indexes().CreateOne(ctx, m); err != nil {
			switch {
			case isDuplicateKeyErr(err) && unique:
				errs = append(errs, fmt.Sprintf("%s(%s): cannot create unique index (duplicates present)", coll.Name(), desiredName))
			case isOptionsConflictErr(err):
				errs = append(errs, fmt.Sprintf("%s(%s): options conflict with an existing index: %v", coll.Name(), desiredName, err))
			default:
				errs = append(errs, fmt.Sprintf("%s(%s): %v", coll.Name(), desiredName, err))
			}
			log.Warn("index ensure failed", zap.String("took", time.Since(start).String()), zap.Error(err))
			continue
		}
		log.Info("index ensured",
			zap.Bool("recreated", found),
			zap.String("took", time.Since(start).String()))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

/* -------------------------------------------------------------------------- */
/* Collection-specific index sets                                              */
/* -------------------------------------------------------------------------- */

func ensureParticipants(ctx context.Context, db *mongo.Database) error {
	c := db.Collection(docstore.Participants)
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		// One progress document per participant code.
		{
			Keys:    bson.D{{Key: "participant_code", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_participants_code"),
		},
		// Referral lookups credit the referrer by sharing code.
		{
			Keys:    bson.D{{Key: "sharing_code", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_participants_sharing_code"),
		},
		// Export and study reports split by group.
		{
			Keys:    bson.D{{Key: "group_assignment", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().SetName("idx_participants_group_created"),
		},
	})
}

func ensureHoverTracking(ctx context.Context, db *mongo.Database) error {
	c := db.Collection(docstore.HoverTracking)
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "contentId", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("idx_hover_content_created"),
		},
		{
			Keys:    bson.D{{Key: "userId", Value: 1}},
			Options: options.Index().SetName("idx_hover_user"),
		},
		{
			Keys:    bson.D{{Key: "sessionId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_hover_session"),
		},
	})
}
