// internal/app/store/hovertracking/hoverstore.go
package hoverstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrAlreadyVisualized is returned when visualization data was attached before.
var ErrAlreadyVisualized = errors.New("hoverstore: visualization already attached")

// Store provides access to the hover_tracking collection. Records are
// created once and patched at most once with visualization metadata.
type Store struct {
	ds docstore.Store
}

func New(ds docstore.Store) *Store {
	return &Store{ds: ds}
}

// Create inserts rec, assigning an ID when it has none.
func (s *Store) Create(ctx context.Context, rec models.HoverTracking) (models.HoverTracking, error) {
	if rec.ID.IsZero() {
		rec.ID = primitive.NewObjectID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.ds.InsertOne(ctx, docstore.HoverTracking, rec); err != nil {
		return models.HoverTracking{}, err
	}
	return rec, nil
}

// GetByID returns one record or docstore.ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (models.HoverTracking, error) {
	var rec models.HoverTracking
	if err := s.ds.FindOne(ctx, docstore.HoverTracking, bson.M{"_id": id}, &rec); err != nil {
		return models.HoverTracking{}, err
	}
	normalize(&rec)
	return rec, nil
}

// AttachVisualization stores data on a record that has none yet.
func (s *Store) AttachVisualization(ctx context.Context, id primitive.ObjectID, data map[string]interface{}, now time.Time) error {
	// visualizedAt: nil matches records where the field is absent.
	res, err := s.ds.UpdateOne(ctx, docstore.HoverTracking,
		bson.M{"_id": id, "visualizedAt": nil},
		bson.M{"$set": bson.M{"cloudinaryData": data, "visualizedAt": now}},
		false)
	if err != nil {
		return err
	}
	if res.Matched > 0 {
		return nil
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyVisualized
}

// ListByContent returns the records for contentID, newest first.
func (s *Store) ListByContent(ctx context.Context, contentID string) ([]models.HoverTracking, error) {
	var out []models.HoverTracking
	if err := s.ds.FindAll(ctx, docstore.HoverTracking, bson.M{"contentId": contentID}, &out); err != nil {
		return nil, err
	}
	for i := range out {
		normalize(&out[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Summaries groups every record by content ID.
func (s *Store) Summaries(ctx context.Context) ([]models.ContentSummary, error) {
	var all []models.HoverTracking
	if err := s.ds.FindAll(ctx, docstore.HoverTracking, nil, &all); err != nil {
		return nil, err
	}
	return Summarize(all), nil
}

// normalize turns decoded visualization documents back into plain maps.
func normalize(rec *models.HoverTracking) {
	if rec.CloudinaryData != nil {
		rec.CloudinaryData, _ = models.Normalize(rec.CloudinaryData).(map[string]any)
	}
}

// Summarize aggregates records per content ID, ordered by content ID.
func Summarize(recs []models.HoverTracking) []models.ContentSummary {
	type acc struct {
		sum   models.ContentSummary
		users map[string]struct{}
		hover float64
	}
	byContent := map[string]*acc{}
	for _, r := range recs {
		a, ok := byContent[r.ContentID]
		if !ok {
			a = &acc{
				sum:   models.ContentSummary{ContentID: r.ContentID, ContentType: r.ContentType},
				users: map[string]struct{}{},
			}
			byContent[r.ContentID] = a
		}
		a.sum.Sessions++
		a.sum.TotalPositions += len(r.MousePositions)
		a.hover += r.HoverMetrics.TotalHoverTime
		if r.UserID != "" {
			a.users[r.UserID] = struct{}{}
		}
		if r.VisualizedAt != nil {
			a.sum.VisualizedSessions++
		}
	}

	out := make([]models.ContentSummary, 0, len(byContent))
	for _, a := range byContent {
		a.sum.DistinctUsers = len(a.users)
		a.sum.AverageHoverTime = a.hover / float64(a.sum.Sessions)
		out = append(out, a.sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentID < out[j].ContentID })
	return out
}
