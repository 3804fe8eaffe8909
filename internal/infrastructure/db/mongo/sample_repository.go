package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

// SampleRepository appends accepted samples to location_samples.
type SampleRepository struct {
	col *mongo.Collection
}

var _ ports.SampleRepository = (*SampleRepository)(nil)

func NewSampleRepository(db *mongo.Database) *SampleRepository {
	return &SampleRepository{col: db.Collection(collectionSamples)}
}

type sampleDocument struct {
	domain.LocationSample `bson:",inline"`
	IngestedAt            time.Time `bson:"ingested_at"`
}

// Append inserts the sample. Re-appending the same (vehicle, sequence,
// timestamp) is absorbed by the unique index.
func (r *SampleRepository) Append(ctx context.Context, sample *domain.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	doc := sampleDocument{LocationSample: *sample, IngestedAt: time.Now().UTC()}
	doc.Timestamp = doc.Timestamp.UTC()

	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// EnsureIndexes creates necessary indexes on the samples collection.
func (r *SampleRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "vehicle_id", Value: 1}, {Key: "client_sequence", Value: 1}, {Key: "timestamp", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "timestamp", Value: -1}}},
	}

	_, err := r.col.Indexes().CreateMany(ctx, indexes)
	return err
}
