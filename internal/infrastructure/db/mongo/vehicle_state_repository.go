package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

// VehicleStateRepository stores the last accepted sample per vehicle, keyed
// by vehicle id.
type VehicleStateRepository struct {
	col *mongo.Collection
}

var _ ports.VehicleStateRepository = (*VehicleStateRepository)(nil)

func NewVehicleStateRepository(db *mongo.Database) *VehicleStateRepository {
	return &VehicleStateRepository{col: db.Collection(collectionVehicles)}
}

type vehicleStateDocument struct {
	VehicleID    string                `bson:"_id"`
	LastAccepted domain.LocationSample `bson:"last_accepted"`
	UpdatedAt    time.Time             `bson:"updated_at"`
}

func (r *VehicleStateRepository) LastAccepted(ctx context.Context, vehicleID string) (*domain.LocationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var doc vehicleStateDocument
	err := r.col.FindOne(ctx, bson.M{"_id": vehicleID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrVehicleNotFound
		}
		return nil, fmt.Errorf("find vehicle state: %w", err)
	}
	return &doc.LastAccepted, nil
}

// SaveLastAccepted moves the pointer forward. The filter refuses to move it
// backwards, so a late writer cannot regress the vehicle state.
func (r *VehicleStateRepository) SaveLastAccepted(ctx context.Context, sample *domain.LocationSample) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	ts := sample.Timestamp.UTC()
	last := *sample
	last.Timestamp = ts

	filter := bson.M{
		"_id": sample.VehicleID,
		"$or": bson.A{
			bson.M{"last_accepted.timestamp": bson.M{"$lte": ts}},
			bson.M{"last_accepted": bson.M{"$exists": false}},
		},
	}
	update := bson.M{"$set": bson.M{"last_accepted": last, "updated_at": time.Now().UTC()}}

	res, err := r.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// the filter missed because the stored pointer is newer
			return false, nil
		}
		return false, fmt.Errorf("save vehicle state: %w", err)
	}
	return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
}
