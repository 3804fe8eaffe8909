package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/99minutos/fleet-tracking/internal/api/metrics"
	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
)

// ZoneRepository reads zones written by the fleet console.
type ZoneRepository struct {
	col *mongo.Collection
}

var _ ports.ZoneRepository = (*ZoneRepository)(nil)

func NewZoneRepository(db *mongo.Database) *ZoneRepository {
	return &ZoneRepository{col: db.Collection(collectionZones)}
}

func (r *ZoneRepository) List(ctx context.Context) ([]domain.GeofenceZone, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cur, err := r.col.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find zones: %w", err)
	}
	defer cur.Close(ctx)

	var zones []domain.GeofenceZone
	if err := cur.All(ctx, &zones); err != nil {
		return nil, fmt.Errorf("decode zones: %w", err)
	}
	return zones, nil
}

// MembershipRepository persists MembershipState per (vehicle, zone).
type MembershipRepository struct {
	col *mongo.Collection
}

var _ ports.MembershipRepository = (*MembershipRepository)(nil)

func NewMembershipRepository(db *mongo.Database) *MembershipRepository {
	return &MembershipRepository{col: db.Collection(collectionMemberships)}
}

func (r *MembershipRepository) Find(ctx context.Context, vehicleID, zoneID string) (*domain.MembershipState, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var st domain.MembershipState
	err := r.col.FindOne(ctx, bson.M{"vehicle_id": vehicleID, "zone_id": zoneID}).Decode(&st)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find membership: %w", err)
	}
	return &st, nil
}

func (r *MembershipRepository) Upsert(ctx context.Context, st domain.MembershipState) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	filter := bson.M{"vehicle_id": st.VehicleID, "zone_id": st.ZoneID}
	update := bson.M{"$set": bson.M{
		"is_inside":          st.IsInside,
		"last_transition_at": st.LastTransitionAt.UTC(),
		"last_evaluated_at":  st.LastEvaluatedAt.UTC(),
	}}

	if _, err := r.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// EnsureIndexes creates necessary indexes on the memberships collection.
func (r *MembershipRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := r.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "vehicle_id", Value: 1}, {Key: "zone_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// GeofenceEventRepository writes the transition audit trail.
type GeofenceEventRepository struct {
	col *mongo.Collection
}

var _ ports.GeofenceEventRepository = (*GeofenceEventRepository)(nil)

func NewGeofenceEventRepository(db *mongo.Database) *GeofenceEventRepository {
	return &GeofenceEventRepository{col: db.Collection(collectionEvents)}
}

// Insert persists a geofence event to the geofence_events audit collection.
func (r *GeofenceEventRepository) Insert(ctx context.Context, ev domain.GeofenceEvent) error {
	metrics.GeofenceTransitionsTotal.WithLabelValues(string(ev.Transition)).Inc()

	doc := bson.M{
		"vehicle_id":      ev.VehicleID,
		"zone_id":         ev.ZoneID,
		"transition":      string(ev.Transition),
		"at":              ev.At.UTC(),
		"distance_meters": ev.DistanceMeters,
		"location": bson.M{
			"lat": ev.Location.Lat,
			"lng": ev.Location.Lng,
		},
		"recorded_at": time.Now().UTC(),
	}

	_, err := r.col.InsertOne(ctx, doc)
	return err
}

// EnsureIndexes creates necessary indexes on the events collection.
func (r *GeofenceEventRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := r.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "at", Value: -1}},
	})
	return err
}
