package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

// ---------------------------------------------------------------------------
// In-memory stubs
// ---------------------------------------------------------------------------

type stubSampleRepo struct {
	appended  []domain.LocationSample
	appendErr error
}

func (r *stubSampleRepo) Append(_ context.Context, s *domain.LocationSample) error {
	if r.appendErr != nil {
		return r.appendErr
	}
	r.appended = append(r.appended, *s)
	return nil
}

type stubStateRepo struct {
	last    map[string]domain.LocationSample
	loadErr error
}

func newStubStateRepo() *stubStateRepo {
	return &stubStateRepo{last: make(map[string]domain.LocationSample)}
}

func (r *stubStateRepo) LastAccepted(_ context.Context, vehicleID string) (*domain.LocationSample, error) {
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	s, ok := r.last[vehicleID]
	if !ok {
		return nil, domain.ErrVehicleNotFound
	}
	return &s, nil
}

func (r *stubStateRepo) SaveLastAccepted(_ context.Context, s *domain.LocationSample) (bool, error) {
	if cur, ok := r.last[s.VehicleID]; ok && s.Timestamp.Before(cur.Timestamp) {
		return false, nil
	}
	r.last[s.VehicleID] = *s
	return true, nil
}

type stubPublisher struct {
	published  []domain.LocationSample
	publishErr error
	// delay holds the publish back so callers with short deadlines expire first.
	delay  time.Duration
	ctxErr error
}

func (p *stubPublisher) PublishAccepted(ctx context.Context, s domain.LocationSample) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
		p.ctxErr = ctx.Err()
	}
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, s)
	return nil
}

type stubReplayGuard struct {
	seen map[string]bool
}

func newStubReplayGuard() *stubReplayGuard {
	return &stubReplayGuard{seen: make(map[string]bool)}
}

func replayKey(vehicleID string, seq uint64, ts time.Time) string {
	return fmt.Sprintf("%s/%d/%d", vehicleID, seq, ts.UnixNano())
}

func (g *stubReplayGuard) IsDuplicate(_ context.Context, vehicleID string, seq uint64, ts time.Time) (bool, error) {
	return g.seen[replayKey(vehicleID, seq, ts)], nil
}

func (g *stubReplayGuard) Mark(_ context.Context, vehicleID string, seq uint64, ts time.Time) error {
	g.seen[replayKey(vehicleID, seq, ts)] = true
	return nil
}

type ingestionFixture struct {
	samples   *stubSampleRepo
	state     *stubStateRepo
	publisher *stubPublisher
	replay    *stubReplayGuard
}

func newIngestionFixture() *ingestionFixture {
	return &ingestionFixture{
		samples:   &stubSampleRepo{},
		state:     newStubStateRepo(),
		publisher: &stubPublisher{},
		replay:    newStubReplayGuard(),
	}
}

func (f *ingestionFixture) service() *ingestionService {
	return NewIngestionService(f.samples, f.state, f.publisher, f.replay, zerolog.Nop()).(*ingestionService)
}

var t0 = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func sampleAt(vehicleID string, seq uint64, offset time.Duration) domain.LocationSample {
	return domain.LocationSample{
		VehicleID:      vehicleID,
		Latitude:       19.4326,
		Longitude:      -99.1332,
		Timestamp:      t0.Add(offset),
		ClientSequence: seq,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestIngest_FirstSampleAccepted(t *testing.T) {
	f := newIngestionFixture()
	svc := f.service()

	res, err := svc.Ingest(context.Background(), sampleAt("veh-1", 1, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.OutcomeAccepted || res.Duplicate {
		t.Fatalf("expected fresh accept, got %+v", res)
	}
	if !res.LastAcceptedAt.Equal(t0) {
		t.Errorf("expected last accepted %s, got %s", t0, res.LastAcceptedAt)
	}
	if len(f.samples.appended) != 1 {
		t.Errorf("expected 1 appended sample, got %d", len(f.samples.appended))
	}
	if len(f.publisher.published) != 1 {
		t.Errorf("expected 1 published sample, got %d", len(f.publisher.published))
	}

	at, err := svc.LastAccepted(context.Background(), "veh-1")
	if err != nil || !at.Equal(t0) {
		t.Errorf("expected LastAccepted %s, got %s (%v)", t0, at, err)
	}
}

func TestIngest_IntervalFloor(t *testing.T) {
	cases := []struct {
		name   string
		offset time.Duration
		want   domain.IngestOutcome
	}{
		{"10s later", 10 * time.Second, domain.OutcomeRejectedTooFrequent},
		{"29.9s later", 29900 * time.Millisecond, domain.OutcomeRejectedTooFrequent},
		{"exactly 30s later", 30 * time.Second, domain.OutcomeAccepted},
		{"45s later", 45 * time.Second, domain.OutcomeAccepted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newIngestionFixture()
			svc := f.service()
			if _, err := svc.Ingest(context.Background(), sampleAt("veh-1", 1, 0)); err != nil {
				t.Fatalf("seed: %v", err)
			}

			res, err := svc.Ingest(context.Background(), sampleAt("veh-1", 2, tc.offset))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != tc.want {
				t.Fatalf("expected %s, got %s (%s)", tc.want, res.Outcome, res.Reason)
			}
			if tc.want == domain.OutcomeRejectedTooFrequent {
				if !res.LastAcceptedAt.Equal(t0) {
					t.Errorf("rejection must carry the server's last accepted time, got %s", res.LastAcceptedAt)
				}
				if len(f.samples.appended) != 1 {
					t.Errorf("rejected sample must not be stored")
				}
				if len(f.publisher.published) != 1 {
					t.Errorf("rejected sample must not be published")
				}
			}
		})
	}
}

func TestIngest_OlderThanLastAcceptedIsInvalid(t *testing.T) {
	f := newIngestionFixture()
	svc := f.service()

	if _, err := svc.Ingest(context.Background(), sampleAt("veh-1", 5, time.Minute)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := svc.Ingest(context.Background(), sampleAt("veh-1", 4, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.OutcomeRejectedInvalid {
		t.Fatalf("expected rejected_invalid, got %s", res.Outcome)
	}
	if !strings.Contains(res.Reason, "older than last accepted") {
		t.Errorf("unexpected reason %q", res.Reason)
	}
}

func TestIngest_StructuralValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.LocationSample)
	}{
		{"latitude above range", func(s *domain.LocationSample) { s.Latitude = 90.0001 }},
		{"longitude below range", func(s *domain.LocationSample) { s.Longitude = -180.5 }},
		{"missing vehicle", func(s *domain.LocationSample) { s.VehicleID = " " }},
		{"missing timestamp", func(s *domain.LocationSample) { s.Timestamp = time.Time{} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newIngestionFixture()
			svc := f.service()

			s := sampleAt("veh-1", 1, 0)
			tc.mutate(&s)

			res, err := svc.Ingest(context.Background(), s)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != domain.OutcomeRejectedInvalid {
				t.Fatalf("expected rejected_invalid, got %s", res.Outcome)
			}
			if len(f.samples.appended) != 0 || len(f.publisher.published) != 0 {
				t.Errorf("invalid sample must have no side effects")
			}
		})
	}
}

func TestIngest_BoundaryCoordinatesAccepted(t *testing.T) {
	f := newIngestionFixture()
	svc := f.service()

	s := sampleAt("veh-1", 1, 0)
	s.Latitude, s.Longitude = 90, -180

	res, err := svc.Ingest(context.Background(), s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.OutcomeAccepted {
		t.Fatalf("expected accepted, got %s (%s)", res.Outcome, res.Reason)
	}
}

func TestIngest_ReplayOfLastAcceptedIsDuplicate(t *testing.T) {
	f := newIngestionFixture()
	svc := f.service()

	s := sampleAt("veh-1", 1, 0)
	if _, err := svc.Ingest(context.Background(), s); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := svc.Ingest(context.Background(), s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.OutcomeAccepted || !res.Duplicate {
		t.Fatalf("expected duplicate accept, got %+v", res)
	}
	if len(f.samples.appended) != 1 || len(f.publisher.published) != 1 {
		t.Errorf("replay must not be stored or published again")
	}
}

func TestIngest_ReplayOfOlderAcceptedIsDuplicate(t *testing.T) {
	f := newIngestionFixture()
	svc := f.service()

	first := sampleAt("veh-1", 1, 0)
	for _, s := range []domain.LocationSample{first, sampleAt("veh-1", 2, 30*time.Second)} {
		if _, err := svc.Ingest(context.Background(), s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	// A retried batch resends samples the server already took.
	res, err := svc.Ingest(context.Background(), first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.OutcomeAccepted || !res.Duplicate {
		t.Fatalf("expected duplicate accept, got %+v", res)
	}
	if !res.LastAcceptedAt.Equal(t0.Add(30 * time.Second)) {
		t.Errorf("expected last accepted to stay at the newest sample, got %s", res.LastAcceptedAt)
	}
}

func TestIngest_VehiclesAreIndependent(t *testing.T) {
	f := newIngestionFixture()
	svc := f.service()

	for _, v := range []string{"veh-1", "veh-2"} {
		res, err := svc.Ingest(context.Background(), sampleAt(v, 1, 0))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != domain.OutcomeAccepted {
			t.Fatalf("%s: expected accepted, got %s", v, res.Outcome)
		}
	}
}

func TestIngest_StoreFailureIsAnError(t *testing.T) {
	f := newIngestionFixture()
	f.samples.appendErr = errors.New("write concern timeout")
	svc := f.service()

	_, err := svc.Ingest(context.Background(), sampleAt("veh-1", 1, 0))
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := f.state.last["veh-1"]; ok {
		t.Errorf("pointer must not advance when the append failed")
	}
	if len(f.publisher.published) != 0 {
		t.Errorf("sample must not be published when the append failed")
	}
}

func TestIngest_PublishFailureKeepsPointer(t *testing.T) {
	f := newIngestionFixture()
	f.publisher.publishErr = errors.New("stream closed")
	svc := f.service()

	if _, err := svc.Ingest(context.Background(), sampleAt("veh-1", 1, 0)); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := f.state.last["veh-1"]; ok {
		t.Fatal("pointer must not advance past an unpublished sample")
	}

	// The retry is a fresh accept, not a replay, and reaches the stream.
	f.publisher.publishErr = nil
	res, err := svc.Ingest(context.Background(), sampleAt("veh-1", 1, 0))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Outcome != domain.OutcomeAccepted || res.Duplicate {
		t.Fatalf("expected fresh accept on retry, got %+v", res)
	}
	if len(f.publisher.published) != 1 {
		t.Fatalf("expected the retried sample to be published, got %d", len(f.publisher.published))
	}
}

func TestIngest_PublishOutlivesCallerDeadline(t *testing.T) {
	f := newIngestionFixture()
	f.publisher.delay = 30 * time.Millisecond
	svc := f.service()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	res, err := svc.Ingest(ctx, sampleAt("veh-1", 1, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", res.Outcome)
	}
	if f.publisher.ctxErr != nil {
		t.Fatalf("publish must not inherit the caller deadline, got %v", f.publisher.ctxErr)
	}
	if len(f.publisher.published) != 1 {
		t.Fatalf("expected 1 published sample, got %d", len(f.publisher.published))
	}
}

func TestIngest_StateLoadFailureIsAnError(t *testing.T) {
	f := newIngestionFixture()
	f.state.loadErr = errors.New("connection refused")
	svc := f.service()

	if _, err := svc.Ingest(context.Background(), sampleAt("veh-1", 1, 0)); err == nil {
		t.Fatal("expected error")
	}
}

func TestLastAccepted_UnknownVehicle(t *testing.T) {
	svc := newIngestionFixture().service()

	_, err := svc.LastAccepted(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrVehicleNotFound) {
		t.Fatalf("expected ErrVehicleNotFound, got %v", err)
	}
}
