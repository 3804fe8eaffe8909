// Package position provides raw location fixes to the sampler.
package position

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

// Fix is one reading from a positioning source. Accuracy is the horizontal
// radius in meters; zero means unknown.
type Fix struct {
	VehicleID string
	Position  domain.Coordinates
	At        time.Time
	Accuracy  float64
	Speed     float64
	Heading   float64
	Altitude  *float64
}

// Source pushes fixes until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, out chan<- Fix) error
}

type SimulatedConfig struct {
	Origin     domain.Coordinates
	StepMeters float64
	Period     time.Duration
	Accuracy   float64
}

// Simulated is a random walk around an origin. It stands in for a GNSS
// receiver on development devices.
type Simulated struct {
	vehicleID string
	cfg       SimulatedConfig
	rnd       *rand.Rand
	now       func() time.Time
}

func NewSimulated(vehicleID string, cfg SimulatedConfig, seed uint64) *Simulated {
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Second
	}
	return &Simulated{
		vehicleID: vehicleID,
		cfg:       cfg,
		rnd:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:       time.Now,
	}
}

func (s *Simulated) Run(ctx context.Context, out chan<- Fix) error {
	pos := s.cfg.Origin
	heading := s.rnd.Float64() * 360

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		// Mostly keep course, sometimes stop.
		heading = math.Mod(heading+s.rnd.NormFloat64()*20+360, 360)
		step := 0.0
		if s.rnd.Float64() > 0.2 {
			step = s.cfg.StepMeters * (0.5 + s.rnd.Float64())
		}
		pos = Offset(pos, step, heading)

		fix := Fix{
			VehicleID: s.vehicleID,
			Position:  pos,
			At:        s.now().UTC(),
			Accuracy:  s.cfg.Accuracy * (0.5 + s.rnd.Float64()),
			Speed:     step / s.cfg.Period.Seconds(),
			Heading:   heading,
		}

		select {
		case out <- fix:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Offset moves p by meters along bearing (degrees from north).
func Offset(p domain.Coordinates, meters, bearing float64) domain.Coordinates {
	const earthRadius = 6371000.0
	if meters == 0 {
		return p
	}
	d := meters / earthRadius
	b := bearing * math.Pi / 180
	lat1 := p.Lat * math.Pi / 180
	lng1 := p.Lng * math.Pi / 180

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(b))
	lng2 := lng1 + math.Atan2(math.Sin(b)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))

	return domain.Coordinates{
		Lat: lat2 * 180 / math.Pi,
		Lng: math.Mod(lng2*180/math.Pi+540, 360) - 180,
	}
}
