package scheduler

import (
	"math/rand/v2"
	"time"

	"persona-chat/internal/domain"
	"persona-chat/internal/textutil"
)

// Band is a uniform delay range.
type Band struct {
	Min time.Duration
	Max time.Duration
}

func (b Band) pick(r float64) time.Duration {
	if b.Max <= b.Min {
		return b.Min
	}
	return b.Min + time.Duration(r*float64(b.Max-b.Min))
}

// Pacing turns a turn's units into cumulative delivery offsets that read like
// someone typing: the first unit lands almost at once, later ones wait in
// proportion to their length.
type Pacing struct {
	First  Band
	Short  Band
	Medium Band
	Long   Band
	// Units up to ShortLen runes use Short, up to MediumLen use Medium.
	ShortLen  int
	MediumLen int
	JitterMin float64
	JitterMax float64
	// StickerBeat follows the unit a sticker is anchored to.
	StickerBeat Band
	// Rand returns values in [0, 1).
	Rand func() float64
}

func DefaultPacing() Pacing {
	return Pacing{
		First:       Band{Min: 100 * time.Millisecond, Max: 400 * time.Millisecond},
		Short:       Band{Min: 1 * time.Second, Max: 2 * time.Second},
		Medium:      Band{Min: 2 * time.Second, Max: 3500 * time.Millisecond},
		Long:        Band{Min: 3 * time.Second, Max: 5 * time.Second},
		ShortLen:    15,
		MediumLen:   40,
		JitterMin:   0.7,
		JitterMax:   1.3,
		StickerBeat: Band{Min: 400 * time.Millisecond, Max: 900 * time.Millisecond},
		Rand:        rand.Float64,
	}
}

// Offsets returns the delay of each unit from the start of the turn. The
// result is non-decreasing.
func (p Pacing) Offsets(units []domain.DeliveryUnit) []time.Duration {
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	out := make([]time.Duration, len(units))
	var at time.Duration
	for i, u := range units {
		var d time.Duration
		switch {
		case i == 0:
			d = p.First.pick(rnd())
		case u.Kind == domain.UnitSticker:
			d = p.StickerBeat.pick(rnd())
		default:
			d = p.band(textutil.Len(u.Summary())).pick(rnd())
			d = time.Duration(float64(d) * p.jitter(rnd()))
		}
		if d < 0 {
			d = 0
		}
		at += d
		out[i] = at
	}
	return out
}

func (p Pacing) band(n int) Band {
	switch {
	case n <= p.ShortLen:
		return p.Short
	case n <= p.MediumLen:
		return p.Medium
	default:
		return p.Long
	}
}

func (p Pacing) jitter(r float64) float64 {
	if p.JitterMax <= p.JitterMin {
		if p.JitterMin <= 0 {
			return 1
		}
		return p.JitterMin
	}
	return p.JitterMin + r*(p.JitterMax-p.JitterMin)
}
