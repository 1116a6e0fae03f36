package routing

import (
	"math/rand"
	"sync"
	"time"
)

// WeightedNumber is one caller ID in a campaign's outbound number pool.
type WeightedNumber struct {
	Number string `json:"number"`
	// Weight must be > 0; non-positive entries are never picked.
	Weight int `json:"weight"`
}

// NumberPicker chooses the caller ID for each placement.
//
// Selection is weighted-random across the pool. When the pool has no
// eligible entries the fallback number is used.
type NumberPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewNumberPicker(rng *rand.Rand) *NumberPicker {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &NumberPicker{rng: rng}
}

func (p *NumberPicker) Pick(pool []WeightedNumber, fallback string) string {
	var total int
	for _, n := range pool {
		if n.Weight <= 0 || n.Number == "" {
			continue
		}
		total += n.Weight
	}
	if total <= 0 {
		return fallback
	}

	p.mu.Lock()
	r := p.rng.Intn(total) // 0..total-1
	p.mu.Unlock()

	var acc int
	for _, n := range pool {
		if n.Weight <= 0 || n.Number == "" {
			continue
		}
		acc += n.Weight
		if r < acc {
			return n.Number
		}
	}
	return fallback
}
