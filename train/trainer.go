// Package train implements the reservoir-sampling trainer described in
// spec §4.6: two independent reservoirs (GOOD and LEARN) are filled from a
// single streaming pass over an annotation table, then fed into a
// som.Engine in GOOD-then-LEARN order before it is normalized and frozen.
//
// Grounded on encoding/fastq/downsample.go's rand.New(rand.NewSource(seed))
// pattern for reproducible sampling, and on its practice of keeping the
// first fatal streaming error rather than silently continuing.
package train

import (
	"context"
	"io"
	"math/rand"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"github.com/grailbio/som-filter/annotation"
	"github.com/grailbio/som-filter/filterexpr"
	"github.com/grailbio/som-filter/som"
)

// Config controls reservoir sizing and the learning-filter expression.
type Config struct {
	// N is the requested total number of training vectors.
	N int
	// F is the learning-filter fraction in [0,1]; the LEARN reservoir gets
	// capacity round(N*F), the GOOD reservoir gets the remainder.
	F float64
	// LearningFilter selects LEARN-reservoir candidates among non-GOOD
	// sites. A nil expression means "accept every non-GOOD, fully present
	// site" is never used: per spec §4.6 a site only enters LEARN if it
	// both lacks the GOOD bit and passes this expression, so LearningFilter
	// must be non-nil for the LEARN reservoir to receive anything.
	LearningFilter *filterexpr.Expr
	// Seed drives reservoir-replacement randomness. 0 delegates to
	// math/rand's default source behavior is not used here: callers
	// supplying 0 get a fixed, explicit seed of 1, keeping reservoir
	// sampling reproducible even when the caller forgot to set a seed
	// (the SOM engine's own clock-reseed warning covers the "I really want
	// randomness" case).
	Seed int64
}

type reservoir struct {
	capacity int
	seen     int
	items    [][]float64
}

func newReservoir(capacity int) *reservoir {
	return &reservoir{capacity: capacity, items: make([][]float64, 0, capacity)}
}

// offer implements classical reservoir sampling: the reservoir fills
// in order, then each subsequent item replaces a uniformly chosen existing
// slot with probability capacity/seen.
func (r *reservoir) offer(v []float64, rng *rand.Rand) {
	if r.capacity <= 0 {
		return
	}
	r.seen++
	if len(r.items) < r.capacity {
		cp := make([]float64, len(v))
		copy(cp, v)
		r.items = append(r.items, cp)
		return
	}
	j := rng.Intn(r.seen)
	if j < r.capacity {
		copy(r.items[j], v)
	}
}

// Trainer streams an annotation table through two reservoirs and uses them
// to train a som.Engine.
type Trainer struct {
	cfg Config
	rng *rand.Rand
}

// NewTrainer validates cfg and returns a Trainer.
func NewTrainer(cfg Config) (*Trainer, error) {
	if cfg.N < 0 {
		return nil, errors.Errorf("train: N must be non-negative, got %d", cfg.N)
	}
	if cfg.F < 0 || cfg.F > 1 {
		return nil, errors.Errorf("train: F must be in [0,1], got %f", cfg.F)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	return &Trainer{cfg: cfg, rng: rand.New(rand.NewSource(seed))}, nil
}

// Result summarizes the reservoirs actually collected, for logging, and
// carries the trained engine.
type Result struct {
	GoodCapacity  int
	LearnCapacity int
	GoodCount     int
	LearnCount    int
	EffectiveN    int
	Engine        *som.Engine
}

// Run streams every site from tr, fills the GOOD and LEARN reservoirs, then
// trains and normalizes an engine (GOOD vectors first, then LEARN, per spec
// §4.6). newEngine is called once, after sampling, with the effective
// training size (N capped to the number of sampled vectors); it must return
// an engine whose D matches the number of SOM-selected slots in catalog.
func Run(ctx context.Context, tr *annotation.TableReader, catalog *annotation.Catalog, cfg Config, newEngine func(n int) (*som.Engine, error)) (*Result, error) {
	t, err := NewTrainer(cfg)
	if err != nil {
		return nil, err
	}

	learnCapacity := int(float64(cfg.N)*cfg.F + 0.5)
	goodCapacity := cfg.N - learnCapacity
	good := newReservoir(goodCapacity)
	learn := newReservoir(learnCapacity)

	somSlots := catalog.SomSlots()

	for {
		site, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "train: streaming annotation table")
		}
		if !site.AllPresent(catalog.NUserSlots()) {
			continue
		}
		vec := projectSomVector(site, somSlots)
		if site.Good() {
			good.offer(vec, t.rng)
			continue
		}
		if cfg.LearningFilter == nil {
			continue
		}
		mask := cfg.LearningFilter.Evaluate(site.Values)
		if filterexpr.Failed(mask) {
			continue
		}
		learn.offer(vec, t.rng)
	}

	effectiveN := cfg.N
	if len(good.items)+len(learn.items) < cfg.N {
		effectiveN = len(good.items) + len(learn.items)
		log.Printf("warning: train: requested N=%d exceeds available sites (good=%d, learn=%d); capping to %d",
			cfg.N, len(good.items), len(learn.items), effectiveN)
	}

	engine, err := newEngine(effectiveN)
	if err != nil {
		return nil, err
	}
	for _, v := range good.items {
		engine.Train(v)
	}
	for _, v := range learn.items {
		engine.Train(v)
	}
	engine.Normalize()

	return &Result{
		GoodCapacity:  goodCapacity,
		LearnCapacity: learnCapacity,
		GoodCount:     len(good.items),
		LearnCount:    len(learn.items),
		EffectiveN:    effectiveN,
		Engine:        engine,
	}, nil
}

// projectSomVector extracts a site's SOM-dimension values in slot order.
func projectSomVector(site *annotation.Site, somSlots []int) []float64 {
	v := make([]float64, len(somSlots))
	for i, slot := range somSlots {
		v[i] = site.Values[slot-annotation.FirstUserSlot]
	}
	return v
}
