// Package som implements the ensemble Self-Organizing Map engine described
// in spec §4.5: K independent 2-D toroidal-free Kohonen grids trained
// online with exponentially decaying neighborhood radius and learning rate,
// plus a distance-to-trained-manifold scoring operator.
//
// There is no direct precedent for this in the teacher repository (which
// processes BAM/PAM alignments, not unsupervised numeric models), so the
// numeric/grid style here is grounded on the teacher's own matrix and
// invariant-checking conventions: util/distance.go's row-major flat-array
// matrix representation, and circular/bitmap.go's practice of calling
// log.Panicf on a violated invariant rather than silently clamping.
package som

import (
	"math"
	"math/rand"
	"time"

	"github.com/grailbio/base/log"
	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
)

// Config configures one Engine. Defaults mirror spec §4.5.
type Config struct {
	// D is the number of SOM annotation dimensions.
	D int
	// B is the number of bins per grid side (default 20).
	B int
	// K is the ensemble size, i.e. number of independent grids (default 1).
	K int
	// Eta0 is the initial learning rate (default 0.1).
	Eta0 float64
	// Theta is the post-normalization activation threshold used by Score
	// (default 0.2).
	Theta float64
	// N is the total number of training updates this engine will receive,
	// capped by the Trainer to the number of sampled GOOD and LEARN vectors.
	N int
	// Seed drives both weight initialization and per-update map selection.
	// Seed 0 means "seed from current wall-clock" (spec §4.5); the resolved
	// value is logged as a warning, per spec §7.
	Seed int64
}

// DefaultConfig returns a Config with the spec's documented defaults, D, K,
// and N left for the caller to fill in.
func DefaultConfig() Config {
	return Config{B: 20, K: 1, Eta0: 0.1, Theta: 0.2}
}

type cell struct {
	weights   []float64
	influence float64
}

type grid struct {
	cells   []cell // row-major, length B*B
	counter int    // tau_j
}

func (g *grid) cellAt(b int, i, j int) *cell { return &g.cells[i*b+j] }

// Engine is an ensemble of K B×B grids of D-dimensional weight vectors.
// An Engine is mutable only while being trained; ResolvedSeed/Train may be
// called freely until Normalize is called, after which it is frozen and
// read-only (scoring only).
type Engine struct {
	cfg          Config
	resolvedSeed int64
	maps         []grid
	rng          *rand.Rand
	t            int64 // not updated; Train derives the time counter from the chosen map's counter
	frozen       bool
}

// NewEngine allocates and randomly initializes an Engine. Weights are drawn
// uniformly from [0,1]^D, influence accumulators start at zero, and every
// map's training counter starts at zero, per spec §4.5's initialization
// invariants.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.D <= 0 {
		return nil, errors.Errorf("som: D must be positive, got %d", cfg.D)
	}
	if cfg.B <= 0 {
		return nil, errors.Errorf("som: B must be positive, got %d", cfg.B)
	}
	if cfg.K <= 0 {
		return nil, errors.Errorf("som: K must be positive, got %d", cfg.K)
	}
	if cfg.N < 0 {
		return nil, errors.Errorf("som: N must be non-negative, got %d", cfg.N)
	}
	if cfg.Eta0 <= 0 {
		return nil, errors.Errorf("som: Eta0 must be positive, got %f", cfg.Eta0)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = seedFromClock()
		log.Printf("warning: som seed 0 passed, using wall-clock-derived seed %d", seed)
	}
	e := &Engine{
		cfg:          cfg,
		resolvedSeed: seed,
		rng:          rand.New(rand.NewSource(seed)),
		maps:         make([]grid, cfg.K),
	}
	for m := range e.maps {
		e.maps[m].cells = make([]cell, cfg.B*cfg.B)
		for c := range e.maps[m].cells {
			w := make([]float64, cfg.D)
			for d := range w {
				w[d] = e.rng.Float64()
			}
			e.maps[m].cells[c] = cell{weights: w}
		}
	}
	return e, nil
}

// highwayKey is a fixed, arbitrary 32-byte key used only to derive a
// well-mixed wall-clock seed; it carries no security properties and is not a
// secret.
var highwayKey = make([]byte, 32)

// seedFromClock derives a reproducible-looking seed from the current
// wall-clock time, per spec §4.5/§7. It uses highwayhash (a pack dependency
// otherwise unwired by this tool) purely as a fast mixing function, not for
// any cryptographic property.
func seedFromClock() int64 {
	var buf [8]byte
	now := time.Now().UnixNano()
	for i := 0; i < 8; i++ {
		buf[i] = byte(now >> (8 * uint(i)))
	}
	h := highwayhash.Sum64(buf[:], highwayKey)
	seed := int64(h)
	if seed == 0 {
		seed = 1
	}
	if seed < 0 {
		seed = -seed
	}
	return seed
}

// ResolvedSeed returns the seed actually used (after clock resolution).
func (e *Engine) ResolvedSeed() int64 { return e.resolvedSeed }

// Counter returns the per-map training counter tau_m.
func (e *Engine) Counter(m int) int { return e.maps[m].counter }

// Train feeds one input vector through the engine, per spec §4.5 steps 1-5.
// It panics if the engine has already been normalized (frozen).
func (e *Engine) Train(v []float64) {
	if e.frozen {
		log.Panicf("som.Engine.Train called after Normalize")
	}
	if len(v) != e.cfg.D {
		log.Panicf("som.Engine.Train: expected vector of length %d, got %d", e.cfg.D, len(v))
	}

	// Step 1: choose a map uniformly at random.
	j := e.rng.Intn(e.cfg.K)
	m := &e.maps[j]

	// Step 2: find the BMU by minimum squared Euclidean distance, ties
	// broken by row-major scan order (first minimum found wins).
	bi, bj, bestDist := 0, 0, math.Inf(1)
	b := e.cfg.B
	for i := 0; i < b; i++ {
		for jj := 0; jj < b; jj++ {
			d := squaredDist(v, m.cellAt(b, i, jj).weights)
			if d < bestDist {
				bestDist = d
				bi, bj = i, jj
			}
		}
	}

	// Step 3: advance the time counter before incrementing this map's
	// counter. This ordering is preserved exactly as specified (spec §9);
	// do not "fix" it to read tau_j after the increment.
	t := int64(m.counter) * int64(e.cfg.K)
	m.counter++

	// Step 4: radius and learning rate, both exponentially decayed.
	n := e.cfg.N
	if n <= 0 {
		n = 1
	}
	decay := math.Exp(-float64(t) / float64(n))
	rho := float64(b) * decay
	rho2 := rho * rho
	eta := e.cfg.Eta0 * decay

	// Step 5: update every cell within the neighborhood radius. The kernel
	// deliberately raises the squared grid distance to the fourth power
	// (d2*d2), not the textbook squared distance; this is preserved exactly
	// as specified (spec §9) and calibrated against the default theta=0.2.
	for i := 0; i < b; i++ {
		di := float64(i - bi)
		for jj := 0; jj < b; jj++ {
			dj := float64(jj - bj)
			d2 := di*di + dj*dj
			if d2 > rho2 {
				continue
			}
			alpha := eta
			if rho2 > 0 {
				alpha = math.Exp(-(d2*d2)*0.5/rho2) * eta
			}
			c := m.cellAt(b, i, jj)
			for d := range c.weights {
				c.weights[d] += alpha * (v[d] - c.weights[d])
			}
			c.influence += alpha
		}
	}
}

func squaredDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}

// Normalize divides every map's influence accumulators by that map's
// maximum accumulator value, turning it into a [0,1]-valued activation mass
// (spec §4.5). Maps that received no updates are left at zero. The engine
// is frozen (read-only) after this call.
func (e *Engine) Normalize() {
	for m := range e.maps {
		max := 0.0
		for _, c := range e.maps[m].cells {
			if c.influence > max {
				max = c.influence
			}
		}
		if max == 0 {
			continue
		}
		for i := range e.maps[m].cells {
			e.maps[m].cells[i].influence /= max
		}
	}
	e.frozen = true
}

// MaxInfluence returns the maximum post-normalization influence accumulator
// for map m (used by tests to check the "max == 1" invariant, spec §8).
func (e *Engine) MaxInfluence(m int) float64 {
	max := 0.0
	for _, c := range e.maps[m].cells {
		if c.influence > max {
			max = c.influence
		}
	}
	return max
}

// Score returns the minimum, over ensemble maps, of the squared distance
// from v to the nearest cell whose (normalized) influence accumulator is at
// least Theta, divided by D (spec §4.5). The result is a number in [0,1].
// If no map has any cell meeting the activation threshold (e.g. N==0), Score
// returns 1.0: maximal distance from an untrained manifold.
func (e *Engine) Score(v []float64) float64 {
	if !e.frozen {
		log.Panicf("som.Engine.Score called before Normalize")
	}
	best := math.Inf(1)
	for m := range e.maps {
		for _, c := range e.maps[m].cells {
			if c.influence < e.cfg.Theta {
				continue
			}
			d := squaredDist(v, c.weights)
			if d < best {
				best = d
			}
		}
	}
	if math.IsInf(best, 1) {
		return 1.0
	}
	return best / float64(e.cfg.D)
}

// Config returns a copy of the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }
