// Package forest implements an isolation forest for unsupervised anomaly
// scoring of behavior vectors. Trees isolate points by recursive random
// partitioning; anomalous points isolate in fewer splits, so a shorter
// average path length maps to a higher anomaly score.
package forest

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync/atomic"

	"gami-sentinel/internal/features"
)

// ErrNotTrained is returned when scoring is requested before any training
// pass has completed.
var ErrNotTrained = errors.New("isolation forest: model not trained")

// ErrNoTrainingData is returned when Train is called with an empty sample.
var ErrNoTrainingData = errors.New("isolation forest: no training vectors")

// Config holds forest construction parameters.
type Config struct {
	// Trees is the ensemble size.
	Trees int

	// SubsampleSize is the number of vectors sampled per tree.
	SubsampleSize int

	// Contamination is the expected fraction of anomalous users in the
	// training population; the decision threshold is calibrated so that
	// roughly this fraction of the training sample scores above it.
	Contamination float64

	// Seed makes training deterministic for a fixed population.
	Seed int64
}

// DefaultConfig returns the default forest parameters.
func DefaultConfig() Config {
	return Config{
		Trees:         100,
		SubsampleSize: 256,
		Contamination: 0.05,
		Seed:          42,
	}
}

// node is a single tree node. Leaves carry the size of the partition that
// reached them so scoring can extend the path estimate.
type node struct {
	left    *node
	right   *node
	feature int
	split   float64
	size    int // leaf only
}

func (n *node) isLeaf() bool { return n.left == nil }

// ensemble is one fully-trained forest plus its calibrated threshold. It
// is immutable after construction; the Model swaps whole ensembles.
type ensemble struct {
	trees     []*node
	c         float64 // average path length normalizer c(subsample)
	threshold float64
	trained   int // vectors used for training
}

// Model scores behavior vectors against the most recently trained
// ensemble. Training replaces the ensemble atomically: concurrent readers
// observe either the old or the new ensemble in full, never a mixture.
type Model struct {
	config  Config
	current atomic.Pointer[ensemble]
}

// New creates an untrained Model.
func New(cfg Config) *Model {
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.SubsampleSize <= 0 {
		cfg.SubsampleSize = 256
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 1 {
		cfg.Contamination = 0.05
	}
	return &Model{config: cfg}
}

// Trained reports whether a training pass has completed.
func (m *Model) Trained() bool {
	return m.current.Load() != nil
}

// TrainedOn returns the number of vectors the current ensemble was built
// from, or 0 when untrained.
func (m *Model) TrainedOn() int {
	if e := m.current.Load(); e != nil {
		return e.trained
	}
	return 0
}

// Threshold returns the calibrated decision threshold of the current
// ensemble. Scores above it classify as anomalous.
func (m *Model) Threshold() (float64, error) {
	e := m.current.Load()
	if e == nil {
		return 0, ErrNotTrained
	}
	return e.threshold, nil
}

// Train builds a fresh ensemble from the population sample and swaps it
// in. Training is not incremental: each call fully replaces the previous
// ensemble. The same sample and seed always yield an identical model.
// Cancellation is checked between trees; a cancelled run leaves the
// previous ensemble in place.
func (m *Model) Train(ctx context.Context, vectors []features.Vector) error {
	if len(vectors) == 0 {
		return ErrNoTrainingData
	}

	rng := rand.New(rand.NewSource(m.config.Seed))

	sample := m.config.SubsampleSize
	if sample > len(vectors) {
		sample = len(vectors)
	}

	depthLimit := int(math.Ceil(math.Log2(float64(sample))))
	if depthLimit < 1 {
		depthLimit = 1
	}

	e := &ensemble{
		trees:   make([]*node, m.config.Trees),
		c:       avgPathLength(sample),
		trained: len(vectors),
	}

	for i := range e.trees {
		if err := ctx.Err(); err != nil {
			return err
		}
		sub := subsample(vectors, sample, rng)
		e.trees[i] = buildTree(sub, 0, depthLimit, rng)
	}

	e.threshold = calibrate(e, vectors, m.config.Contamination)

	m.current.Store(e)
	return nil
}

// Score returns the normalized anomaly score of a vector in (0,1); higher
// values indicate more anomalous behavior. Scoring is lock-free and may
// run concurrently with Train.
func (m *Model) Score(v features.Vector) (float64, error) {
	e := m.current.Load()
	if e == nil {
		return 0, ErrNotTrained
	}
	return e.score(v), nil
}

// Classify scores a vector and compares it against the calibrated
// threshold.
func (m *Model) Classify(v features.Vector) (score float64, anomalous bool, err error) {
	e := m.current.Load()
	if e == nil {
		return 0, false, ErrNotTrained
	}
	s := e.score(v)
	return s, s > e.threshold, nil
}

func (e *ensemble) score(v features.Vector) float64 {
	var total float64
	for _, t := range e.trees {
		total += pathLength(t, v, 0)
	}
	mean := total / float64(len(e.trees))
	// Standard isolation forest normalization: s = 2^(-E[h]/c(n)).
	return math.Pow(2, -mean/e.c)
}

// subsample draws a random sample without replacement.
func subsample(vectors []features.Vector, n int, rng *rand.Rand) []features.Vector {
	if n >= len(vectors) {
		out := make([]features.Vector, len(vectors))
		copy(out, vectors)
		return out
	}
	idx := rng.Perm(len(vectors))[:n]
	out := make([]features.Vector, n)
	for i, j := range idx {
		out[i] = vectors[j]
	}
	return out
}

// buildTree recursively partitions the sample on a random feature and a
// random split value within that feature's observed range.
func buildTree(sample []features.Vector, depth, limit int, rng *rand.Rand) *node {
	if depth >= limit || len(sample) <= 1 {
		return &node{size: len(sample)}
	}

	// Pick among features that still vary in this partition; a partition
	// with no varying feature cannot be split further.
	varying := make([]int, 0, features.Dim)
	var lo, hi [features.Dim]float64
	for f := 0; f < features.Dim; f++ {
		lo[f], hi[f] = sample[0][f], sample[0][f]
		for _, v := range sample[1:] {
			if v[f] < lo[f] {
				lo[f] = v[f]
			}
			if v[f] > hi[f] {
				hi[f] = v[f]
			}
		}
		if hi[f] > lo[f] {
			varying = append(varying, f)
		}
	}
	if len(varying) == 0 {
		return &node{size: len(sample)}
	}

	f := varying[rng.Intn(len(varying))]
	split := lo[f] + rng.Float64()*(hi[f]-lo[f])

	var left, right []features.Vector
	for _, v := range sample {
		if v[f] < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{size: len(sample)}
	}

	return &node{
		left:    buildTree(left, depth+1, limit, rng),
		right:   buildTree(right, depth+1, limit, rng),
		feature: f,
		split:   split,
	}
}

// pathLength walks a vector down a tree. Leaves holding more than one
// point extend the path by the expected depth of an unbuilt subtree.
func pathLength(n *node, v features.Vector, depth int) float64 {
	if n.isLeaf() {
		return float64(depth) + avgPathLength(n.size)
	}
	if v[n.feature] < n.split {
		return pathLength(n.left, v, depth+1)
	}
	return pathLength(n.right, v, depth+1)
}

// avgPathLength is c(n), the average path length of unsuccessful BST
// search over n points: 2*H(n-1) - 2*(n-1)/n.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649 // Euler-Mascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}

// calibrate picks the decision threshold so that the flagged fraction of
// the training population approximates the contamination rate.
func calibrate(e *ensemble, vectors []features.Vector, contamination float64) float64 {
	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		scores[i] = e.score(v)
	}
	sort.Float64s(scores)

	// Threshold sits at the (1-contamination) quantile.
	idx := int(math.Ceil(float64(len(scores))*(1-contamination))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	return scores[idx]
}
