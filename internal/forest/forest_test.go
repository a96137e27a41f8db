package forest

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"gami-sentinel/internal/features"
)

// population builds n normal vectors clustered around modest activity
// levels, with per-vector jitter from the given rng.
func population(n int, rng *rand.Rand) []features.Vector {
	vectors := make([]features.Vector, n)
	for i := range vectors {
		vectors[i] = features.Vector{
			2 + rng.Float64()*3,      // event_frequency
			20 + rng.Float64()*30,    // xp_rate
			0.3 + rng.Float64()*0.4,  // action_diversity
			rng.Float64() * 0.3,      // web3_ratio
			rng.Float64() * 0.05,     // time_variance
			0.2 + rng.Float64()*0.3,  // avg_interval
			rng.Float64() * 0.1,      // burst_score
		}
	}
	return vectors
}

func outlier() features.Vector {
	return features.Vector{400, 200000, 0.005, 0, 0.0001, 0.0003, 1.0}
}

func TestUntrainedErrors(t *testing.T) {
	m := New(DefaultConfig())

	if m.Trained() {
		t.Error("Trained() = true before training")
	}
	if _, err := m.Score(outlier()); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Score error = %v, want ErrNotTrained", err)
	}
	if _, _, err := m.Classify(outlier()); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Classify error = %v, want ErrNotTrained", err)
	}
	if _, err := m.Threshold(); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Threshold error = %v, want ErrNotTrained", err)
	}
}

func TestTrainEmptySample(t *testing.T) {
	m := New(DefaultConfig())
	if err := m.Train(context.Background(), nil); !errors.Is(err, ErrNoTrainingData) {
		t.Errorf("Train error = %v, want ErrNoTrainingData", err)
	}
}

func TestTrainAndClassifyOutlier(t *testing.T) {
	m := New(DefaultConfig())
	vectors := population(200, rand.New(rand.NewSource(7)))

	if err := m.Train(context.Background(), vectors); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !m.Trained() {
		t.Fatal("Trained() = false after training")
	}
	if m.TrainedOn() != 200 {
		t.Errorf("TrainedOn = %d, want 200", m.TrainedOn())
	}

	score, anomalous, err := m.Classify(outlier())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !anomalous {
		t.Errorf("outlier not flagged, score %f", score)
	}
	if score <= 0 || score >= 1 {
		t.Errorf("score = %f, want in (0,1)", score)
	}

	threshold, err := m.Threshold()
	if err != nil {
		t.Fatalf("Threshold: %v", err)
	}
	if score <= threshold {
		t.Errorf("outlier score %f not above threshold %f", score, threshold)
	}
}

func TestContaminationBoundsFlaggedFraction(t *testing.T) {
	m := New(Config{Trees: 100, SubsampleSize: 128, Contamination: 0.05, Seed: 42})
	vectors := population(300, rand.New(rand.NewSource(11)))

	if err := m.Train(context.Background(), vectors); err != nil {
		t.Fatalf("Train: %v", err)
	}

	flagged := 0
	for _, v := range vectors {
		if _, anomalous, _ := m.Classify(v); anomalous {
			flagged++
		}
	}

	// The threshold sits at the (1-contamination) quantile of training
	// scores, so at most ~5% of the population can exceed it.
	if flagged > 15+300/20 {
		t.Errorf("flagged %d of 300, want at most ~5%%", flagged)
	}
}

func TestTrainDeterministic(t *testing.T) {
	vectors := population(150, rand.New(rand.NewSource(3)))

	a := New(DefaultConfig())
	b := New(DefaultConfig())
	if err := a.Train(context.Background(), vectors); err != nil {
		t.Fatalf("Train a: %v", err)
	}
	if err := b.Train(context.Background(), vectors); err != nil {
		t.Fatalf("Train b: %v", err)
	}

	ta, _ := a.Threshold()
	tb, _ := b.Threshold()
	if ta != tb {
		t.Errorf("thresholds differ: %f vs %f", ta, tb)
	}

	for _, v := range vectors[:10] {
		sa, _ := a.Score(v)
		sb, _ := b.Score(v)
		if sa != sb {
			t.Errorf("scores differ for %v: %f vs %f", v, sa, sb)
		}
	}
}

func TestRetrainReplacesEnsemble(t *testing.T) {
	m := New(DefaultConfig())

	first := population(50, rand.New(rand.NewSource(1)))
	if err := m.Train(context.Background(), first); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if m.TrainedOn() != 50 {
		t.Fatalf("TrainedOn = %d, want 50", m.TrainedOn())
	}

	second := population(120, rand.New(rand.NewSource(2)))
	if err := m.Train(context.Background(), second); err != nil {
		t.Fatalf("retrain: %v", err)
	}
	if m.TrainedOn() != 120 {
		t.Errorf("TrainedOn = %d, want 120 after retrain", m.TrainedOn())
	}
}

func TestTrainCancelledKeepsOldEnsemble(t *testing.T) {
	m := New(DefaultConfig())
	vectors := population(100, rand.New(rand.NewSource(5)))

	if err := m.Train(context.Background(), vectors); err != nil {
		t.Fatalf("Train: %v", err)
	}
	before, _ := m.Threshold()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Train(ctx, population(100, rand.New(rand.NewSource(6)))); err == nil {
		t.Fatal("cancelled Train returned nil error")
	}

	after, err := m.Threshold()
	if err != nil {
		t.Fatalf("Threshold after cancelled train: %v", err)
	}
	if before != after {
		t.Errorf("threshold changed after cancelled train: %f vs %f", before, after)
	}
}

func TestIdenticalVectorsScoreEqually(t *testing.T) {
	m := New(DefaultConfig())

	same := features.Vector{2, 20, 0.5, 0.1, 0.01, 0.25, 0}
	vectors := make([]features.Vector, 64)
	for i := range vectors {
		vectors[i] = same
	}
	vectors = append(vectors, population(64, rand.New(rand.NewSource(9)))...)

	if err := m.Train(context.Background(), vectors); err != nil {
		t.Fatalf("Train: %v", err)
	}

	s1, _ := m.Score(same)
	s2, _ := m.Score(same)
	if s1 != s2 {
		t.Errorf("same vector scored differently: %f vs %f", s1, s2)
	}
}

// A cohort of identical vectors at the population fringe scores alike,
// so the quantile threshold cannot fall below the cohort's common score
// and a fresh vector matching the cohort must classify clean.
func TestFringeCohortNotFlagged(t *testing.T) {
	vectors := population(34, rand.New(rand.NewSource(7)))
	// Sparse casual profile: hourly cadence, low XP, single action.
	cohort := features.Vector{1.1, 11.1, 0.1, 0, 0.0001, 1.0, 0}
	for i := 0; i < 6; i++ {
		vectors = append(vectors, cohort)
	}

	m := New(Config{Trees: 100, SubsampleSize: 256, Contamination: 0.05, Seed: 42})
	if err := m.Train(context.Background(), vectors); err != nil {
		t.Fatalf("Train: %v", err)
	}

	score, anomalous, err := m.Classify(cohort)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if anomalous {
		threshold, _ := m.Threshold()
		t.Errorf("cohort-matching vector flagged: score=%v threshold=%v", score, threshold)
	}
}

func TestAvgPathLength(t *testing.T) {
	if got := avgPathLength(0); got != 0 {
		t.Errorf("avgPathLength(0) = %f, want 0", got)
	}
	if got := avgPathLength(1); got != 0 {
		t.Errorf("avgPathLength(1) = %f, want 0", got)
	}
	// c(2) = 2*H(1) - 2*(1/2) = 2*0.5772... - 1
	got := avgPathLength(2)
	if got <= 0 || got >= 1 {
		t.Errorf("avgPathLength(2) = %f, want in (0,1)", got)
	}
	// Monotonic in n.
	if avgPathLength(256) <= avgPathLength(16) {
		t.Error("avgPathLength not increasing with n")
	}
}
