package anomaly

import (
	"errors"
	"fmt"
	"math"
)

// ErrFeatureShape is returned when samples do not share one dimension.
var ErrFeatureShape = errors.New("feature vectors have inconsistent shape")

// Model is a clustering or statistical model over fixed-width feature vectors.
type Model interface {
	// Fit trains the model on samples.
	Fit(samples [][]float64) error
	// Predict reports whether point is an outlier.
	Predict(point []float64) bool
	// Score is a distance-like measure where larger means more unusual.
	Score(point []float64) float64
}

// Noise is the cluster label DBSCAN assigns to points outside every cluster.
const Noise = -1

// DBSCAN is density-based clustering with a Euclidean metric. A point is a
// core point when at least MinPoints samples, itself included, lie within
// Epsilon of it. New points are classified against the fitted core points.
type DBSCAN struct {
	MinPoints int
	Epsilon   float64

	dim    int
	core   [][]float64
	labels []int
}

func NewDBSCAN(minPoints int, epsilon float64) *DBSCAN {
	return &DBSCAN{MinPoints: minPoints, Epsilon: epsilon}
}

func (d *DBSCAN) Fit(samples [][]float64) error {
	if len(samples) == 0 {
		return fmt.Errorf("fit: %w: no samples", ErrFeatureShape)
	}
	dim := len(samples[0])
	for i, s := range samples {
		if len(s) != dim || dim == 0 {
			return fmt.Errorf("fit: %w: sample %d has %d features, want %d", ErrFeatureShape, i, len(s), dim)
		}
	}

	neighbors := make([][]int, len(samples))
	for i := range samples {
		for j := range samples {
			if distance(samples[i], samples[j]) <= d.Epsilon {
				neighbors[i] = append(neighbors[i], j)
			}
		}
	}

	labels := make([]int, len(samples))
	for i := range labels {
		labels[i] = Noise
	}
	visited := make([]bool, len(samples))
	cluster := 0
	for i := range samples {
		if visited[i] || len(neighbors[i]) < d.MinPoints {
			continue
		}
		// Expand a new cluster from core point i.
		queue := []int{i}
		visited[i] = true
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			labels[p] = cluster
			if len(neighbors[p]) < d.MinPoints {
				continue
			}
			for _, q := range neighbors[p] {
				if !visited[q] {
					visited[q] = true
					queue = append(queue, q)
				}
			}
		}
		cluster++
	}

	core := make([][]float64, 0, len(samples))
	for i, s := range samples {
		if len(neighbors[i]) >= d.MinPoints {
			core = append(core, append([]float64(nil), s...))
		}
	}

	d.dim = dim
	d.core = core
	d.labels = labels
	return nil
}

// Labels returns the cluster of every fitted sample, Noise for outliers.
func (d *DBSCAN) Labels() []int {
	return append([]int(nil), d.labels...)
}

// Clusters returns the number of clusters found by the last Fit.
func (d *DBSCAN) Clusters() int {
	n := 0
	for _, l := range d.labels {
		if l+1 > n {
			n = l + 1
		}
	}
	return n
}

// Predict labels point as an outlier unless it lies within Epsilon of a
// fitted core point. An unfitted model treats every point as an outlier.
func (d *DBSCAN) Predict(point []float64) bool {
	return d.Score(point) > d.Epsilon
}

// Score is the distance to the nearest core point, +Inf when there is none
// or the point has the wrong shape.
func (d *DBSCAN) Score(point []float64) float64 {
	if len(point) != d.dim {
		return math.Inf(1)
	}
	best := math.Inf(1)
	for _, c := range d.core {
		if dist := distance(c, point); dist < best {
			best = dist
		}
	}
	return best
}

func distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
