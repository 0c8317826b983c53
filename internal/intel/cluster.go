package intel

import (
	"math"
	"time"
)

// Hierarchical Agglomerative Clustering (Ward linkage)
//
// Partitions a batch of feature vectors with a fixed distance threshold rather
// than a fixed cluster count, so the number of clusters adapts to data
// density. Ward linkage minimizes within-cluster variance; merge distances are
// maintained with the Lance-Williams recurrence:
//
//   d²(k, i∪j) = ((nᵢ+nₖ)·d²(k,i) + (nⱼ+nₖ)·d²(k,j) − nₖ·d²(i,j)) / (nᵢ+nⱼ+nₖ)
//
// Groups smaller than the minimum cluster size are reclassified as noise
// (label -1) after partitioning. Batch sizes are bounded by the rebuild event
// window, so the O(n³) naive agenda is acceptable here.

// NoiseLabel marks samples that fell outside every surviving partition.
const NoiseLabel = -1

// Sample is one threat event prepared for clustering.
type Sample struct {
	Receiver     string
	Message      string
	PatternFlags []string
	AgentScores  []float64
	ThreatScore  float64
	Timestamp    time.Time
	Vector       []float64
}

// ClusterVectors runs agglomerative clustering over the sample vectors and
// returns per-sample labels plus the centroid of each surviving group.
// Batches below minClusterSize are entirely noise.
func ClusterVectors(vectors [][]float64, distanceThreshold float64, minClusterSize int) ([]int, map[int][]float64) {
	n := len(vectors)
	labels := make([]int, n)
	centers := make(map[int][]float64)
	if n < minClusterSize {
		for i := range labels {
			labels[i] = NoiseLabel
		}
		return labels, centers
	}

	// Active clusters, each holding its member sample indices.
	members := make([][]int, n)
	alive := make([]bool, n)
	for i := 0; i < n; i++ {
		members[i] = []int{i}
		alive[i] = true
	}

	// Squared-distance matrix between active clusters.
	dist2 := make([][]float64, n)
	for i := range dist2 {
		dist2[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := squaredEuclidean(vectors[i], vectors[j])
			dist2[i][j] = d
			dist2[j][i] = d
		}
	}

	threshold2 := distanceThreshold * distanceThreshold

	for {
		// Find the closest pair of active clusters.
		bestI, bestJ := -1, -1
		bestD := math.Inf(1)
		for i := 0; i < n; i++ {
			if !alive[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !alive[j] {
					continue
				}
				if dist2[i][j] < bestD {
					bestD = dist2[i][j]
					bestI, bestJ = i, j
				}
			}
		}
		if bestI < 0 || bestD >= threshold2 {
			break
		}

		// Merge j into i and update distances via Lance-Williams.
		ni := float64(len(members[bestI]))
		nj := float64(len(members[bestJ]))
		for k := 0; k < n; k++ {
			if !alive[k] || k == bestI || k == bestJ {
				continue
			}
			nk := float64(len(members[k]))
			d := ((ni+nk)*dist2[k][bestI] + (nj+nk)*dist2[k][bestJ] - nk*bestD) / (ni + nj + nk)
			dist2[k][bestI] = d
			dist2[bestI][k] = d
		}
		members[bestI] = append(members[bestI], members[bestJ]...)
		alive[bestJ] = false
	}

	// Assign labels; undersized groups become noise.
	label := 0
	for i := 0; i < n; i++ {
		if !alive[i] {
			continue
		}
		if len(members[i]) < minClusterSize {
			for _, idx := range members[i] {
				labels[idx] = NoiseLabel
			}
			continue
		}
		for _, idx := range members[i] {
			labels[idx] = label
		}
		centers[label] = meanVector(vectors, members[i])
		label++
	}

	return labels, centers
}

func squaredEuclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// meanVector averages the vectors at the given indices.
func meanVector(vectors [][]float64, indices []int) []float64 {
	if len(indices) == 0 {
		return nil
	}
	out := make([]float64, len(vectors[indices[0]]))
	for _, idx := range indices {
		for i, x := range vectors[idx] {
			out[i] += x
		}
	}
	inv := 1.0 / float64(len(indices))
	for i := range out {
		out[i] *= inv
	}
	return out
}

// averageVectors returns the element-wise mean of two equal-length vectors.
// Used when merging cluster centroids.
func averageVectors(a, b []float64) []float64 {
	if len(a) == 0 {
		return append([]float64(nil), b...)
	}
	if len(b) == 0 || len(a) != len(b) {
		return append([]float64(nil), a...)
	}
	out := make([]float64, len(a))
	for i := range a {
		out[i] = (a[i] + b[i]) / 2
	}
	return out
}
