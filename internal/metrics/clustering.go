package metrics

import "math"

// Partition drift metrics.
//
// Each cluster rebuild replaces the scam-campaign partition wholesale, so the
// engine logs how far the new partition moved from the previous one over the
// payees both partitions cover. A sudden collapse (many campaigns folding into
// one) or an explosion (one campaign shattering) shows up immediately in these
// two numbers without anyone diffing cluster membership by hand.

// AdjustedRandIndex measures agreement between two campaign partitions over
// the same payees.
//
// ARI = (RI - Expected_RI) / (Max_RI - Expected_RI)
// where RI counts payee pairs the two partitions treat the same way.
//
// Values range from -1 (worse than random) to 1 (identical partitions);
// 0 means the agreement is what random labeling would produce.
func AdjustedRandIndex(current, previous []int) float64 {
	n := len(current)
	if n != len(previous) || n < 2 {
		return 0.0
	}

	nij, rowSums, colSums := contingency(current, previous)

	sumNijC2 := 0.0
	for i := range nij {
		for j := range nij[i] {
			sumNijC2 += comb2(nij[i][j])
		}
	}

	sumAiC2 := 0.0
	for _, a := range rowSums {
		sumAiC2 += comb2(a)
	}

	sumBjC2 := 0.0
	for _, b := range colSums {
		sumBjC2 += comb2(b)
	}

	nC2 := comb2(n)
	if nC2 == 0 {
		return 0.0
	}

	expectedIndex := (sumAiC2 * sumBjC2) / nC2
	maxIndex := 0.5 * (sumAiC2 + sumBjC2)

	denominator := maxIndex - expectedIndex
	if math.Abs(denominator) < 1e-12 {
		return 1.0
	}

	return (sumNijC2 - expectedIndex) / denominator
}

// VariationOfInformation is the information-theoretic distance between two
// campaign partitions:
//
// VI(C, C') = H(C|C') + H(C'|C)
//
// Lower is better; 0 means identical partitions. Unlike ARI it is a true
// metric, so successive rebuild distances can be compared over time.
func VariationOfInformation(current, previous []int) float64 {
	n := len(current)
	if n != len(previous) || n < 2 {
		return 0.0
	}

	nf := float64(n)
	nij, rowSums, colSums := contingency(current, previous)

	// H(C|C') = -sum_ij (n_ij/n) * log(n_ij / b_j)
	hCgivenCp := 0.0
	for i := range nij {
		for j := range nij[i] {
			if nij[i][j] > 0 && colSums[j] > 0 {
				pij := float64(nij[i][j]) / nf
				hCgivenCp -= pij * math.Log2(float64(nij[i][j])/float64(colSums[j]))
			}
		}
	}

	// H(C'|C) = -sum_ij (n_ij/n) * log(n_ij / a_i)
	hCpgivenC := 0.0
	for i := range nij {
		for j := range nij[i] {
			if nij[i][j] > 0 && rowSums[i] > 0 {
				pij := float64(nij[i][j]) / nf
				hCpgivenC -= pij * math.Log2(float64(nij[i][j])/float64(rowSums[i]))
			}
		}
	}

	return hCgivenCp + hCpgivenC
}

// contingency builds the label co-occurrence matrix n_ij with its row and
// column marginals.
func contingency(current, previous []int) ([][]int, []int, []int) {
	curMap := labelIndex(current)
	prevMap := labelIndex(previous)

	nij := make([][]int, len(curMap))
	for i := range nij {
		nij[i] = make([]int, len(prevMap))
	}
	for k := range current {
		nij[curMap[current[k]]][prevMap[previous[k]]]++
	}

	rowSums := make([]int, len(curMap))
	colSums := make([]int, len(prevMap))
	for i := range nij {
		for j := range nij[i] {
			rowSums[i] += nij[i][j]
			colSums[j] += nij[i][j]
		}
	}
	return nij, rowSums, colSums
}

// comb2 computes C(n, 2) = n*(n-1)/2
func comb2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2.0
}

// labelIndex maps each distinct label to a dense index in first-seen order.
func labelIndex(labels []int) map[int]int {
	index := make(map[int]int)
	for _, l := range labels {
		if _, ok := index[l]; !ok {
			index[l] = len(index)
		}
	}
	return index
}
