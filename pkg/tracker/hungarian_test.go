package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func totalCost(m [][]float64, assignment []int) float64 {
	var sum float64
	for r, c := range assignment {
		sum += m[r][c]
	}
	return sum
}

func TestSolveAssignmentTrivial(t *testing.T) {
	m := [][]float64{
		{1, 100},
		{100, 1},
	}
	got := solveAssignment(m)
	assert.Equal(t, []int{0, 1}, got)
}

func TestSolveAssignmentPicksGlobalOptimum(t *testing.T) {
	// Row 0 prefers column 0 locally, but the global optimum swaps.
	m := [][]float64{
		{10, 19},
		{11, 100},
	}
	got := solveAssignment(m)
	assert.Equal(t, []int{1, 0}, got)
	assert.Equal(t, 30.0, totalCost(m, got))
}

func TestSolveAssignmentLarger(t *testing.T) {
	m := [][]float64{
		{4, 1, 3},
		{2, 0, 5},
		{3, 2, 2},
	}
	got := solveAssignment(m)

	// Assignment must be a permutation.
	seen := map[int]bool{}
	for _, c := range got {
		assert.False(t, seen[c])
		seen[c] = true
	}
	// Optimal total for this matrix is 5 (1+2+2).
	assert.Equal(t, 5.0, totalCost(m, got))
}

func TestSolveAssignmentEmpty(t *testing.T) {
	assert.Nil(t, solveAssignment(nil))
}

func TestSolveAssignmentSingle(t *testing.T) {
	assert.Equal(t, []int{0}, solveAssignment([][]float64{{7}}))
}
