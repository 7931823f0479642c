package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sameGroup(prev, curr *int) bool { return true }
func neverGroup(prev, curr *int) bool { return false }

func TestBatch_Unbounded(t *testing.T) {
	containers := [][]int{{1, 2}, {3}, {4, 5, 6}}
	accessor := func(c []int) []int { return c }

	chunks := Batch(containers, accessor, sameGroup, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, chunks[0].Items)
	assert.ElementsMatch(t, []int{0, 1, 2}, chunks[0].CompletedContainers)
}

func TestBatch_Unbounded_AllEmpty(t *testing.T) {
	containers := [][]int{{}, {}}
	accessor := func(c []int) []int { return c }

	chunks := Batch(containers, accessor, sameGroup, 0)
	assert.Nil(t, chunks)
}

func TestBatch_SplitsOnMaxSize(t *testing.T) {
	containers := [][]int{{1, 2, 3}, {4, 5, 6}}
	accessor := func(c []int) []int { return c }

	// No grouping constraint: pack tightly at maxBatchSize=4.
	chunks := Batch(containers, accessor, neverGroup, 4)
	require.Len(t, chunks, 2)
	assert.Equal(t, []int{1, 2, 3, 4}, chunks[0].Items)
	assert.Equal(t, []int{5, 6}, chunks[1].Items)
}

func TestBatch_OversizedGroupSplitsAtMaxSize(t *testing.T) {
	// Container 0's 3 items form one group (sameGroup) larger than
	// maxBatchSize=2, so that group is split into pieces of at most 2;
	// container 1 is not packed into the group's last piece and gets its
	// own chunk.
	containers := [][]int{{1, 2, 3}, {4}}
	accessor := func(c []int) []int { return c }

	chunks := Batch(containers, accessor, sameGroup, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []int{1, 2}, chunks[0].Items)
	assert.Equal(t, []int{3}, chunks[1].Items)
	assert.Equal(t, []int{4}, chunks[2].Items)
	// Container 0 only completes once its last piece (item 3) lands.
	assert.Empty(t, chunks[0].CompletedContainers)
	assert.Equal(t, []int{0}, chunks[1].CompletedContainers)
	assert.Equal(t, []int{1}, chunks[2].CompletedContainers)
}

func TestBatch_ItemlessContainerNeverListedCompleted(t *testing.T) {
	containers := [][]int{{}, {1, 2}, {}}
	accessor := func(c []int) []int { return c }

	// Vacuously-complete containers are the caller's concern, in both the
	// unbounded and the bounded path.
	chunks := Batch(containers, accessor, neverGroup, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, []int{1}, chunks[0].CompletedContainers)

	chunks = Batch(containers, accessor, neverGroup, 10)
	require.Len(t, chunks, 1)
	assert.Equal(t, []int{1}, chunks[0].CompletedContainers)
}

func TestBatch_CompletedContainersTrackedAcrossChunks(t *testing.T) {
	containers := [][]int{{1}, {2}, {3}}
	accessor := func(c []int) []int { return c }

	chunks := Batch(containers, accessor, neverGroup, 2)
	require.Len(t, chunks, 2)
	assert.Equal(t, []int{1, 2}, chunks[0].Items)
	assert.ElementsMatch(t, []int{0, 1}, chunks[0].CompletedContainers)
	assert.Equal(t, []int{3}, chunks[1].Items)
	assert.Equal(t, []int{2}, chunks[1].CompletedContainers)
}
