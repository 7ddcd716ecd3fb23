package kinesis

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func graphOf(shards ...*shard) *shardGraph {
	return buildShardGraph(shards)
}

func planShard(id, parent string) *shard {
	return &shard{shardID: id, parentID: parent}
}

func offsetsOf(pairs map[string]string) *offsetStore {
	return newOffsetStore(pairs)
}

func TestPlanIterators_fresh_start_from_oldest(t *testing.T) {
	g := graphOf(planShard("S0", ""), planShard("S1", ""))

	plan := planIterators(g, offsetsOf(nil), StartOldest)

	require.Len(t, plan, 2)
	assert.Equal(t, types.ShardIteratorTypeTrimHorizon, plan["S0"].typ)
	assert.Equal(t, types.ShardIteratorTypeTrimHorizon, plan["S1"].typ)
}

func TestPlanIterators_fresh_start_from_latest(t *testing.T) {
	// A already split into B and C; only open leaves tail-read
	g := graphOf(
		planShard("A", ""),
		planShard("B", "A"),
		planShard("C", "A"),
		planShard("R", ""),
	)

	plan := planIterators(g, offsetsOf(nil), StartLatest)

	require.Len(t, plan, 3)
	for _, id := range []string{"B", "C", "R"} {
		assert.Equal(t, types.ShardIteratorTypeLatest, plan[id].typ, "shard %s", id)
	}
	assert.NotContains(t, plan, "A")
}

func TestPlanIterators_resume_leaf(t *testing.T) {
	g := graphOf(planShard("S0", ""), planShard("S1", ""))
	offs := offsetsOf(map[string]string{"S0": "41"})

	plan := planIterators(g, offs, StartOldest)

	require.Len(t, plan, 1)
	assert.Equal(t, types.ShardIteratorTypeAfterSequenceNumber, plan["S0"].typ)
	assert.Equal(t, "41", plan["S0"].seqnum)

	// S1 has no state anywhere, and the tree as a whole is resumable, so
	// the default fallback must not kick in for it
	assert.NotContains(t, plan, "S1")
}

func TestPlanIterators_mixed_tree(t *testing.T) {
	// A split into B and C, only B was read before the restart
	g := graphOf(
		planShard("A", ""),
		planShard("B", "A"),
		planShard("C", "A"),
	)
	offs := offsetsOf(map[string]string{"B": "7"})

	plan := planIterators(g, offs, StartOldest)

	require.Len(t, plan, 2)
	assert.Equal(t, types.ShardIteratorTypeAfterSequenceNumber, plan["B"].typ)
	assert.Equal(t, "7", plan["B"].seqnum)
	assert.Equal(t, types.ShardIteratorTypeTrimHorizon, plan["C"].typ)
	assert.NotContains(t, plan, "A")
}

func TestPlanIterators_full_coverage_collapses_parent(t *testing.T) {
	g := graphOf(
		planShard("A", ""),
		planShard("B", "A"),
		planShard("C", "A"),
	)
	offs := offsetsOf(map[string]string{"A": "3", "B": "7", "C": "9"})

	plan := planIterators(g, offs, StartOldest)

	require.Len(t, plan, 2)
	assert.Equal(t, "7", plan["B"].seqnum)
	assert.Equal(t, "9", plan["C"].seqnum)
	assert.NotContains(t, plan, "A")
}

func TestPlanIterators_parent_offset_stays_authoritative(t *testing.T) {
	// neither child was ever read, so the parent's offset decides
	g := graphOf(
		planShard("A", ""),
		planShard("B", "A"),
		planShard("C", "A"),
	)
	offs := offsetsOf(map[string]string{"A": "3"})

	plan := planIterators(g, offs, StartOldest)

	require.Len(t, plan, 1)
	assert.Equal(t, types.ShardIteratorTypeAfterSequenceNumber, plan["A"].typ)
	assert.Equal(t, "3", plan["A"].seqnum)
}

func TestPlanIterators_aged_out_parent_reads_everything(t *testing.T) {
	// the only saved offset belongs to a shard that aged out of
	// retention; after pruning, the children read from the beginning
	g := graphOf(planShard("B", "A"), planShard("C", "A"))
	offs := offsetsOf(map[string]string{"A": "3"})
	offs.prune(g)

	plan := planIterators(g, offs, StartOldest)

	require.Len(t, plan, 2)
	assert.Equal(t, types.ShardIteratorTypeTrimHorizon, plan["B"].typ)
	assert.Equal(t, types.ShardIteratorTypeTrimHorizon, plan["C"].typ)
}

func TestPlanIterators_deep_tree(t *testing.T) {
	// A -> B -> {D, E}; only D has saved state
	g := graphOf(
		planShard("A", ""),
		planShard("B", "A"),
		planShard("D", "B"),
		planShard("E", "B"),
	)
	offs := offsetsOf(map[string]string{"D": "12"})

	plan := planIterators(g, offs, StartOldest)

	require.Len(t, plan, 2)
	assert.Equal(t, types.ShardIteratorTypeAfterSequenceNumber, plan["D"].typ)
	assert.Equal(t, types.ShardIteratorTypeTrimHorizon, plan["E"].typ)
	assert.NotContains(t, plan, "A")
	assert.NotContains(t, plan, "B")
}

func TestPlanIterators_orphan_contributes_nothing(t *testing.T) {
	// a scale-down can leave a shard that has no offset, no children,
	// and no successor; it is neither assigned nor retained
	g := graphOf(planShard("A", ""), planShard("O", ""))
	offs := offsetsOf(map[string]string{"A": "3"})

	plan := planIterators(g, offs, StartOldest)

	require.Len(t, plan, 1)
	assert.Contains(t, plan, "A")
	assert.NotContains(t, plan, "O")
}

func TestBuildShardGraph(t *testing.T) {
	g := graphOf(
		planShard("A", ""),
		planShard("B", "A"),
		planShard("C", "A"),
		planShard("X", "gone"), // parent aged out of retention
	)

	assert.Len(t, g.byID, 4)
	assert.Len(t, g.childrenOf("A"), 2)
	assert.Empty(t, g.childrenOf("B"))

	rootIDs := make([]string, 0, len(g.roots))
	for _, s := range g.roots {
		rootIDs = append(rootIDs, s.shardID)
	}
	assert.ElementsMatch(t, []string{"A", "X"}, rootIDs)

	leaves := g.openLeaves()
	leafIDs := make([]string, 0, len(leaves))
	for _, s := range leaves {
		leafIDs = append(leafIDs, s.shardID)
	}
	assert.ElementsMatch(t, []string{"B", "C", "X"}, leafIDs)
}
