package kinesis

import (
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// iteratorMode is the instruction used to mint a fresh iterator token for one
// shard. It is deliberately a separate type from the saved sequence number:
// tokens are volatile and never persisted, sequence numbers are durable and
// only turn back into tokens via one of these modes.
type iteratorMode struct {
	typ    types.ShardIteratorType
	seqnum string // set only for AFTER_SEQUENCE_NUMBER
}

func modeTrimHorizon() iteratorMode {
	return iteratorMode{typ: types.ShardIteratorTypeTrimHorizon}
}

func modeLatest() iteratorMode {
	return iteratorMode{typ: types.ShardIteratorTypeLatest}
}

func modeAfter(seqnum string) iteratorMode {
	return iteratorMode{typ: types.ShardIteratorTypeAfterSequenceNumber, seqnum: seqnum}
}

// shardAssignment pairs a shard with the mode its next iterator should be
// acquired with.
type shardAssignment struct {
	shardID string
	mode    iteratorMode
}

// planIterators computes the next read frontier: which shards to read and how
// to acquire an iterator for each, given the current shard tree and the saved
// per-shard offsets. It is a pure function of its inputs (the offset store is
// only read), which keeps the reshard logic unit-testable without a service.
//
// The walk is post-order from the roots. A shard whose entire set of child
// subtrees can resume on their own is superseded and never read again. A
// shard with saved state and no resumable descendants resumes after its
// offset. In the mixed case, children without saved state are read from the
// beginning so that a reader that crashed mid-pass never silently skips a
// sibling.
//
// If no shard anywhere has saved state, the configured default applies:
// every root from the beginning, or every open leaf from the tail.
func planIterators(g *shardGraph, offsets *offsetStore, startingAt StartingPosition) map[string]iteratorMode {
	assignments := make(map[string]iteratorMode)

	resumable := false
	for _, root := range g.roots {
		rootAssignments, ok := visitShard(g, offsets, root)
		for _, a := range rootAssignments {
			assignments[a.shardID] = a.mode
		}
		if ok {
			resumable = true
		}
	}

	if resumable {
		return assignments
	}

	switch startingAt {
	case StartLatest:
		for _, leaf := range g.openLeaves() {
			assignments[leaf.shardID] = modeLatest()
		}
	default:
		for _, root := range g.roots {
			assignments[root.shardID] = modeTrimHorizon()
		}
	}

	return assignments
}

// visitShard returns the iterator assignments for the subtree rooted at s and
// whether that subtree holds any resumable state.
func visitShard(g *shardGraph, offsets *offsetStore, s *shard) ([]shardAssignment, bool) {
	children := g.childrenOf(s.shardID)

	if len(children) == 0 {
		if seqnum, ok := offsets.get(s.shardID); ok {
			return []shardAssignment{{shardID: s.shardID, mode: modeAfter(seqnum)}}, true
		}
		// nothing to resume in this subtree; an orphaned shard with no
		// offset and no children contributes nothing
		return nil, false
	}

	var (
		assignments []shardAssignment
		resumable   = make(map[string]bool, len(children))
	)
	for _, c := range children {
		childAssignments, ok := visitShard(g, offsets, c)
		assignments = append(assignments, childAssignments...)
		resumable[c.shardID] = ok
	}

	resumableCount := 0
	for _, ok := range resumable {
		if ok {
			resumableCount++
		}
	}

	switch resumableCount {
	case len(children):
		// every child subtree resumes on its own, the parent is superseded
		return assignments, true
	case 0:
		if seqnum, ok := offsets.get(s.shardID); ok {
			return []shardAssignment{{shardID: s.shardID, mode: modeAfter(seqnum)}}, true
		}
		return nil, false
	default:
		// mixed: read never-touched siblings from the beginning rather
		// than dropping them
		for _, c := range children {
			if !resumable[c.shardID] {
				assignments = append(assignments, shardAssignment{shardID: c.shardID, mode: modeTrimHorizon()})
			}
		}
		return assignments, true
	}
}
