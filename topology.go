package kinesis

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// shard is one stream partition at a point in time. Immutable once built.
type shard struct {
	types.Shard
	shardID  string
	parentID string // empty for root shards
}

func newShard(s types.Shard) (*shard, error) {
	if s.ShardId == nil {
		return nil, fmt.Errorf("no shard ID")
	}

	out := &shard{
		Shard:   s,
		shardID: *s.ShardId,
	}

	if s.ParentShardId != nil {
		out.parentID = *s.ParentShardId
	}

	return out, nil
}

// shardGraph is an immutable snapshot of the stream's shard tree. It is
// rebuilt wholesale on every refresh and never patched in place, so a reshard
// that happens mid-refresh can only ever produce a consistent old or a
// consistent new view, never a mix.
type shardGraph struct {
	byID     map[string]*shard
	children map[string][]*shard // parent shard ID -> children
	roots    []*shard
}

// buildShardGraph indexes the given shard list by ID and by parent. A shard
// whose parent is absent from the list is treated as a root: its parent has
// aged out of the stream's retention and will never be read again.
func buildShardGraph(shards []*shard) *shardGraph {
	g := &shardGraph{
		byID:     make(map[string]*shard, len(shards)),
		children: make(map[string][]*shard),
	}

	for _, s := range shards {
		g.byID[s.shardID] = s
	}

	for _, s := range shards {
		if s.parentID == "" {
			g.roots = append(g.roots, s)
			continue
		}

		if _, ok := g.byID[s.parentID]; !ok {
			// parent aged out of retention
			g.roots = append(g.roots, s)
			continue
		}

		g.children[s.parentID] = append(g.children[s.parentID], s)
	}

	return g
}

func (g *shardGraph) childrenOf(shardID string) []*shard {
	return g.children[shardID]
}

func (g *shardGraph) contains(shardID string) bool {
	_, ok := g.byID[shardID]
	return ok
}

// openLeaves returns all shards that currently have no children, i.e. the
// shards new records are being written to (as far as this snapshot knows).
func (g *shardGraph) openLeaves() []*shard {
	var leaves []*shard
	for _, s := range g.byID {
		if len(g.children[s.shardID]) == 0 {
			leaves = append(leaves, s)
		}
	}
	return leaves
}

// topology discovers and caches the stream's shard tree. A failed refresh
// keeps the previous (stale but internally consistent) graph so planning can
// continue with the best known view.
type topology struct {
	cfg   *ReaderConfig
	rc    *retryClient
	graph *shardGraph // nil until the first successful refresh
}

func newTopology(rc *retryClient, cfg *ReaderConfig) *topology {
	return &topology{
		cfg: cfg,
		rc:  rc,
	}
}

// refresh replaces the cached shard graph with a fresh snapshot. It returns
// false if discovery timed out on throttling; non-throttle errors (such as
// the stream not existing) propagate to the caller.
func (t *topology) refresh(ctx context.Context) (bool, error) {
	deadline := t.cfg.clock.Now().Add(t.cfg.TopologyTimeout)

	raw, err := t.rc.describeShards(ctx, deadline)
	if err != nil {
		if errors.Is(err, errRetryDeadline) {
			t.cfg.Log.Warn("Shard discovery timed out, keeping previous topology", "stream", t.rc.streamName)
			return false, nil
		}
		return false, err
	}

	shards := make([]*shard, 0, len(raw))
	for _, rs := range raw {
		s, err := newShard(rs)
		if err != nil {
			t.cfg.Log.Warn("Failed constructing shard struct", "err", err)
			continue
		}
		shards = append(shards, s)
	}

	t.graph = buildShardGraph(shards)
	t.cfg.Log.Debug("Refreshed shard topology", "shards", len(t.graph.byID), "roots", len(t.graph.roots))

	return true, nil
}
