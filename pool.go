package kinesis

import (
	"context"
	"sort"
)

type poolEntry struct {
	mode  iteratorMode
	token string // empty until minted
}

// iteratorPool holds the live iterator token for every frontier shard.
// Tokens are minted lazily on first use and replaced as GetRecords hands back
// successor tokens. The pool belongs to exactly one [Reader] and is not safe
// for concurrent use.
type iteratorPool struct {
	cfg     *ReaderConfig
	rc      *retryClient
	entries map[string]*poolEntry
}

func newIteratorPool(rc *retryClient, cfg *ReaderConfig) *iteratorPool {
	return &iteratorPool{
		cfg:     cfg,
		rc:      rc,
		entries: make(map[string]*poolEntry),
	}
}

// setPlan replaces the pooled frontier with a freshly planned one. Any held
// tokens are discarded; they re-derive from the saved offsets on first use.
func (p *iteratorPool) setPlan(plan map[string]iteratorMode) {
	p.entries = make(map[string]*poolEntry, len(plan))
	for shardID, mode := range plan {
		p.entries[shardID] = &poolEntry{mode: mode}
	}
}

// shardIDs returns the current frontier in a stable order.
func (p *iteratorPool) shardIDs() []string {
	ids := make([]string, 0, len(p.entries))
	for shardID := range p.entries {
		ids = append(ids, shardID)
	}
	sort.Strings(ids)
	return ids
}

// ensure returns the live token for the shard, minting one via
// GetShardIterator if none is held. It returns an empty token if the shard
// left the pool since the pass started. Acquisition timeouts surface as
// [errRetryDeadline]; the shard then simply sits out the pass.
func (p *iteratorPool) ensure(ctx context.Context, shardID string) (string, error) {
	entry, ok := p.entries[shardID]
	if !ok {
		return "", nil
	}

	if entry.token != "" {
		return entry.token, nil
	}

	deadline := p.cfg.clock.Now().Add(p.cfg.IteratorTimeout)
	token, err := p.rc.getShardIterator(ctx, deadline, shardID, entry.mode)
	if err != nil {
		return "", err
	}

	entry.token = token
	return token, nil
}

// updateToken stores the successor token GetRecords returned for the shard.
func (p *iteratorPool) updateToken(shardID, token string) {
	if entry, ok := p.entries[shardID]; ok {
		entry.token = token
	}
}

// invalidate clears the shard's token so the next ensure re-mints it.
func (p *iteratorPool) invalidate(shardID string) {
	if entry, ok := p.entries[shardID]; ok {
		entry.token = ""
	}
}

// replaceWithChildren retires a permanently closed shard and registers its
// children at TRIM_HORIZON for subsequent passes. It reports false when the
// graph doesn't know any children yet (the snapshot predates the reshard);
// the caller then forces a topology refresh so the children are picked up on
// the next plan.
func (p *iteratorPool) replaceWithChildren(shardID string, g *shardGraph) bool {
	delete(p.entries, shardID)

	children := g.childrenOf(shardID)
	if len(children) == 0 {
		return false
	}

	for _, c := range children {
		if _, exists := p.entries[c.shardID]; !exists {
			p.entries[c.shardID] = &poolEntry{mode: modeTrimHorizon()}
		}
	}

	return true
}
