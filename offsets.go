package kinesis

// offsetStore tracks the last-read sequence number per shard. These are the
// durable positions: the [Reader] exposes a snapshot for external
// persistence, and a future Reader can be seeded with that snapshot to
// resume. An entry is kept even after its shard is exhausted, because "parent
// has an offset, children don't" is exactly how a restart detects where to
// resume across a reshard. Entries are only dropped once the shard itself has
// aged out of the stream's retention.
type offsetStore struct {
	seqnums map[string]string
}

func newOffsetStore(seed map[string]string) *offsetStore {
	seqnums := make(map[string]string, len(seed))
	for shardID, seqnum := range seed {
		seqnums[shardID] = seqnum
	}
	return &offsetStore{seqnums: seqnums}
}

func (o *offsetStore) get(shardID string) (string, bool) {
	seqnum, ok := o.seqnums[shardID]
	return seqnum, ok
}

func (o *offsetStore) update(shardID, seqnum string) {
	o.seqnums[shardID] = seqnum
}

// prune drops offsets for shards that no longer exist in the given graph.
// Their records are gone from the stream, so the positions are meaningless
// and would only confuse planning.
func (o *offsetStore) prune(g *shardGraph) {
	for shardID := range o.seqnums {
		if !g.contains(shardID) {
			delete(o.seqnums, shardID)
		}
	}
}

// snapshot returns a copy of the current offsets, safe for the caller to
// hold across further reads.
func (o *offsetStore) snapshot() map[string]string {
	out := make(map[string]string, len(o.seqnums))
	for shardID, seqnum := range o.seqnums {
		out[shardID] = seqnum
	}
	return out
}
