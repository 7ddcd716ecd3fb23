package kinesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Reader consumes a single Kinesis Data Stream across reshards. It discovers
// the shard tree, decides per shard where to resume (from the oldest record,
// from the tail, or after a saved sequence number), and reads in bounded
// passes: one GetRecords batch per frontier shard. Throttling is absorbed
// with exponential backoff; an expired iterator or a shard split/merge is
// recovered from without losing or repeating records.
//
// A Reader owns all of its mutable state and is not safe for concurrent use.
// Callers that want parallel consumption must run independent Readers over
// disjoint shard subsets and coordinate offset persistence themselves.
type Reader struct {
	// reference to the reader's configuration
	cfg *ReaderConfig

	// reference to the Kinesis client implementation
	client Client

	// the stream to read records from
	streamName string

	// retry/backoff wrapper around the client
	rc *retryClient

	// the cached shard tree, refreshed on demand
	topo *topology

	// the durable per-shard read positions
	offsets *offsetStore

	// the live iterator token per frontier shard
	pool *iteratorPool

	// planned is false whenever the frontier must be recomputed before
	// the next pass (first use, expired iterator, stale-graph shard close)
	planned bool

	// limits throttle warnings to one every few seconds
	throttleLogs rate.Sometimes

	// various metrics
	meterRecordsRead metric.Int64Counter
	meterBehind      metric.Int64Histogram
}

// NewReader creates a new instance of Reader with the given parameters. It
// validates the client implementation, stream name, and configuration. It
// returns the new Reader instance or an error if validation or
// initialization fails.
//
// The client, stream name, and configuration parameters are required.
// Everything else should be configured using the [ReaderConfig] struct. Use
// [DefaultReaderConfig] as a starting point.
func NewReader(client Client, streamName string, cfg *ReaderConfig) (*Reader, error) {
	// validate given client implementation
	if client == nil {
		return nil, fmt.Errorf("no client given")
	}

	// validate given stream name
	if streamName == "" {
		return nil, fmt.Errorf("empty stream name")
	} else if len(streamName) > maxStreamNameLength {
		return nil, fmt.Errorf("stream name too long, length %d", len(streamName))
	}

	// validate the given configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// add a log message indicator that it originates from this library
	cfg.Log = cfg.Log.With("scope", "go-kinesis-reader")

	// initialize meters
	meterRecordsRead, err := cfg.Meter.Int64Counter("records_read", metric.WithDescription("The total number of records read"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("new records_read counter: %w", err)
	}

	meterBehind, err := cfg.Meter.Int64Histogram("millis_behind_latest", metric.WithDescription("How far behind the tip of the stream each batch read was"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("new millis_behind_latest histogram: %w", err)
	}

	rc := newRetryClient(client, streamName, cfg)

	r := &Reader{
		cfg:              cfg,
		client:           client,
		streamName:       streamName,
		rc:               rc,
		topo:             newTopology(rc, cfg),
		offsets:          newOffsetStore(cfg.SequenceNumbers),
		pool:             newIteratorPool(rc, cfg),
		planned:          false,
		throttleLogs:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		meterRecordsRead: meterRecordsRead,
		meterBehind:      meterBehind,
	}

	return r, nil
}

// SequenceNumbers returns a copy of the last-read sequence number per shard.
// Persist it after a pass and seed a future Reader with it via
// [ReaderConfig.SequenceNumbers] to resume where this one left off. Entries
// for exhausted shards are retained on purpose: they are what tells a
// restarted Reader that a parent shard was already consumed and reading
// should continue at its children.
func (r *Reader) SequenceNumbers() map[string]string {
	return r.offsets.snapshot()
}

// Iterator returns a single-use iterator over the next read pass. A pass is
// one bounded sweep: at most one GetRecords batch per frontier shard, so the
// caller stays in control of the read-then-sleep cadence. Request a new
// iterator for every pass; an exhausted one never yields records again.
func (r *Reader) Iterator() *RecordIterator {
	return &RecordIterator{reader: r}
}

// ensurePlan computes the read frontier if it is out of date: refreshes the
// shard tree, prunes offsets of shards that aged out of retention, and plans
// an acquisition mode per frontier shard. If discovery times out but an
// earlier topology snapshot exists, planning proceeds on the stale snapshot
// rather than an empty one.
func (r *Reader) ensurePlan(ctx context.Context) error {
	if r.planned {
		return nil
	}

	ok, err := r.topo.refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh topology: %w", err)
	}

	if r.topo.graph == nil {
		// discovery timed out before any topology was ever seen; this
		// pass reads nothing and the next one retries
		return nil
	}

	if !ok {
		r.cfg.Log.Debug("Planning on stale topology snapshot")
	}

	r.offsets.prune(r.topo.graph)
	r.pool.setPlan(planIterators(r.topo.graph, r.offsets, r.cfg.StartingAt))
	r.planned = true

	r.cfg.Log.Debug("Planned read frontier", "shards", len(r.pool.entries))

	return nil
}

// readShard performs the single GetRecords call a shard gets per pass and
// returns the converted batch. Throttles, acquisition timeouts, and expired
// iterators all degrade to an empty batch; only structural errors (such as
// the stream having been deleted) are returned.
func (r *Reader) readShard(ctx context.Context, shardID string) ([]Record, error) {
	token, err := r.pool.ensure(ctx, shardID)
	if err != nil {
		if errors.Is(err, errRetryDeadline) {
			r.cfg.Log.Warn("Timed out acquiring shard iterator, skipping shard this pass", "shard", shardID)
			return nil, nil
		}
		return nil, fmt.Errorf("acquire iterator for shard %s: %w", shardID, err)
	} else if token == "" {
		// shard left the pool since the pass started
		return nil, nil
	}

	out, err := r.rc.getRecords(ctx, token)
	if err != nil {
		switch {
		case isThrottleErr(err):
			// the caller naturally retries on its next pass, so reading
			// nothing now is the whole throttle handling
			r.throttleLogs.Do(func() {
				r.cfg.Log.Warn("GetRecords throttled, reading nothing this pass", "shard", shardID)
			})
			return nil, nil
		case isExpiredIteratorErr(err):
			// an expired token means our whole view may be stale, not
			// just this one handle
			r.cfg.Log.Warn("Shard iterator expired, forcing replan", "shard", shardID)
			r.pool.invalidate(shardID)
			r.planned = false
			return nil, nil
		default:
			return nil, fmt.Errorf("get records from shard %s: %w", shardID, err)
		}
	}

	if out.NextShardIterator == nil {
		// the shard is permanently closed; its children take over
		// starting next pass
		if r.pool.replaceWithChildren(shardID, r.topo.graph) {
			r.cfg.Log.Info("Shard closed, continuing with its children", "shard", shardID)
		} else {
			r.cfg.Log.Debug("Closed shard has no known children yet, forcing replan", "shard", shardID)
			r.planned = false
		}
	} else {
		r.pool.updateToken(shardID, *out.NextShardIterator)
	}

	if out.MillisBehindLatest != nil {
		r.meterBehind.Record(ctx, *out.MillisBehindLatest, metric.WithAttributes(attribute.String("shard", shardID)))
	}

	if len(out.Records) == 0 {
		return nil, nil
	}

	records := make([]Record, len(out.Records))
	for i, rec := range out.Records {
		records[i] = newRecord(rec)
	}

	r.meterRecordsRead.Add(ctx, int64(len(records)))

	return records, nil
}

// RecordIterator iterates over the records of one read pass, shard by shard.
// Records of one shard arrive in order; there is no ordering across shards.
// It is single-use and, like its Reader, not safe for concurrent use.
type RecordIterator struct {
	reader *Reader

	// started is set once the frontier for this pass was captured
	started bool

	// frontier shards not yet visited this pass
	remaining []string

	// the shard the buffered batch belongs to
	current string

	// buffered batch and read position within it
	buf []Record
	idx int

	// the record the last successful Next advanced to
	rec   Record
	valid bool

	err  error
	done bool
}

// Next advances to the next record of the pass, fetching a batch from the
// next frontier shard whenever the current one is spent. It returns false
// when the pass is over or a structural error occurred; consult
// [RecordIterator.Err] afterwards.
//
// The reader's offset for the record's shard is updated before Next returns,
// so persisting [Reader.SequenceNumbers] can never under-report progress.
func (it *RecordIterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}

	r := it.reader

	if !it.started {
		if err := r.ensurePlan(ctx); err != nil {
			it.fail(err)
			return false
		}
		it.remaining = r.pool.shardIDs()
		it.started = true
	}

	for {
		if it.idx < len(it.buf) {
			rec := it.buf[it.idx]
			it.idx++

			r.offsets.update(it.current, rec.SequenceNumber)

			it.rec = rec
			it.valid = true
			return true
		}

		if len(it.remaining) == 0 {
			it.done = true
			it.valid = false
			return false
		}

		shardID := it.remaining[0]
		it.remaining = it.remaining[1:]

		buf, err := r.readShard(ctx, shardID)
		if err != nil {
			it.fail(err)
			return false
		}

		it.current = shardID
		it.buf = buf
		it.idx = 0
	}
}

// Record returns the record the last call to [RecordIterator.Next] advanced
// to. It panics if Next was never called or returned false; that is a plain
// programming error, not a condition to retry.
func (it *RecordIterator) Record() Record {
	if !it.valid {
		panic("kinesis: Record called without a successful Next")
	}
	return it.rec
}

// Err returns the structural error that ended the pass, if any. Throttles,
// timeouts, and expired iterators are absorbed and never reported here.
func (it *RecordIterator) Err() error {
	return it.err
}

func (it *RecordIterator) fail(err error) {
	it.err = err
	it.done = true
	it.valid = false
}
