package kinesis

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Constants taken from (2024-02-28):
// https://docs.aws.amazon.com/streams/latest/dev/service-sizes-and-limits.html
const (
	// maxStreamNameLength is the maximum length of a Kinesis stream name.
	// Source: https://docs.aws.amazon.com/kinesis/latest/APIReference/API_CreateStream.html#API_CreateStream_RequestSyntax
	maxStreamNameLength = 128

	// maxGetRecordsLimit is the maximum number of records a single
	// GetRecords call may return.
	// Source: https://docs.aws.amazon.com/kinesis/latest/APIReference/API_GetRecords.html
	maxGetRecordsLimit = 10_000

	// describeStreamPageSize is the number of shards requested per
	// DescribeStream page. The API allows up to 10,000 but smaller pages
	// keep individual responses cheap on heavily resharded streams.
	describeStreamPageSize = 1_000
)

// ErrInvalidStartingAt is returned by [ReaderConfig.Validate] when the
// configured starting position is not one of the two known values.
var ErrInvalidStartingAt = fmt.Errorf("starting position must be StartOldest or StartLatest")

// StartingPosition selects where the [Reader] begins on shards that have no
// saved sequence number. It maps to the Kinesis shard iterator types
// TRIM_HORIZON and LATEST.
type StartingPosition int

const (
	// StartOldest reads each shard from the oldest retained record.
	StartOldest StartingPosition = iota

	// StartLatest reads only records that arrive after the first pass.
	StartLatest
)

func (s StartingPosition) String() string {
	switch s {
	case StartOldest:
		return "oldest"
	case StartLatest:
		return "latest"
	default:
		return fmt.Sprintf("unknown position %d", s)
	}
}

// ReaderConfig holds all optional configuration parameters where no sane
// defaults can be guessed. The [NewReader] signature lists required arguments.
// Everything else can be configured with this struct. Use
// [DefaultReaderConfig] to get a prepopulated struct which you can then adjust
// to your likings.
type ReaderConfig struct {
	// StartingAt selects where reading begins on shards without a saved
	// sequence number. Defaults to StartOldest.
	StartingAt StartingPosition

	// SequenceNumbers seeds the reader with previously saved per-shard
	// positions, as returned by [Reader.SequenceNumbers]. The map is
	// copied; the caller keeps ownership of the original.
	SequenceNumbers map[string]string

	// TopologyTimeout bounds a single shard discovery, including
	// DescribeStream paging and throttle retries. Defaults to 10s.
	TopologyTimeout time.Duration

	// IteratorTimeout bounds a single GetShardIterator acquisition,
	// including throttle retries. Defaults to 10s.
	IteratorTimeout time.Duration

	// RetryBackoffBase is the first throttle retry delay. Subsequent
	// delays double. Defaults to 100ms.
	RetryBackoffBase time.Duration

	// GetRecordsLimit caps the number of records per GetRecords call.
	// Zero means the service default.
	GetRecordsLimit int

	// Log is the logger to use in this library. By default, it's a logger
	// that doesn't print anything.
	Log *slog.Logger

	// Meter is an OpenTelemetry meter that the reader registers its
	// metrics with. By default, it uses a noop meter provider. Give it the
	// default one with otel.GetMeterProvider().
	Meter metric.Meter

	// clock is a field that's used for mocking the time
	clock clock.Clock
}

// DefaultReaderConfig returns the default [Reader] configuration.
func DefaultReaderConfig() *ReaderConfig {
	return &ReaderConfig{
		StartingAt:       StartOldest,
		SequenceNumbers:  nil,
		TopologyTimeout:  10 * time.Second,
		IteratorTimeout:  10 * time.Second,
		RetryBackoffBase: 100 * time.Millisecond,
		GetRecordsLimit:  0,
		Log:              slog.New(slog.NewTextHandler(io.Discard, nil)), // /dev/null logger
		Meter:            noop.NewMeterProvider().Meter("go-kinesis-reader"),
		clock:            clock.New(),
	}
}

// Validate checks the [Reader] configuration and returns an error if any
// field does not pass the validation. Use [DefaultReaderConfig] to get a
// valid configuration struct.
func (c *ReaderConfig) Validate() error {
	if c.StartingAt != StartOldest && c.StartingAt != StartLatest {
		return ErrInvalidStartingAt
	}

	if c.TopologyTimeout <= 0 {
		return fmt.Errorf("topology timeout must be positive, got %s", c.TopologyTimeout)
	}

	if c.IteratorTimeout <= 0 {
		return fmt.Errorf("iterator timeout must be positive, got %s", c.IteratorTimeout)
	}

	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry backoff base must be positive, got %s", c.RetryBackoffBase)
	}

	if c.GetRecordsLimit < 0 || c.GetRecordsLimit > maxGetRecordsLimit {
		return fmt.Errorf("get records limit must be in range [0,%d], got %d", maxGetRecordsLimit, c.GetRecordsLimit)
	}

	if c.Log == nil {
		return fmt.Errorf("logger must not be nil")
	}

	if c.Meter == nil {
		return fmt.Errorf("meter must not be nil")
	}

	if c.clock == nil {
		return fmt.Errorf("clock must not be nil")
	}

	return nil
}
