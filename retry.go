package kinesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// errRetryDeadline reports that the deadline of a retried call expired while
// the service kept throttling us. Callers treat it as "skip this pass and try
// again later", never as a fatal error.
var errRetryDeadline = fmt.Errorf("deadline expired while retrying throttled call")

// isThrottleErr reports whether the error is a throttling signal from
// Kinesis. Both exception types mean "slow down and try again":
// ProvisionedThroughputExceededException on the data path,
// LimitExceededException on the control path (DescribeStream).
func isThrottleErr(err error) bool {
	var throughput *types.ProvisionedThroughputExceededException
	var limit *types.LimitExceededException
	return errors.As(err, &throughput) || errors.As(err, &limit)
}

// isExpiredIteratorErr reports whether the error means the shard iterator
// token aged out and must be re-derived from the saved sequence number.
func isExpiredIteratorErr(err error) bool {
	var expired *types.ExpiredIteratorException
	return errors.As(err, &expired)
}

// retryClient wraps the raw [Client] with bounded exponential backoff on
// throttling errors. Every other error propagates unchanged. Deadlines are
// absolute and checked against the injected clock so tests can run on a mock.
type retryClient struct {
	cfg        *ReaderConfig
	client     Client
	streamName string
}

func newRetryClient(client Client, streamName string, cfg *ReaderConfig) *retryClient {
	return &retryClient{
		cfg:        cfg,
		client:     client,
		streamName: streamName,
	}
}

// retryThrottled runs call until it succeeds, fails with a non-throttle
// error, or the deadline expires. Backoff delays start at
// [ReaderConfig.RetryBackoffBase] and double per attempt; the last delay is
// truncated so the call returns promptly at the deadline with
// [errRetryDeadline] instead of overshooting it.
func retryThrottled[T any](ctx context.Context, rc *retryClient, deadline time.Time, op string, call func(context.Context) (T, error)) (T, error) {
	var zero T

	for attempt := 0; ; attempt++ {
		out, err := call(ctx)
		if err == nil {
			return out, nil
		} else if !isThrottleErr(err) {
			return zero, err
		}

		// shift cap keeps the doubling from overflowing on long deadlines
		shift := attempt
		if shift > 16 {
			shift = 16
		}
		delay := rc.cfg.RetryBackoffBase << shift

		remaining := deadline.Sub(rc.cfg.clock.Now())
		if remaining <= 0 {
			return zero, errRetryDeadline
		}

		lastTry := false
		if delay >= remaining {
			delay = remaining
			lastTry = true
		}

		rc.cfg.Log.Debug("Throttled by Kinesis, backing off", "op", op, "attempt", attempt, "delay", delay.String())

		if err := rc.sleep(ctx, delay); err != nil {
			return zero, err
		}

		if lastTry {
			return zero, errRetryDeadline
		}
	}
}

// sleep blocks for the given duration on the configured clock, or until the
// context is cancelled.
func (rc *retryClient) sleep(ctx context.Context, d time.Duration) error {
	t := rc.cfg.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// describeShards returns the complete shard list of the stream, paging
// through DescribeStream as needed. It never returns a partial list: if the
// deadline expires mid-paging the whole call fails with [errRetryDeadline] so
// a truncated topology is never mistaken for the real one.
func (rc *retryClient) describeShards(ctx context.Context, deadline time.Time) ([]types.Shard, error) {
	var (
		shards []types.Shard
		start  *string
	)

	for {
		input := &kinesis.DescribeStreamInput{
			StreamName:            aws.String(rc.streamName),
			Limit:                 aws.Int32(describeStreamPageSize),
			ExclusiveStartShardId: start,
		}

		out, err := retryThrottled(ctx, rc, deadline, "DescribeStream", func(ctx context.Context) (*kinesis.DescribeStreamOutput, error) {
			return rc.client.DescribeStream(ctx, input)
		})
		if err != nil {
			return nil, err
		}

		desc := out.StreamDescription
		if desc == nil {
			return nil, fmt.Errorf("describe stream %s: response without stream description", rc.streamName)
		}

		shards = append(shards, desc.Shards...)

		if desc.HasMoreShards == nil || !*desc.HasMoreShards || len(desc.Shards) == 0 {
			return shards, nil
		}

		start = desc.Shards[len(desc.Shards)-1].ShardId
	}
}

// getShardIterator mints a fresh iterator token for the shard according to
// the given acquisition mode, retrying throttles up to the deadline.
func (rc *retryClient) getShardIterator(ctx context.Context, deadline time.Time, shardID string, mode iteratorMode) (string, error) {
	input := &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(rc.streamName),
		ShardId:           aws.String(shardID),
		ShardIteratorType: mode.typ,
	}
	if mode.typ == types.ShardIteratorTypeAfterSequenceNumber {
		input.StartingSequenceNumber = aws.String(mode.seqnum)
	}

	out, err := retryThrottled(ctx, rc, deadline, "GetShardIterator", func(ctx context.Context) (*kinesis.GetShardIteratorOutput, error) {
		return rc.client.GetShardIterator(ctx, input)
	})
	if err != nil {
		return "", err
	}

	if out.ShardIterator == nil {
		return "", fmt.Errorf("get shard iterator for %s: response without iterator", shardID)
	}

	return *out.ShardIterator, nil
}

// getRecords reads one batch from the given iterator token. It deliberately
// does not retry: a throttled GetRecords means the caller should simply read
// nothing this pass and come back on its own cadence.
func (rc *retryClient) getRecords(ctx context.Context, token string) (*kinesis.GetRecordsOutput, error) {
	input := &kinesis.GetRecordsInput{
		ShardIterator: aws.String(token),
	}
	if rc.cfg.GetRecordsLimit > 0 {
		input.Limit = aws.Int32(int32(rc.cfg.GetRecordsLimit))
	}

	return rc.client.GetRecords(ctx, input)
}
