package kinesis

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// Record is a single record read from the stream. The sequence number is the
// durable position marker: persist the map returned by
// [Reader.SequenceNumbers] after a pass and seed the next [Reader] with it to
// resume after this record.
type Record struct {
	// SequenceNumber is the record's position within its shard. Opaque,
	// totally ordered per shard.
	SequenceNumber string

	// PartitionKey is the key the producer supplied when putting the
	// record.
	PartitionKey string

	// Data is the raw record payload.
	Data []byte

	// ArrivedAt is the approximate server-side arrival timestamp. Zero if
	// the service didn't report one.
	ArrivedAt time.Time
}

// newRecord converts an SDK record. Kinesis guarantees sequence number and
// partition key on read, so missing pointers map to empty strings rather than
// an error.
func newRecord(rec types.Record) Record {
	out := Record{Data: rec.Data}

	if rec.SequenceNumber != nil {
		out.SequenceNumber = *rec.SequenceNumber
	}

	if rec.PartitionKey != nil {
		out.PartitionKey = *rec.PartitionKey
	}

	if rec.ApproximateArrivalTimestamp != nil {
		out.ArrivedAt = *rec.ApproximateArrivalTimestamp
	}

	return out
}
