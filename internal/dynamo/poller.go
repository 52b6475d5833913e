package dynamo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
)

// DefaultStreamInterval is the pause between stream polls.
const DefaultStreamInterval = time.Second

// StreamsAPI is the subset of *dynamodbstreams.Client the poller uses.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, params *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, params *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// Poller follows a table's stream in-process and feeds every batch of
// records to a Handler, the same path a Lambda deployment takes.
//
// Notifications only trigger re-queries, so a record seen twice after an
// iterator is re-acquired costs one extra query and nothing else.
//
// Thread-safety: Run and Poll must not be called concurrently.
type Poller struct {
	api       StreamsAPI
	streamARN string
	handler   *Handler
	interval  time.Duration
	logger    *slog.Logger

	primed    bool
	order     []string
	iterators map[string]*string // shard id -> next iterator, nil once the shard is drained
}

// NewPoller creates a poller for the stream at streamARN.
func NewPoller(api StreamsAPI, streamARN string, h *Handler, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	return &Poller{
		api:       api,
		streamARN: streamARN,
		handler:   h,
		interval:  interval,
		logger:    h.logger,
		iterators: make(map[string]*string),
	}
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on
// the next interval.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("stream poll failed", "stream", p.streamARN, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Poll discovers new shards, reads one page from each open shard and hands
// the records to the handler as one event.
func (p *Poller) Poll(ctx context.Context) error {
	if err := p.discover(ctx); err != nil {
		return err
	}

	var batch []events.DynamoDBEventRecord
	for _, id := range p.order {
		it := p.iterators[id]
		if it == nil {
			continue
		}
		out, err := p.api.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{ShardIterator: it})
		if err != nil {
			// Forget the shard; the next discover re-acquires an iterator.
			delete(p.iterators, id)
			p.order = removeShard(p.order, id)
			return fmt.Errorf("get records from shard %s: %w", id, err)
		}
		for _, r := range out.Records {
			batch = append(batch, eventRecord(r))
		}
		p.iterators[id] = out.NextShardIterator
	}
	if len(batch) == 0 {
		return nil
	}
	return p.handler.HandleStream(ctx, events.DynamoDBEvent{Records: batch})
}

// discover registers shards not seen before. On the first pass open shards
// start at LATEST and closed ones are skipped; shards that appear later are
// children of split shards and are read from TRIM_HORIZON.
func (p *Poller) discover(ctx context.Context) error {
	var start *string
	for {
		out, err := p.api.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(p.streamARN),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return fmt.Errorf("describe stream: %w", err)
		}
		desc := out.StreamDescription
		if desc == nil {
			break
		}
		for _, sh := range desc.Shards {
			if err := p.register(ctx, sh); err != nil {
				return err
			}
		}
		start = desc.LastEvaluatedShardId
		if start == nil {
			break
		}
	}
	p.primed = true
	return nil
}

func (p *Poller) register(ctx context.Context, sh streamtypes.Shard) error {
	id := aws.ToString(sh.ShardId)
	if _, known := p.iterators[id]; known || id == "" {
		return nil
	}
	iterType := streamtypes.ShardIteratorTypeTrimHorizon
	if !p.primed {
		if closed(sh) {
			p.iterators[id] = nil
			return nil
		}
		iterType = streamtypes.ShardIteratorTypeLatest
	}
	out, err := p.api.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(p.streamARN),
		ShardId:           sh.ShardId,
		ShardIteratorType: iterType,
	})
	if err != nil {
		return fmt.Errorf("get iterator for shard %s: %w", id, err)
	}
	p.iterators[id] = out.ShardIterator
	p.order = append(p.order, id)
	p.logger.Debug("stream shard registered", "shard", id, "iterator_type", string(iterType))
	return nil
}

func closed(sh streamtypes.Shard) bool {
	return sh.SequenceNumberRange != nil && sh.SequenceNumberRange.EndingSequenceNumber != nil
}

func removeShard(order []string, id string) []string {
	out := order[:0]
	for _, s := range order {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}

// eventRecord converts a streams API record into the Lambda event shape the
// Handler reads. Only the event name and the partition key are carried.
func eventRecord(r streamtypes.Record) events.DynamoDBEventRecord {
	rec := events.DynamoDBEventRecord{
		EventID:   aws.ToString(r.EventID),
		EventName: string(r.EventName),
	}
	if r.Dynamodb == nil {
		return rec
	}
	if pk, ok := r.Dynamodb.Keys[attrPK].(*streamtypes.AttributeValueMemberS); ok {
		rec.Change.Keys = map[string]events.DynamoDBAttributeValue{
			attrPK: events.NewStringAttribute(pk.Value),
		}
	}
	return rec
}
