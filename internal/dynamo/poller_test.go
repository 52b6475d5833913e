package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pushdash/internal/remote"
	"github.com/roach88/pushdash/internal/remote/remotetest"
)

const testStreamARN = "arn:aws:dynamodb:local:000000000000:table/pushdash/stream/1"

// fakeStreams serves shards whose records are appended by the test. An
// iterator is "<shard>@<offset>"; every GetRecords returns what was appended
// since offset.
type fakeStreams struct {
	mu        sync.Mutex
	shards    []streamtypes.Shard
	records   map[string][]streamtypes.Record
	iterTypes map[string]streamtypes.ShardIteratorType
	failNext  error
}

func newFakeStreams(shards ...streamtypes.Shard) *fakeStreams {
	return &fakeStreams{
		shards:    shards,
		records:   make(map[string][]streamtypes.Record),
		iterTypes: make(map[string]streamtypes.ShardIteratorType),
	}
}

func openShard(id string) streamtypes.Shard {
	return streamtypes.Shard{ShardId: aws.String(id)}
}

func closedShard(id string) streamtypes.Shard {
	return streamtypes.Shard{
		ShardId:             aws.String(id),
		SequenceNumberRange: &streamtypes.SequenceNumberRange{EndingSequenceNumber: aws.String("99")},
	}
}

func (f *fakeStreams) addShard(sh streamtypes.Shard) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shards = append(f.shards, sh)
}

func (f *fakeStreams) append(shard string, event streamtypes.OperationType, pk, sk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[shard] = append(f.records[shard], streamtypes.Record{
		EventID:   aws.String(fmt.Sprintf("%s-%d", shard, len(f.records[shard]))),
		EventName: event,
		Dynamodb: &streamtypes.StreamRecord{Keys: map[string]streamtypes.AttributeValue{
			attrPK: &streamtypes.AttributeValueMemberS{Value: pk},
			attrSK: &streamtypes.AttributeValueMemberS{Value: sk},
		}},
	})
}

func (f *fakeStreams) iteratorType(shard string) streamtypes.ShardIteratorType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iterTypes[shard]
}

func (f *fakeStreams) DescribeStream(_ context.Context, in *dynamodbstreams.DescribeStreamInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.ToString(in.StreamArn) != testStreamARN {
		return nil, errors.New("unknown stream")
	}
	// One shard per page to exercise LastEvaluatedShardId.
	i := 0
	if start := aws.ToString(in.ExclusiveStartShardId); start != "" {
		for j, sh := range f.shards {
			if aws.ToString(sh.ShardId) == start {
				i = j + 1
			}
		}
	}
	desc := &streamtypes.StreamDescription{}
	if i < len(f.shards) {
		desc.Shards = []streamtypes.Shard{f.shards[i]}
		if i+1 < len(f.shards) {
			desc.LastEvaluatedShardId = f.shards[i].ShardId
		}
	}
	return &dynamodbstreams.DescribeStreamOutput{StreamDescription: desc}, nil
}

func (f *fakeStreams) GetShardIterator(_ context.Context, in *dynamodbstreams.GetShardIteratorInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	shard := aws.ToString(in.ShardId)
	f.iterTypes[shard] = in.ShardIteratorType
	offset := 0
	if in.ShardIteratorType == streamtypes.ShardIteratorTypeLatest {
		offset = len(f.records[shard])
	}
	return &dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String(fmt.Sprintf("%s@%d", shard, offset))}, nil
}

func (f *fakeStreams) GetRecords(_ context.Context, in *dynamodbstreams.GetRecordsInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	shard, at, _ := strings.Cut(aws.ToString(in.ShardIterator), "@")
	offset, err := strconv.Atoi(at)
	if err != nil {
		return nil, fmt.Errorf("bad iterator: %w", err)
	}
	recs := f.records[shard][offset:]
	next := aws.String(fmt.Sprintf("%s@%d", shard, len(f.records[shard])))
	return &dynamodbstreams.GetRecordsOutput{Records: append([]streamtypes.Record(nil), recs...), NextShardIterator: next}, nil
}

func newTestPoller(api StreamsAPI) (*Poller, *recordingNotifier) {
	n := &recordingNotifier{}
	return NewPoller(api, testStreamARN, NewHandler(n, nil), time.Millisecond), n
}

func TestPollerNotifiesChangedCollections(t *testing.T) {
	streams := newFakeStreams(openShard("s1"), openShard("s2"))
	streams.append("s1", streamtypes.OperationTypeInsert, "products", "old")
	p, n := newTestPoller(streams)
	ctx := context.Background()

	// Open shards start at LATEST: earlier records are not replayed.
	require.NoError(t, p.Poll(ctx))
	assert.Empty(t, n.calls)
	assert.Equal(t, streamtypes.ShardIteratorTypeLatest, streams.iteratorType("s1"))

	streams.append("s1", streamtypes.OperationTypeInsert, "products", "p1")
	streams.append("s2", streamtypes.OperationTypeModify, "users/u1/transactions", "t1")
	streams.append("s2", streamtypes.OperationTypeModify, counterPK, counterSK)
	require.NoError(t, p.Poll(ctx))
	require.Len(t, n.calls, 1)
	assert.Equal(t, []string{"products", "users/u1/transactions"}, n.calls[0])

	// Nothing new, no notification.
	require.NoError(t, p.Poll(ctx))
	assert.Len(t, n.calls, 1)
}

func TestPollerReadsSplitShardsFromTrimHorizon(t *testing.T) {
	streams := newFakeStreams(closedShard("old"), openShard("s1"))
	streams.append("old", streamtypes.OperationTypeInsert, "team", "x")
	p, n := newTestPoller(streams)
	ctx := context.Background()

	require.NoError(t, p.Poll(ctx))
	assert.Empty(t, streams.iteratorType("old"), "closed shards are skipped on the first pass")

	streams.addShard(openShard("child"))
	streams.append("child", streamtypes.OperationTypeRemove, "products", "p1")
	require.NoError(t, p.Poll(ctx))
	assert.Equal(t, streamtypes.ShardIteratorTypeTrimHorizon, streams.iteratorType("child"))
	require.Len(t, n.calls, 1)
	assert.Equal(t, []string{"products"}, n.calls[0])
}

func TestPollerRecoversFromReadError(t *testing.T) {
	streams := newFakeStreams(openShard("s1"))
	p, n := newTestPoller(streams)
	ctx := context.Background()
	require.NoError(t, p.Poll(ctx))

	streams.failNext = errors.New("expired iterator")
	assert.ErrorContains(t, p.Poll(ctx), "expired iterator")

	streams.append("s1", streamtypes.OperationTypeInsert, "products", "p1")
	require.NoError(t, p.Poll(ctx))
	require.Len(t, n.calls, 1)
	assert.Equal(t, []string{"products"}, n.calls[0])
}

func TestWithStreamFeedsSubscriptions(t *testing.T) {
	streams := newFakeStreams(openShard("s1"))
	s, api := newTestStore(t, WithStream(streams, testStreamARN, time.Millisecond))
	ch := remotetest.Collect(t, s, remote.CollectionTarget{Collection: "products"})
	require.Empty(t, remotetest.Next(t, ch).Docs)
	require.Eventually(t, func() bool {
		return streams.iteratorType("s1") != ""
	}, 2*time.Second, time.Millisecond, "poller registered the shard")

	// Written by another process; only the stream reports it.
	api.insert("products", "p1")
	streams.append("s1", streamtypes.OperationTypeInsert, "products", "p1")

	assert.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return len(snap.Docs) == 1
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

type describer struct {
	out *dynamodb.DescribeTableOutput
	err error
}

func (d describer) DescribeTable(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return d.out, d.err
}

func TestLatestStreamARN(t *testing.T) {
	ctx := context.Background()

	arn, err := latestStreamARN(ctx, describer{out: &dynamodb.DescribeTableOutput{
		Table: &dbtypes.TableDescription{LatestStreamArn: aws.String(testStreamARN)},
	}}, "pushdash")
	require.NoError(t, err)
	assert.Equal(t, testStreamARN, arn)

	_, err = latestStreamARN(ctx, describer{out: &dynamodb.DescribeTableOutput{Table: &dbtypes.TableDescription{}}}, "pushdash")
	assert.ErrorContains(t, err, "no stream enabled")

	_, err = latestStreamARN(ctx, describer{err: errors.New("denied")}, "pushdash")
	assert.ErrorContains(t, err, "denied")
}
