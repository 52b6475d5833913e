package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"

	"github.com/roach88/pushdash/internal/query"
	"github.com/roach88/pushdash/internal/remote"
)

// GroupIndex is the GSI over grp/seq that serves group targets.
const GroupIndex = "grp-index"

// The seq counter lives under a document path, which no collection target can address.
const (
	counterPK = "_pushdash/counters"
	counterSK = "seq"
)

// API is the subset of *dynamodb.Client the store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Config selects the table and how to reach it.
type Config struct {
	Table  string
	Region string
	// Endpoint overrides the service endpoint, e.g. http://localhost:8000 for DynamoDB Local.
	Endpoint string
	// CreateTable creates the table when it is missing.
	CreateTable bool
	// RefreshInterval re-queries every subscription periodically so changes
	// made by other processes show up. Zero disables it.
	RefreshInterval time.Duration
	// Stream follows the table's stream with a Poller.
	Stream bool
	// StreamInterval is the pause between stream polls. Default: DefaultStreamInterval.
	StreamInterval time.Duration
}

// Store is the DynamoDB implementation of remote.Adapter.
//
// Thread-safety: safe for concurrent use.
type Store struct {
	api   API
	table string
	ids   remote.IDGenerator
	hub   *remote.Hub

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ remote.Adapter = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the UUIDv7 default.
func WithIDGenerator(g remote.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithRefreshInterval starts a timer that marks every subscription dirty.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Store) {
		if d <= 0 {
			return
		}
		s.wg.Add(1)
		go s.refresh(d)
	}
}

// WithStream follows a table stream with a Poller that notifies this
// store's subscriptions. It stops on Close.
func WithStream(api StreamsAPI, streamARN string, interval time.Duration) Option {
	return func(s *Store) {
		p := NewPoller(api, streamARN, NewHandler(s, nil), interval)
		ctx, cancel := context.WithCancel(context.Background())
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			<-s.stop
			cancel()
		}()
		go func() {
			defer s.wg.Done()
			p.Run(ctx)
		}()
	}
}

// New creates a store over api and table.
func New(api API, table string, opts ...Option) *Store {
	s := &Store{
		api:   api,
		table: table,
		ids:   remote.UUIDv7Generator{},
		stop:  make(chan struct{}),
	}
	s.hub = remote.NewHub(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open builds a client from the default AWS configuration chain and opens the table.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamo: table name required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	if cfg.CreateTable {
		if err := CreateTable(ctx, client, cfg.Table); err != nil {
			return nil, err
		}
	}

	opts = append(opts, WithRefreshInterval(cfg.RefreshInterval))
	if cfg.Stream {
		arn, err := latestStreamARN(ctx, client, cfg.Table)
		if err != nil {
			return nil, err
		}
		streams := dynamodbstreams.NewFromConfig(awsCfg, func(o *dynamodbstreams.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
		opts = append(opts, WithStream(streams, arn, cfg.StreamInterval))
	}
	slog.Debug("dynamodb store opened", "table", cfg.Table, "region", awsCfg.Region, "endpoint", cfg.Endpoint)
	return New(client, cfg.Table, opts...), nil
}

// TableDescriber is the subset of *dynamodb.Client that finds a table's stream.
type TableDescriber interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

func latestStreamARN(ctx context.Context, api TableDescriber, table string) (string, error) {
	out, err := api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err != nil {
		return "", fmt.Errorf("describe table %s: %w", table, err)
	}
	if out.Table == nil || aws.ToString(out.Table.LatestStreamArn) == "" {
		return "", fmt.Errorf("dynamo: table %s has no stream enabled", table)
	}
	return aws.ToString(out.Table.LatestStreamArn), nil
}

// Close stops every subscription, the refresh timer and the stream poller.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.hub.Close()
	s.wg.Wait()
	return nil
}

// NewID returns a fresh id.
func (s *Store) NewID() string {
	return s.ids.Generate()
}

// Subscribe implements remote.Adapter.
func (s *Store) Subscribe(ctx context.Context, target remote.Target, fn func(remote.Snapshot)) (remote.Subscription, error) {
	return s.hub.Subscribe(ctx, target, fn)
}

// Notify re-queries every subscription affected by writes to collections.
// The stream Handler calls it for changes made elsewhere.
func (s *Store) Notify(collections ...string) {
	s.hub.Notify(collections...)
}

func (s *Store) refresh(d time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.hub.Refresh()
		}
	}
}

// Get implements remote.Adapter. Reads are strongly consistent.
func (s *Store) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	d, _, err := s.get(ctx, collection, id)
	return d, err
}

func (s *Store) get(ctx context.Context, collection, id string) (remote.Document, int64, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            docKey(collection, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return remote.Document{}, 0, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if out.Item == nil {
		return remote.Document{}, 0, fmt.Errorf("get %s/%s: %w", collection, id, remote.ErrNotFound)
	}
	return decodeItem(out.Item)
}

// QueryTarget implements remote.Querier. Results are in arrival order.
func (s *Store) QueryTarget(ctx context.Context, target remote.Target) ([]remote.Document, error) {
	if target == nil {
		return nil, remote.ErrInvalidTarget
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	switch t := target.(type) {
	case remote.DocumentTarget:
		d, err := s.Get(ctx, t.Collection, t.ID)
		if errors.Is(err, remote.ErrNotFound) {
			return []remote.Document{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []remote.Document{d}, nil

	case remote.CollectionTarget:
		return s.query(ctx, "", attrPK, t.Collection, t.Where)

	case remote.GroupTarget:
		return s.query(ctx, GroupIndex, attrGroup, t.Group, t.Where)
	}
	return nil, fmt.Errorf("%w: %T", remote.ErrInvalidTarget, target)
}

type seqDoc struct {
	doc remote.Document
	seq int64
}

// query pages through every item whose key attribute equals value.
func (s *Store) query(ctx context.Context, index, keyAttr, value string, where []query.Predicate) ([]remote.Document, error) {
	f := compileFilter(where)
	names := map[string]string{"#k": keyAttr}
	values := map[string]types.AttributeValue{":k": &types.AttributeValueMemberS{Value: value}}
	for k, v := range f.Names {
		names[k] = v
	}
	for k, v := range f.Values {
		values[k] = v
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    aws.String("#k = :k"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
	if f.Expr != "" {
		input.FilterExpression = aws.String(f.Expr)
	}
	if index != "" {
		input.IndexName = aws.String(index)
	} else {
		input.ConsistentRead = aws.Bool(true)
	}

	var found []seqDoc
	paginator := dynamodb.NewQueryPaginator(s.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s=%s: %w", keyAttr, value, err)
		}
		for _, raw := range page.Items {
			d, seq, err := decodeItem(raw)
			if err != nil {
				return nil, err
			}
			if !query.Eval(where, d.Fields) {
				continue
			}
			found = append(found, seqDoc{doc: d, seq: seq})
		}
	}

	slices.SortFunc(found, func(a, b seqDoc) int {
		if a.seq != b.seq {
			if a.seq < b.seq {
				return -1
			}
			return 1
		}
		if c := strings.Compare(a.doc.Collection, b.doc.Collection); c != 0 {
			return c
		}
		return strings.Compare(a.doc.ID, b.doc.ID)
	})
	docs := make([]remote.Document, len(found))
	for i, sd := range found {
		docs[i] = sd.doc
	}
	return docs, nil
}

// allocateSeqs reserves n consecutive arrival numbers and returns the first.
func (s *Store) allocateSeqs(ctx context.Context, n int) (int64, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       docKey(counterPK, counterSK),
		UpdateExpression:          aws.String(counterUpdate),
		ExpressionAttributeNames:  map[string]string{"#n": "next"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":n": &types.AttributeValueMemberN{Value: strconv.Itoa(n)}},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("allocate seq: %w", err)
	}
	next, ok := out.Attributes["next"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("allocate seq: counter missing from response")
	}
	hi, err := strconv.ParseInt(next.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("allocate seq: %w", err)
	}
	return hi - int64(n) + 1, nil
}

const counterUpdate = "ADD #n :n"
