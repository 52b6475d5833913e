package dynamo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type itemKey struct{ pk, sk string }

// fakeAPI is an in-memory table that understands exactly the expressions the
// store sends. FilterExpression is ignored; the store re-checks every result
// in Go. Query pages are pageSize items long to exercise the paginator.
type fakeAPI struct {
	mu       sync.Mutex
	items    map[itemKey]map[string]types.AttributeValue
	pageSize int

	// beforeWrite runs before every conditional write, without the lock held.
	beforeWrite func(op string)
	calls       map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		items:    make(map[itemKey]map[string]types.AttributeValue),
		pageSize: 2,
		calls:    make(map[string]int),
	}
}

var _ API = (*fakeAPI)(nil)

func keyOf(m map[string]types.AttributeValue) itemKey {
	return itemKey{pk: str(m[attrPK]), sk: str(m[attrSK])}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

func clone(m map[string]types.AttributeValue) map[string]types.AttributeValue {
	if m == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) hook(op string) {
	f.mu.Lock()
	f.calls[op]++
	h := f.beforeWrite
	f.mu.Unlock()
	if h != nil {
		h(op)
	}
}

// bump simulates a concurrent writer touching an item.
func (f *fakeAPI) bump(pk, sk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := f.items[itemKey{pk, sk}]
	if it == nil {
		return
	}
	it[attrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(num(it[attrVersion])+1, 10)}
}

// insert writes an item behind the store's back.
func (f *fakeAPI) insert(pk, sk string) {
	raw, err := encodeItem(pk, sk, 1_000_000, 1, nil)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[itemKey{pk, sk}] = raw
}

// holds evaluates the conditions the store generates. Caller holds f.mu.
func (f *fakeAPI) holds(expr *string, values map[string]types.AttributeValue, current map[string]types.AttributeValue) bool {
	switch aws.ToString(expr) {
	case "":
		return true
	case "attribute_not_exists(#pk)":
		return current == nil
	case "#version = :version":
		return current != nil && num(current[attrVersion]) == num(values[":version"])
	}
	panic(fmt.Sprintf("fakeAPI: unsupported condition %q", aws.ToString(expr)))
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetItem"]++
	return &dynamodb.GetItemOutput{Item: clone(f.items[keyOf(in.Key)])}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.hook("PutItem")
	f.mu.Lock()
	defer f.mu.Unlock()
	k := keyOf(in.Item)
	if !f.holds(in.ConditionExpression, in.ExpressionAttributeValues, f.items[k]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[k] = clone(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.hook("DeleteItem")
	f.mu.Lock()
	defer f.mu.Unlock()
	k := keyOf(in.Key)
	if !f.holds(in.ConditionExpression, in.ExpressionAttributeValues, f.items[k]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateItem"]++
	if aws.ToString(in.UpdateExpression) != counterUpdate {
		return nil, fmt.Errorf("fakeAPI: unsupported update %q", aws.ToString(in.UpdateExpression))
	}
	k := keyOf(in.Key)
	it := f.items[k]
	if it == nil {
		it = clone(in.Key)
		f.items[k] = it
	}
	attr := in.ExpressionAttributeNames["#n"]
	next := num(it[attr]) + num(in.ExpressionAttributeValues[":n"])
	it[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)}
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{attr: it[attr]}}, nil
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Query"]++
	if aws.ToString(in.KeyConditionExpression) != "#k = :k" {
		return nil, fmt.Errorf("fakeAPI: unsupported key condition %q", aws.ToString(in.KeyConditionExpression))
	}
	attr := in.ExpressionAttributeNames["#k"]
	want := str(in.ExpressionAttributeValues[":k"])
	index := aws.ToString(in.IndexName)

	var matched []map[string]types.AttributeValue
	for _, it := range f.items {
		if str(it[attr]) != want {
			continue
		}
		if index != "" && it[attrSeq] == nil {
			continue
		}
		matched = append(matched, it)
	}
	sort.Slice(matched, func(i, j int) bool {
		if index != "" {
			return num(matched[i][attrSeq]) < num(matched[j][attrSeq])
		}
		return str(matched[i][attrSK]) < str(matched[j][attrSK])
	})

	start := 0
	if in.ExclusiveStartKey != nil {
		after := keyOf(in.ExclusiveStartKey)
		for i, it := range matched {
			if keyOf(it) == after {
				start = i + 1
				break
			}
		}
	}
	end := min(start+f.pageSize, len(matched))

	out := &dynamodb.QueryOutput{}
	for _, it := range matched[start:end] {
		out.Items = append(out.Items, clone(it))
	}
	if end < len(matched) {
		out.LastEvaluatedKey = docKey(keyOf(matched[end-1]).pk, keyOf(matched[end-1]).sk)
	}
	return out, nil
}

func (f *fakeAPI) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.hook("TransactWriteItems")
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		var ok bool
		switch {
		case ti.Put != nil:
			ok = f.holds(ti.Put.ConditionExpression, ti.Put.ExpressionAttributeValues, f.items[keyOf(ti.Put.Item)])
		case ti.Delete != nil:
			ok = f.holds(ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeValues, f.items[keyOf(ti.Delete.Key)])
		case ti.ConditionCheck != nil:
			ok = f.holds(ti.ConditionCheck.ConditionExpression, ti.ConditionCheck.ExpressionAttributeValues, f.items[keyOf(ti.ConditionCheck.Key)])
		}
		code := "None"
		if !ok {
			code, failed = "ConditionalCheckFailed", true
		}
		reasons[i] = types.CancellationReason{Code: aws.String(code)}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.items[keyOf(ti.Put.Item)] = clone(ti.Put.Item)
		case ti.Delete != nil:
			delete(f.items, keyOf(ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}
