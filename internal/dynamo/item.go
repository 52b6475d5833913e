package dynamo

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/roach88/pushdash/internal/doc"
	"github.com/roach88/pushdash/internal/remote"
)

// Attribute names of the table layout.
const (
	attrPK      = "pk"
	attrSK      = "sk"
	attrGroup   = "grp"
	attrSeq     = "seq"
	attrVersion = "version"
	attrFields  = "fields"
)

// item is one stored document.
type item struct {
	PK      string         `dynamodbav:"pk"`
	SK      string         `dynamodbav:"sk"`
	Group   string         `dynamodbav:"grp"`
	Seq     int64          `dynamodbav:"seq"`
	Version int64          `dynamodbav:"version"`
	Fields  map[string]any `dynamodbav:"fields"`
}

// Empty strings are legal field values; the encoder default keeps them as S "".
var (
	encoder = attributevalue.NewEncoder()
	decoder = attributevalue.NewDecoder(func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
)

func docKey(collection, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: collection},
		attrSK: &types.AttributeValueMemberS{Value: id},
	}
}

func encodeItem(collection, id string, seq, version int64, fields doc.Object) (map[string]types.AttributeValue, error) {
	if fields == nil {
		fields = doc.Object{}
	}
	av, err := encoder.Encode(item{
		PK:      collection,
		SK:      id,
		Group:   remote.LastSegment(collection),
		Seq:     seq,
		Version: version,
		Fields:  doc.ToAny(fields).(map[string]any),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	m, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("encode %s/%s: unexpected %T", collection, id, av)
	}
	return m.Value, nil
}

// decodeItem converts a raw item to a document and its arrival seq.
func decodeItem(raw map[string]types.AttributeValue) (remote.Document, int64, error) {
	var it item
	if err := decoder.Decode(&types.AttributeValueMemberM{Value: raw}, &it); err != nil {
		return remote.Document{}, 0, fmt.Errorf("decode item: %w", err)
	}
	fields, err := doc.ObjectFromAny(numbersToJSON(it.Fields).(map[string]any))
	if err != nil {
		return remote.Document{}, 0, fmt.Errorf("document %s/%s: %w", it.PK, it.SK, err)
	}
	return remote.Document{
		Collection: it.PK,
		ID:         it.SK,
		Fields:     fields,
		Version:    it.Version,
	}, it.Seq, nil
}

// numbersToJSON rewrites attributevalue.Number leaves as json.Number so
// doc.FromAny parses them exactly.
func numbersToJSON(v any) any {
	switch val := v.(type) {
	case attributevalue.Number:
		return json.Number(val)
	case []any:
		for i := range val {
			val[i] = numbersToJSON(val[i])
		}
		return val
	case map[string]any:
		if val == nil {
			return map[string]any{}
		}
		for k := range val {
			val[k] = numbersToJSON(val[k])
		}
		return val
	}
	return v
}
