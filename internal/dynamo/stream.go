package dynamo

import (
	"context"
	"log/slog"
	"slices"

	"github.com/aws/aws-lambda-go/events"

	"github.com/roach88/pushdash/internal/remote"
)

// Notifier receives the collections a change touched. *Store implements it.
type Notifier interface {
	Notify(collections ...string)
}

// Handler turns DynamoDB stream records into hub notifications, so
// subscriptions see writes made by other processes. A Poller feeds it
// in-process; HandleStream also serves as a Lambda handler.
type Handler struct {
	notifier Notifier
	logger   *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(n Notifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		notifier: n,
		logger:   logger,
	}
}

// HandleStream processes one batch of stream records.
// It can be used directly as an AWS Lambda handler.
func (h *Handler) HandleStream(ctx context.Context, event events.DynamoDBEvent) error {
	var colls []string
	for _, record := range event.Records {
		coll, ok := collectionOf(record)
		if !ok {
			continue
		}
		if !slices.Contains(colls, coll) {
			colls = append(colls, coll)
		}
	}
	if len(colls) == 0 {
		return nil
	}

	h.logger.Debug("stream changes",
		"records", len(event.Records),
		"collections", len(colls),
	)
	h.notifier.Notify(colls...)
	return nil
}

// collectionOf returns the collection a record changed. Records of
// non-document items, such as the seq counter, are skipped.
func collectionOf(record events.DynamoDBEventRecord) (string, bool) {
	switch record.EventName {
	case string(events.DynamoDBOperationTypeInsert),
		string(events.DynamoDBOperationTypeModify),
		string(events.DynamoDBOperationTypeRemove):
	default:
		return "", false
	}
	coll := getStringAttr(record.Change.Keys, attrPK)
	if coll == "" || remote.ValidateCollection(coll) != nil {
		return "", false
	}
	return coll, true
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}
