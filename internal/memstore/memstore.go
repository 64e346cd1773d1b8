// Package memstore provides in-memory stand-ins for the AWS services a
// pipeline step talks to: an object store, the asset table, and the event
// bus. stepctl uses them for --offline runs; tests use them as fakes.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

// ErrNoSuchKey is returned by Objects.GetObject for a missing object.
var ErrNoSuchKey = errors.New("memstore: no such key")

// --- Object store ---

// Objects is an in-memory bucket/key store.
type Objects struct {
	mu      sync.Mutex
	objects map[string][]byte

	// GetErr and PutErr, when set, are returned instead of touching the map.
	GetErr error
	PutErr error
}

// NewObjects creates an empty object store.
func NewObjects() *Objects {
	return &Objects{objects: make(map[string][]byte)}
}

func objectID(bucket, key string) string { return bucket + "/" + key }

// GetObject returns a copy of the stored bytes.
func (o *Objects) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	if o.GetErr != nil {
		return nil, o.GetErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.objects[objectID(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%w: s3://%s/%s", ErrNoSuchKey, bucket, key)
	}
	return append([]byte(nil), b...), nil
}

// PutObject stores a copy of body.
func (o *Objects) PutObject(_ context.Context, bucket, key string, body []byte) error {
	if o.PutErr != nil {
		return o.PutErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[objectID(bucket, key)] = append([]byte(nil), body...)
	return nil
}

// Len returns the number of stored objects.
func (o *Objects) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.objects)
}

// --- Asset table ---

// AssetTable answers DynamoDB GetItem calls from an in-memory map keyed by
// the value of KeyAttribute.
type AssetTable struct {
	KeyAttribute string

	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	calls int

	// Err, when set, is returned from every GetItem call.
	Err error
}

// NewAssetTable creates an empty table keyed by keyAttribute.
func NewAssetTable(keyAttribute string) *AssetTable {
	return &AssetTable{
		KeyAttribute: keyAttribute,
		items:        make(map[string]map[string]types.AttributeValue),
	}
}

// Put stores record, which must contain the key attribute as a string.
func (t *AssetTable) Put(record map[string]any) error {
	id, ok := record[t.KeyAttribute].(string)
	if !ok || id == "" {
		return fmt.Errorf("memstore: record has no %s", t.KeyAttribute)
	}
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[id] = item
	return nil
}

// Calls returns how many GetItem calls were made.
func (t *AssetTable) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// GetItem implements the subset of the DynamoDB API used by the resolver.
func (t *AssetTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.Err != nil {
		return nil, t.Err
	}
	keyAttr, ok := in.Key[t.KeyAttribute].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("memstore: key must be a string attribute %s", t.KeyAttribute)
	}
	return &dynamodb.GetItemOutput{Item: t.items[keyAttr.Value]}, nil
}

// --- Event bus ---

// EventBus records PutEvents calls.
type EventBus struct {
	mu      sync.Mutex
	entries []eventbridgetypes.PutEventsRequestEntry

	// Err, when set, fails the whole call. FailEntries marks every entry as
	// rejected instead.
	Err         error
	FailEntries bool
}

// PutEvents implements the subset of the EventBridge API used by the publisher.
func (b *EventBus) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	out := &eventbridge.PutEventsOutput{}
	for range in.Entries {
		if b.FailEntries {
			code, msg := "InternalFailure", "rejected by memstore"
			out.FailedEntryCount++
			out.Entries = append(out.Entries, eventbridgetypes.PutEventsResultEntry{ErrorCode: &code, ErrorMessage: &msg})
			continue
		}
		id := fmt.Sprintf("evt-%d", len(b.entries)+len(out.Entries))
		out.Entries = append(out.Entries, eventbridgetypes.PutEventsResultEntry{EventId: &id})
	}
	if !b.FailEntries {
		b.entries = append(b.entries, in.Entries...)
	}
	return out, nil
}

// Entries returns the accepted entries in publish order.
func (b *EventBus) Entries() []eventbridgetypes.PutEventsRequestEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]eventbridgetypes.PutEventsRequestEntry(nil), b.entries...)
}
