package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

func TestObjects_RoundTrip(t *testing.T) {
	o := NewObjects()
	ctx := context.Background()
	body := []byte(`{"a":1}`)
	if err := o.PutObject(ctx, "b", "k", body); err != nil {
		t.Fatalf("put: %v", err)
	}
	body[0] = 'X'

	got, err := o.GetObject(ctx, "b", "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("expected stored copy, got %s", got)
	}
	if _, err := o.GetObject(ctx, "b", "missing"); !errors.Is(err, ErrNoSuchKey) {
		t.Errorf("expected ErrNoSuchKey, got %v", err)
	}
}

func TestAssetTable_GetItem(t *testing.T) {
	table := NewAssetTable("InventoryID")
	if err := table.Put(map[string]any{"InventoryID": "A1", "Size": 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := table.Put(map[string]any{"Size": 3}); err == nil {
		t.Error("expected error for record without key")
	}

	out, err := table.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String("assets"),
		Key:       map[string]types.AttributeValue{"InventoryID": &types.AttributeValueMemberS{Value: "A1"}},
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var rec map[string]any
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["InventoryID"] != "A1" {
		t.Errorf("expected A1, got %v", rec["InventoryID"])
	}

	out, _ = table.GetItem(context.Background(), &dynamodb.GetItemInput{
		Key: map[string]types.AttributeValue{"InventoryID": &types.AttributeValueMemberS{Value: "nope"}},
	})
	if out.Item != nil {
		t.Errorf("expected no item, got %v", out.Item)
	}
	if table.Calls() != 2 {
		t.Errorf("expected 2 calls, got %d", table.Calls())
	}
}

func TestEventBus_PutEvents(t *testing.T) {
	bus := &EventBus{}
	in := &eventbridge.PutEventsInput{Entries: []eventbridgetypes.PutEventsRequestEntry{{DetailType: aws.String("xOutput")}}}

	out, err := bus.PutEvents(context.Background(), in)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if out.FailedEntryCount != 0 || len(bus.Entries()) != 1 {
		t.Errorf("expected 1 accepted entry, got failed=%d entries=%d", out.FailedEntryCount, len(bus.Entries()))
	}

	bus.FailEntries = true
	out, _ = bus.PutEvents(context.Background(), in)
	if out.FailedEntryCount != 1 || out.Entries[0].ErrorCode == nil {
		t.Errorf("expected rejected entry, got %+v", out)
	}
	if len(bus.Entries()) != 1 {
		t.Errorf("expected rejected entry not recorded, got %d", len(bus.Entries()))
	}
}
