// Package store resolves full asset records from the asset-management
// DynamoDB table. Lookups are enrichment only: every failure is logged and
// reported as "no record", never returned to the caller.
package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/steperr"
)

// DefaultKeyAttribute is the partition key of the asset table.
const DefaultKeyAttribute = "InventoryID"

// ItemGetter is the subset of *dynamodb.Client the resolver needs.
type ItemGetter interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// AssetStore looks up asset records by inventory ID.
// A nil *AssetStore is valid and always reports no record.
type AssetStore struct {
	client       ItemGetter
	tableName    string
	keyAttribute string
}

// NewAssetStore creates an AssetStore for the given table. It returns nil when
// tableName is empty, which disables enrichment.
func NewAssetStore(client ItemGetter, tableName string) *AssetStore {
	if tableName == "" || client == nil {
		return nil
	}
	return &AssetStore{
		client:       client,
		tableName:    tableName,
		keyAttribute: DefaultKeyAttribute,
	}
}

// TableName returns the configured table, or "" for a disabled store.
func (s *AssetStore) TableName() string {
	if s == nil {
		return ""
	}
	return s.tableName
}

// Get returns the asset record for assetID, or nil when the table is not
// configured, the item does not exist, or the lookup fails.
func (s *AssetStore) Get(ctx context.Context, assetID string) event.AssetRecord {
	if s == nil {
		log.Debug().Str("assetId", assetID).Msg("Asset table not configured — skipping lookup")
		return nil
	}
	if assetID == "" {
		return nil
	}
	record, found, err := s.getItem(ctx, assetID)
	if err != nil {
		log.Warn().
			Err(steperr.New(steperr.StageEnrichment, err)).
			Str("assetId", assetID).
			Str("table", s.tableName).
			Msg("Asset lookup failed — continuing without record")
		return nil
	}
	if !found {
		log.Warn().Str("assetId", assetID).Str("table", s.tableName).Msg("Asset record not found")
		return nil
	}
	return record
}

// getItem reads a single item and unmarshals it into a generic record.
func (s *AssetStore) getItem(ctx context.Context, assetID string) (event.AssetRecord, bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			s.keyAttribute: &types.AttributeValueMemberS{Value: assetID},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("GetItem %s=%s: %w", s.keyAttribute, assetID, err)
	}
	if result.Item == nil {
		return nil, false, nil
	}
	var record map[string]any
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, false, fmt.Errorf("unmarshal %s=%s: %w", s.keyAttribute, assetID, err)
	}
	return event.AssetRecord(record), true, nil
}
