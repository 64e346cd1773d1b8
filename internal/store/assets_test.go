package store

import (
	"context"
	"errors"
	"testing"

	"github.com/fpang/media-pipeline/internal/memstore"
)

func newTable(t *testing.T, records ...map[string]any) *memstore.AssetTable {
	t.Helper()
	table := memstore.NewAssetTable(DefaultKeyAttribute)
	for _, r := range records {
		if err := table.Put(r); err != nil {
			t.Fatalf("seed table: %v", err)
		}
	}
	return table
}

func TestGet_Found(t *testing.T) {
	table := newTable(t, map[string]any{"InventoryID": "A1", "Type": "Image"})
	s := NewAssetStore(table, "assets")

	rec := s.Get(context.Background(), "A1")
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.ID() != "A1" {
		t.Errorf("expected InventoryID A1, got %s", rec.ID())
	}
	if rec["Type"] != "Image" {
		t.Errorf("expected Type Image, got %v", rec["Type"])
	}
}

func TestGet_NotFound(t *testing.T) {
	s := NewAssetStore(newTable(t), "assets")
	if rec := s.Get(context.Background(), "missing"); rec != nil {
		t.Errorf("expected nil, got %v", rec)
	}
}

func TestGet_LookupErrorIsSwallowed(t *testing.T) {
	table := newTable(t)
	table.Err = errors.New("ProvisionedThroughputExceededException")
	s := NewAssetStore(table, "assets")

	if rec := s.Get(context.Background(), "A1"); rec != nil {
		t.Errorf("expected nil on lookup error, got %v", rec)
	}
	if table.Calls() != 1 {
		t.Errorf("expected 1 GetItem call, got %d", table.Calls())
	}
}

func TestGet_DisabledWithoutTable(t *testing.T) {
	s := NewAssetStore(newTable(t), "")
	if s != nil {
		t.Fatal("expected nil store when table name is empty")
	}
	if rec := s.Get(context.Background(), "A1"); rec != nil {
		t.Errorf("expected nil from disabled store, got %v", rec)
	}
	if s.TableName() != "" {
		t.Errorf("expected empty table name, got %s", s.TableName())
	}
}

func TestGet_EmptyIDSkipsLookup(t *testing.T) {
	table := newTable(t)
	s := NewAssetStore(table, "assets")
	s.Get(context.Background(), "")
	if table.Calls() != 0 {
		t.Errorf("expected no GetItem calls, got %d", table.Calls())
	}
}
