// Package payload moves JSON payloads that are too large for the synchronous
// Step Functions / EventBridge path into an object store, and reads them back.
//
// Offloaded objects are written under external-payloads/{executionId}/ and
// are never deleted by the middleware; retention belongs to the bucket's
// lifecycle policy.
package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/jsonutil"
)

// DefaultMaxSize is the default offload threshold (240 KiB). Step Functions
// and EventBridge both cap payloads at 256 KB; the margin leaves room for
// the metadata block.
const DefaultMaxSize = 240 * 1024

// keyPrefix is the common prefix for all offloaded objects.
const keyPrefix = "external-payloads"

var (
	// ErrNoBucket is returned when offloading without a configured bucket.
	ErrNoBucket = errors.New("payload: external payload bucket is required")
	// ErrBadLocation is returned when rehydrating from an incomplete location.
	ErrBadLocation = errors.New("payload: location needs both bucket and key")
)

// ObjectStore is the byte-level object storage the Store needs.
type ObjectStore interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	PutObject(ctx context.Context, bucket, key string, body []byte) error
}

// Store offloads and rehydrates JSON payloads.
type Store struct {
	objects ObjectStore
	bucket  string
	maxSize int
	newID   func() string
}

// Option customises a Store.
type Option func(*Store)

// WithMaxSize overrides the offload threshold in bytes.
func WithMaxSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithIDGenerator overrides the object-key suffix generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// NewStore creates a Store writing into bucket.
func NewStore(objects ObjectStore, bucket string, opts ...Option) *Store {
	s := &Store{
		objects: objects,
		bucket:  bucket,
		maxSize: DefaultMaxSize,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxSize returns the offload threshold in bytes.
func (s *Store) MaxSize() int { return s.maxSize }

// Bucket returns the bucket offloaded payloads are written to.
func (s *Store) Bucket() string { return s.bucket }

// ExceedsThreshold reports whether a serialized size must be offloaded.
// A payload exactly at the threshold stays inline.
func (s *Store) ExceedsThreshold(size int) bool {
	return size > s.maxSize
}

// Key builds the object key for an offloaded payload.
func (s *Store) Key(executionID string) string {
	executionID = strings.Trim(strings.ReplaceAll(executionID, ":", "-"), "/")
	if executionID == "" {
		executionID = "no-execution"
	}
	return fmt.Sprintf("%s/%s/%s.json", keyPrefix, executionID, s.newID())
}

// Offload serializes data and stores it under a key scoped by executionID.
func (s *Store) Offload(ctx context.Context, executionID string, data any) (event.PayloadLocation, error) {
	if s.bucket == "" {
		return event.PayloadLocation{}, ErrNoBucket
	}
	body, err := json.Marshal(data)
	if err != nil {
		return event.PayloadLocation{}, fmt.Errorf("marshal payload: %w", err)
	}
	loc := event.PayloadLocation{Bucket: s.bucket, Key: s.Key(executionID)}
	if err := s.objects.PutObject(ctx, loc.Bucket, loc.Key, body); err != nil {
		return event.PayloadLocation{}, fmt.Errorf("offload payload to %s: %w", loc, err)
	}
	log.Debug().
		Str("bucket", loc.Bucket).
		Str("key", loc.Key).
		Int("size", len(body)).
		Msg("Payload offloaded")
	return loc, nil
}

// Rehydrate fetches and parses an offloaded payload. When index is non-nil
// and the stored content is an array, only that element is returned.
func (s *Store) Rehydrate(ctx context.Context, loc event.PayloadLocation, index *int) (any, error) {
	if loc.Bucket == "" || loc.Key == "" {
		return nil, ErrBadLocation
	}
	body, err := s.objects.GetObject(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch payload %s: %w", loc, err)
	}
	v, err := jsonutil.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("parse payload %s: %w", loc, err)
	}
	log.Debug().
		Str("bucket", loc.Bucket).
		Str("key", loc.Key).
		Int("size", len(body)).
		Msg("Payload rehydrated")

	if index == nil {
		return v, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return v, nil
	}
	if *index < 0 || *index >= len(arr) {
		return nil, fmt.Errorf("payload %s: index %d out of range (len %d)", loc, *index, len(arr))
	}
	return arr[*index], nil
}

// ParseLocation reads a {bucket, key} object from untyped JSON.
func ParseLocation(v any) (event.PayloadLocation, bool) {
	m, ok := jsonutil.Object(v)
	if !ok {
		return event.PayloadLocation{}, false
	}
	loc := event.PayloadLocation{
		Bucket: jsonutil.String(m, "bucket"),
		Key:    jsonutil.String(m, "key"),
	}
	return loc, loc.Bucket != "" && loc.Key != ""
}
