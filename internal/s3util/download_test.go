package s3util

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3 keeps objects in a map and records the last PutObject input.
type fakeS3 struct {
	objects map[string][]byte
	lastPut *s3.PutObjectInput
	err     error
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	f.lastPut = in
	return &s3.PutObjectOutput{}, nil
}

func TestObjectClient_PutGet(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	c := NewObjectClient(fake)
	ctx := context.Background()

	if err := c.PutObject(ctx, "b", "k.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got := aws.ToString(fake.lastPut.ContentType); got != "application/json" {
		t.Errorf("expected application/json content type, got %s", got)
	}
	if got := aws.ToString(fake.lastPut.Tagging); got != projectTag {
		t.Errorf("expected project tagging, got %s", got)
	}

	body, err := c.GetObject(ctx, "b", "k.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != `{"a":1}` {
		t.Errorf("unexpected body %s", body)
	}
}

func TestObjectClient_WrapsErrors(t *testing.T) {
	cause := errors.New("throttled")
	c := NewObjectClient(&fakeS3{err: cause})
	if _, err := c.GetObject(context.Background(), "b", "k"); !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
	if err := c.PutObject(context.Background(), "b", "k", nil); !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestDownloadToTempFile(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"media/photo.jpg": []byte("jpegbytes")}}

	path, cleanup, err := DownloadToTempFile(context.Background(), fake, "media", "photo.jpg")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read temp file: %v", err)
	}
	if string(got) != "jpegbytes" {
		t.Errorf("unexpected contents %q", got)
	}
	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected temp file removed, stat err=%v", err)
	}
}
