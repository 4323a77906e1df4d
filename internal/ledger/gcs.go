package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// NewGCS 把账本文档保存为 GCS 对象，适合没有持久化磁盘的部署环境
func NewGCS(ctx context.Context, bucket, object string) (*Document, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return newDocument("gcs", &gcsBlob{client: client, bucket: bucket, object: object}), nil
}

type gcsBlob struct {
	client *storage.Client
	bucket string
	object string
}

func (b *gcsBlob) handle() *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(b.object)
}

func (b *gcsBlob) Read(ctx context.Context) ([]byte, error) {
	r, err := b.handle().NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *gcsBlob) Write(ctx context.Context, data []byte) error {
	return b.put(ctx, b.handle(), data)
}

// Backup 把损坏的文档另存为 <object>.corrupt
func (b *gcsBlob) Backup(ctx context.Context, data []byte) error {
	return b.put(ctx, b.client.Bucket(b.bucket).Object(b.object+".corrupt"), data)
}

func (b *gcsBlob) put(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	return retry.Do(
		func() error {
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, err := w.Write(data); err != nil {
				_ = w.Close()
				return err
			}
			return w.Close()
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
	)
}

func (b *gcsBlob) Close() error {
	return b.client.Close()
}
