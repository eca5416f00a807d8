// Package blob is the document byte store. The pipeline consumes blob
// retrieval as a collaborator; MinIO backs it in production and a memory
// implementation backs tests.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"covenant/internal/platform/config"
	id "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
)

// Store retrieves and stores document bytes by document ID.
type Store interface {
	GetDocumentBytes(ctx context.Context, docID id.DocumentID) ([]byte, error)
	PutDocumentBytes(ctx context.Context, docID id.DocumentID, data []byte, contentType string) error
}

// Minio is the production blob store.
type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio connects to the object store and ensures the bucket exists.
func NewMinio(ctx context.Context, cfg config.BlobConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

func (m *Minio) GetDocumentBytes(ctx context.Context, docID id.DocumentID) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectName(docID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get document object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("document %s: %w", docID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("read document object: %w", err)
	}
	return data, nil
}

func (m *Minio) PutDocumentBytes(ctx context.Context, docID id.DocumentID, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, objectName(docID), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put document object: %w", err)
	}
	return nil
}

func objectName(docID id.DocumentID) string {
	return "documents/" + docID.String()
}

// Memory is an in-memory blob store for tests and local runs.
type Memory struct {
	mu    sync.RWMutex
	blobs map[id.DocumentID][]byte
}

// NewMemory creates an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[id.DocumentID][]byte)}
}

func (m *Memory) GetDocumentBytes(_ context.Context, docID id.DocumentID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[docID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", docID, sentinel.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) PutDocumentBytes(_ context.Context, docID id.DocumentID, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[docID] = append([]byte(nil), data...)
	return nil
}
