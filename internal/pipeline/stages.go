package pipeline

import (
	"context"

	"github.com/stanstork/ocms-cron/internal/models"
)

// File is an opaque agency payload.
type File struct {
	Name        string
	Content     []byte
	ContentType string
}

type Extractor interface {
	Extract(ctx context.Context) ([]models.OutboxRecord, error)
}

type Renderer interface {
	Render(ctx context.Context, records []models.OutboxRecord) (File, error)
}

// Encryptor talks to the external encryption service. RequestToken only
// submits the request; the token comes back later through the callback
// webhook and is then used by Apply.
type Encryptor interface {
	RequestToken(ctx context.Context, requestID string, file File) error
	Apply(ctx context.Context, token string, file File) (File, error)
}

type BlobUploader interface {
	UploadBlob(ctx context.Context, file File) (string, error)
}

type TransferUploader interface {
	UploadTransfer(ctx context.Context, file File) (string, error)
}

// Marker flips the eligibility marker of delivered records.
type Marker interface {
	MarkSent(ctx context.Context, records []models.OutboxRecord, fileName string) error
}

// Stages are the collaborators of one pipeline. Marker is optional.
type Stages struct {
	Extractor Extractor
	Renderer  Renderer
	Encryptor Encryptor
	Blob      BlobUploader
	Transfer  TransferUploader
	Marker    Marker
}
