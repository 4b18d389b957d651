package transfer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"github.com/stanstork/ocms-cron/internal/config"
	"github.com/stanstork/ocms-cron/internal/errs"
	"github.com/stanstork/ocms-cron/internal/pipeline"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Blob uploads files into <container>/<dir> on an S3-compatible store.
type Blob struct {
	client    putObjectAPI
	container string
	dir       string
}

// NewS3Client builds a client for the configured endpoint. An empty
// endpoint uses the regular AWS resolution.
func NewS3Client(ctx context.Context, cfg config.BlobConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load blob storage config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewBlob splits blobPath ("offence/lta/vrls/input") into the container
// ("offence") and the directory below it.
func NewBlob(client putObjectAPI, blobPath string) (*Blob, error) {
	blobPath = strings.Trim(blobPath, "/")
	container, dir, _ := strings.Cut(blobPath, "/")
	if container == "" {
		return nil, fmt.Errorf("blob path %q has no container", blobPath)
	}
	return &Blob{client: client, container: container, dir: dir}, nil
}

func (b *Blob) UploadBlob(ctx context.Context, file pipeline.File) (string, error) {
	key := path.Join(b.dir, file.Name)
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.container),
		Key:         aws.String(key),
		Body:        bytes.NewReader(file.Content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", classifyBlobError(err)
	}
	return b.container + "/" + key, nil
}

// Throttling and server side faults are worth retrying; auth and bad
// request errors are not.
func classifyBlobError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() != smithy.FaultServer {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "Throttling", "ServiceUnavailable":
		default:
			return errs.E(errs.KindExternalService, "blob.put", err)
		}
	}
	return errs.E(errs.KindTransientInfra, "blob.put", err)
}
