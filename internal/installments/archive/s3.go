// Package archive keeps the raw body of every verified webhook delivery in object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Putter is the subset of the S3 client used by the archive.
type Putter interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Archive writes payloads under prefix/provider/yyyy/mm/dd/event_id.json.
type S3Archive struct {
	client Putter
	bucket string
	prefix string
}

// NewS3Archive creates an archive in bucket.
func NewS3Archive(client Putter, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of a delivery.
func (a *S3Archive) Key(provider, eventID string, receivedAt time.Time) string {
	return path.Join(a.prefix, provider, receivedAt.UTC().Format("2006/01/02"), sanitize(eventID)+".json")
}

// Store uploads the payload and returns its key.
func (a *S3Archive) Store(ctx context.Context, provider, eventID string, receivedAt time.Time, body []byte) (string, error) {
	key := a.Key(provider, eventID, receivedAt)
	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
		ACL:           aws.String("private"),
	})
	if err != nil {
		return "", fmt.Errorf("unable to archive webhook %s: %w", eventID, err)
	}
	return key, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}
