// Package media stores product images in S3.
package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/safar/storefront/internal/apperr"
)

const MaxImageSize = 5 << 20

var (
	ErrUnsupportedType = apperr.New(apperr.KindValidation, "Only JPEG, PNG, WebP and GIF images are allowed")
	ErrTooLarge        = apperr.New(apperr.KindValidation, "Image exceeds 5MB")
	ErrEmpty           = apperr.New(apperr.KindValidation, "Image is empty")
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Uploader struct {
	client  PutObjectAPI
	bucket  string
	baseURL string
}

// NewUploader returns an uploader for bucket. Object URLs are built from
// baseURL when set, otherwise from the bucket's virtual-hosted endpoint.
func NewUploader(client PutObjectAPI, bucket, baseURL string) *Uploader {
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return &Uploader{client: client, bucket: bucket, baseURL: strings.TrimRight(baseURL, "/")}
}

// UploadProductImage stores body under a fresh key for the product and
// returns its public URL.
func (u *Uploader) UploadProductImage(ctx context.Context, productID int64, contentType string, body []byte) (string, error) {
	contentType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext, ok := extensions[contentType]
	if !ok {
		return "", ErrUnsupportedType
	}
	if len(body) == 0 {
		return "", ErrEmpty
	}
	if len(body) > MaxImageSize {
		return "", ErrTooLarge
	}

	key := fmt.Sprintf("products/%d/%s%s", productID, uuid.NewString(), ext)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstream, "Image upload failed", fmt.Errorf("put object %s: %w", key, err))
	}

	return u.baseURL + "/" + key, nil
}
