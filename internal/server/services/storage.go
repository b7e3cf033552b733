package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/opsportal/internal/common"
	"github.com/dmitrijs2005/opsportal/internal/logging"
	sc "github.com/dmitrijs2005/opsportal/internal/server/config"
	"github.com/dmitrijs2005/opsportal/internal/server/metrics"
	"github.com/dmitrijs2005/opsportal/internal/server/models"
	"github.com/dmitrijs2005/opsportal/internal/timex"
	"github.com/google/uuid"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Signed URL lifetimes.
const (
	MinGetExpiry     = 60 * time.Second
	MaxGetExpiry     = 24 * time.Hour
	DefaultGetExpiry = 15 * time.Minute
	PartURLExpiry    = 15 * time.Minute
	PutURLExpiry     = 15 * time.Minute

	MaxPartNumber = 10000
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
	presignUploadPart = func(pc *s3.PresignClient, ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignUploadPart(ctx, in, optFns...)
	}

	createMultipartUpload = func(c *s3.Client, ctx context.Context, in *s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error) {
		return c.CreateMultipartUpload(ctx, in)
	}
	completeMultipartUpload = func(c *s3.Client, ctx context.Context, in *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error) {
		return c.CompleteMultipartUpload(ctx, in)
	}
	abortMultipartUpload = func(c *s3.Client, ctx context.Context, in *s3.AbortMultipartUploadInput) (*s3.AbortMultipartUploadOutput, error) {
		return c.AbortMultipartUpload(ctx, in)
	}
)

// CompletedPart identifies one uploaded part when completing a multipart upload.
type CompletedPart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

// StorageService issues signed URLs against the S3-compatible bucket and
// drives multipart uploads. Calls are not retried.
type StorageService struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
	observer metrics.Observer
	logger   logging.Logger
	now      func() time.Time
}

func NewStorageService(ctx context.Context, cfg *sc.Config, observer metrics.Observer, logger logging.Logger) (*StorageService, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3RootUser,
			cfg.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3BaseEndpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	if observer == nil {
		observer = metrics.Nop{}
	}

	return &StorageService{
		client:   client,
		presign:  newS3PresignClient(client),
		bucket:   cfg.S3Bucket,
		observer: observer,
		logger:   logger.With("module", "storage"),
		now:      time.Now,
	}, nil
}

// track is deferred with a pointer to the named error result so the final
// value is recorded.
func (s *StorageService) track(op string, start time.Time, err *error) {
	s.observer.RecordStorage(op, time.Since(start), *err)
}

// ParseExpiry turns the raw "exp" query value (seconds) into a GET URL
// lifetime. Missing or unparseable values yield DefaultGetExpiry.
func ParseExpiry(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultGetExpiry
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return DefaultGetExpiry
	}
	// keep the multiplication from overflowing in either direction
	if seconds < int64(MinGetExpiry/time.Second) {
		return MinGetExpiry
	}
	if seconds > int64(MaxGetExpiry/time.Second) {
		return MaxGetExpiry
	}
	return timex.Clamp(time.Duration(seconds)*time.Second, MinGetExpiry, MaxGetExpiry)
}

// ContentDisposition builds the attachment header for a download name.
func ContentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename=%q", filename)
}

// PresignGet returns a signed GET URL for key valid for exp, clamped to
// [MinGetExpiry, MaxGetExpiry]. A non-empty filename forces a download
// under that name.
func (s *StorageService) PresignGet(ctx context.Context, key, filename string, exp time.Duration) (url string, err error) {
	if key == "" {
		return "", fmt.Errorf("%w: key is required", common.ErrorValidation)
	}
	defer s.track("presign_get", time.Now(), &err)

	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if filename != "" {
		in.ResponseContentDisposition = aws.String(ContentDisposition(filename))
	}

	req, err := presignGetObject(s.presign, ctx, in, s3.WithPresignExpires(timex.Clamp(exp, MinGetExpiry, MaxGetExpiry)))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// PresignPut returns a signed single-request PUT URL for key.
func (s *StorageService) PresignPut(ctx context.Context, key, contentType string) (url string, err error) {
	if key == "" {
		return "", fmt.Errorf("%w: key is required", common.ErrorValidation)
	}
	defer s.track("presign_put", time.Now(), &err)

	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}

	req, err := presignPutObject(s.presign, ctx, in, s3.WithPresignExpires(PutURLExpiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// PresignUploadPart returns a signed URL for one part of a multipart upload.
func (s *StorageService) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32) (url string, err error) {
	if key == "" || uploadID == "" {
		return "", fmt.Errorf("%w: key and uploadId are required", common.ErrorValidation)
	}
	if partNumber < 1 || partNumber > MaxPartNumber {
		return "", fmt.Errorf("%w: partNumber must be between 1 and %d", common.ErrorValidation, MaxPartNumber)
	}
	defer s.track("presign_part", time.Now(), &err)

	req, err := presignUploadPart(s.presign, ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(PartURLExpiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// CreateMultipart starts a multipart upload for key and returns its upload id.
func (s *StorageService) CreateMultipart(ctx context.Context, key, contentType string) (uploadID string, err error) {
	if key == "" {
		return "", fmt.Errorf("%w: key is required", common.ErrorValidation)
	}
	defer s.track("create_multipart", time.Now(), &err)

	in := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}

	out, err := createMultipartUpload(s.client, ctx, in)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.UploadId), nil
}

// CompleteMultipart assembles the uploaded parts into the final object.
// Parts may be given in any order.
func (s *StorageService) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (err error) {
	if key == "" || uploadID == "" {
		return fmt.Errorf("%w: key and uploadId are required", common.ErrorValidation)
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: at least one part is required", common.ErrorValidation)
	}

	sorted := slices.Clone(parts)
	slices.SortFunc(sorted, func(a, b CompletedPart) int { return int(a.PartNumber - b.PartNumber) })

	completed := make([]types.CompletedPart, 0, len(sorted))
	for i, p := range sorted {
		if p.PartNumber < 1 || p.PartNumber > MaxPartNumber || p.ETag == "" {
			return fmt.Errorf("%w: invalid part %d", common.ErrorValidation, p.PartNumber)
		}
		if i > 0 && sorted[i-1].PartNumber == p.PartNumber {
			return fmt.Errorf("%w: duplicate part %d", common.ErrorValidation, p.PartNumber)
		}
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		})
	}
	defer s.track("complete_multipart", time.Now(), &err)

	_, err = completeMultipartUpload(s.client, ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	return mapStorageError(err)
}

// AbortMultipart discards an in-progress multipart upload and every part
// uploaded for it. An unknown upload id yields common.ErrorNotFound.
func (s *StorageService) AbortMultipart(ctx context.Context, key, uploadID string) (err error) {
	if key == "" || uploadID == "" {
		return fmt.Errorf("%w: key and uploadId are required", common.ErrorValidation)
	}
	defer s.track("abort_multipart", time.Now(), &err)

	_, err = abortMultipartUpload(s.client, ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		s.logger.Warn(ctx, "abort multipart failed", "key", key, "upload_id", uploadID, "error", err)
	}
	return mapStorageError(err)
}

func mapStorageError(err error) error {
	if err == nil {
		return nil
	}
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return fmt.Errorf("%w: %v", common.ErrorNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload" {
		return fmt.Errorf("%w: %v", common.ErrorNotFound, err)
	}
	return err
}

// ParentPrefix is the key prefix every object of a parent is stored under.
func ParentPrefix(refType, refID string) (string, error) {
	if _, ok := models.ParentTable(refType); !ok {
		return "", fmt.Errorf("%w: unknown refType %q", common.ErrorValidation, refType)
	}
	if refID == "" || strings.Contains(refID, "/") {
		return "", fmt.Errorf("%w: invalid refId", common.ErrorValidation)
	}
	return refType + "s/" + refID + "/", nil
}

// NewObjectKey returns a fresh key under the parent's prefix:
// <refType>s/<refId>/<yyyy>/<mm>/<dd>/<uuid>-<filename>.
func (s *StorageService) NewObjectKey(refType, refID, filename string) (string, error) {
	prefix, err := ParentPrefix(refType, refID)
	if err != nil {
		return "", err
	}
	d := s.now().UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s-%s", prefix, d.Year(), d.Month(), d.Day(), uuid.New(), cleanFilename(filename)), nil
}

func cleanFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}
