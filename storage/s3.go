// Package storage archives finished sessions to S3 or an S3-compatible store.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"manimate/types"
)

// ErrNotArchived is returned when a session has no archive object
var ErrNotArchived = errors.New("storage: session not archived")

// S3Config contains minimal configuration for creating an S3 client.
// Empty values fall back to the standard AWS config/credential chain.
type S3Config struct {
	Bucket string
	Prefix string
	// Region to use for requests, e.g. "us-east-1"
	Region string
	// Profile selects a named shared config/credentials profile
	Profile string
	// UsePathStyle forces path-style addressing (useful for some S3-compatible providers)
	UsePathStyle bool
}

// s3API is the subset of the S3 client the archive needs
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Archive writes one JSON object per finished session
type Archive struct {
	client s3API
	bucket string
	prefix string
}

// NewArchive creates an archive using the default AWS configuration chain
func NewArchive(ctx context.Context, cfg S3Config) (*Archive, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("storage: bucket must not be empty")
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newArchive(c, cfg.Bucket, cfg.Prefix), nil
}

func newArchive(client s3API, bucket, prefix string) *Archive {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Archive{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a session
func (a *Archive) Key(sessionID string) string {
	return a.prefix + "sessions/" + sessionID + ".json"
}

// Save uploads the session snapshot, replacing any earlier one
func (a *Archive) Save(ctx context.Context, s *types.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(s.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload session %s to S3: %w", s.ID, err)
	}
	return nil
}

// Load fetches an archived session
func (a *Archive) Load(ctx context.Context, sessionID string) (*types.Session, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.Key(sessionID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotArchived, sessionID)
		}
		return nil, fmt.Errorf("failed to get session %s from S3: %w", sessionID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode archived session %s: %w", sessionID, err)
	}
	return &s, nil
}

// Exists reports whether a session has been archived
func (a *Archive) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.Key(sessionID)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func isNotFound(err error) bool {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
