package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/syftbackup/internal/config"
	"github.com/openmined/syftbackup/internal/utils"
)

type S3Options struct {
	Endpoint string
	Region   string
}

// S3Store keeps the archive under a key prefix of an S3 bucket.
// S3 has no rename: a blob is uploaded to a temporary key and server-side copied to its
// final key, which makes the final key appear complete or not at all.
type S3Store struct {
	dest     config.Destination
	bucket   string
	layout   layout
	s3Client *s3.Client
}

// NewS3Store loads credentials from the default AWS chain and checks the bucket is reachable
func NewS3Store(ctx context.Context, dest config.Destination, opts S3Options) (*S3Store, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(dest.Host)}); err != nil {
		return nil, fmt.Errorf("bucket %s: %w", dest.Host, err)
	}

	slog.Info("connected", "dest", dest.String())
	return &S3Store{
		dest:     dest,
		bucket:   dest.Host,
		layout:   layout{root: dest.Path},
		s3Client: client,
	}, nil
}

func (s *S3Store) Describe() string {
	return s.dest.String()
}

func (s *S3Store) Bootstrap(ctx context.Context) (string, error) {
	id, err := s.readID(ctx)
	if err == nil {
		return id, nil
	}
	var noKey *types.NoSuchKey
	if !errors.As(err, &noKey) {
		return "", fmt.Errorf("read archive id: %w", err)
	}

	// directory markers so the collections show up in consoles and listings
	for _, dir := range []string{s.layout.filesPath(), s.layout.manifestsPath()} {
		if err := s.putObject(ctx, dir+"/", nil, false); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}

	id = newArchiveID()
	if err := s.putObject(ctx, s.layout.idPath(), []byte(id+"\n"), true); err != nil {
		if isPreconditionFailed(err) {
			// lost a race with another bootstrap, use theirs
			return s.readID(ctx)
		}
		return "", fmt.Errorf("publish archive id: %w", err)
	}

	slog.Info("archive created", "dest", s.dest.String(), "id", id)
	return id, nil
}

func (s *S3Store) readID(ctx context.Context) (string, error) {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.layout.idPath()),
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}
	return parseID(data)
}

func (s *S3Store) Exists(ctx context.Context, hash string) (Presence, error) {
	_, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.layout.blobPath(hash)),
	})
	if err == nil {
		return Present, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return Absent, nil
	}
	return Unknown, err
}

func (s *S3Store) PublishBlob(ctx context.Context, hash string, content io.Reader, size int64) error {
	final := s.layout.blobPath(hash)
	tmp := tempName(final)

	checksum, err := checksumSHA256(hash)
	if err != nil {
		return fmt.Errorf("publish blob %s: %w", hash, err)
	}

	// the server recomputes the checksum over the received body and rejects a mismatch,
	// so the temporary key never holds bytes that differ from hash
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         &s.bucket,
		Key:            &tmp,
		Body:           content,
		ContentLength:  aws.Int64(size),
		ChecksumSHA256: aws.String(checksum),
	})
	if isBadDigest(err) {
		return fmt.Errorf("upload %s: %w: %w", tmp, utils.ErrHashMismatch, err)
	}
	if err != nil {
		return fmt.Errorf("upload %s: %w", tmp, err)
	}

	_, err = s.s3Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &s.bucket,
		CopySource: aws.String(fmt.Sprintf("%s/%s", s.bucket, tmp)),
		Key:        &final,
	})
	if err != nil {
		return fmt.Errorf("publish blob %s: %w", hash, err)
	}

	if _, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &tmp}); err != nil {
		slog.Warn("failed to remove temporary object", "key", tmp, "error", err)
	}
	return nil
}

func (s *S3Store) PublishManifest(ctx context.Context, name string, data []byte) error {
	err := s.putObject(ctx, s.layout.manifestPath(name), data, true)
	if isPreconditionFailed(err) {
		return fmt.Errorf("%s: %w", name, ErrManifestExists)
	}
	if err != nil {
		return fmt.Errorf("publish manifest %s: %w", name, err)
	}
	return nil
}

// putObject uploads a small object. With exclusive the upload is conditional on the key
// not existing yet.
func (s *S3Store) putObject(ctx context.Context, key string, data []byte, exclusive bool) error {
	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if exclusive {
		input.IfNoneMatch = aws.String("*")
	}
	_, err := s.s3Client.PutObject(ctx, input)
	return err
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

func isBadDigest(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "BadDigest"
}

// checksumSHA256 converts a hex content hash to the base64 form S3 checksum headers use
func checksumSHA256(hash string) (string, error) {
	if !utils.IsHash(hash) {
		return "", fmt.Errorf("invalid content hash %q", hash)
	}
	raw, _ := hex.DecodeString(hash)
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (s *S3Store) Close() error {
	return nil
}

var _ Store = (*S3Store)(nil)
