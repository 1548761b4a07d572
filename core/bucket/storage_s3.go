package bucket

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mofreitas/woodwork/core/logger"
)

// S3Configuration contains the configuration for the AWS S3 driver
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSRegion     string
	AWSBucketName string
	KeyPrefix     string
}

// S3Driver is the implementation of the storage Driver for AWS S3.
// Directories are key prefixes, so EnsureDir is a no-op and Move is a
// copy-then-delete over all keys below the old prefix.
type S3Driver struct {
	config    aws.Config
	bucket    string
	keyPrefix string
}

// NewS3Driver returns a new S3Driver
func NewS3Driver(s3Config S3Configuration) (*S3Driver, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	awsConfig, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(s3Config.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("bucket S3 storage enabled")
	return &S3Driver{config: awsConfig, bucket: s3Config.AWSBucketName, keyPrefix: s3Config.KeyPrefix}, nil
}

// EnsureDir is a no-op, S3 has no directories.
func (d *S3Driver) EnsureDir(ctx context.Context, path string) error {
	return nil
}

// Move copies every key below oldPath to the corresponding key below
// newPath and deletes the originals.
func (d *S3Driver) Move(ctx context.Context, oldPath, newPath string) error {
	client := s3.NewFromConfig(d.config)
	keys, err := d.listAllWithPrefix(ctx, oldPath+"/")
	if err != nil {
		return err
	}
	oldPrefix := d.keyPrefix + oldPath + "/"
	newPrefix := d.keyPrefix + newPath + "/"
	for _, key := range keys {
		newKey := newPrefix + strings.TrimPrefix(key, oldPrefix)
		_, err := client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     &d.bucket,
			CopySource: aws.String(d.bucket + "/" + key),
			Key:        &newKey,
		})
		if err != nil {
			logger.Default().Error("Could not copy ", key, " to ", newKey)
			return err
		}
		_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: &d.bucket,
			Key:    aws.String(key),
		})
		if err != nil {
			logger.Default().Error("Could not delete ", key)
			return err
		}
	}
	return nil
}

// RemoveAll deletes all keys below path.
func (d *S3Driver) RemoveAll(ctx context.Context, path string) error {
	client := s3.NewFromConfig(d.config)
	keys, err := d.listAllWithPrefix(ctx, path+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		logger.Default().Infoln("Deleting ", key)
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: &d.bucket,
			Key:    aws.String(key),
		})
		if err != nil {
			logger.Default().Error("Could not delete ", key)
			return err
		}
	}
	return nil
}

// Write uploads the content of r under key.
func (d *S3Driver) Write(ctx context.Context, key string, r io.Reader) error {
	uploader := manager.NewUploader(s3.NewFromConfig(d.config))
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &d.bucket,
		Key:    aws.String(d.keyPrefix + key),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s, %v", key, err)
	}
	return nil
}

// Remove deletes a single key.
func (d *S3Driver) Remove(ctx context.Context, key string) error {
	client := s3.NewFromConfig(d.config)
	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &d.bucket,
		Key:    aws.String(d.keyPrefix + key),
	})
	return err
}

func (d *S3Driver) listAllWithPrefix(ctx context.Context, prefix string) (keys []string, err error) {
	client := s3.NewFromConfig(d.config)
	var continuationToken *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            &d.bucket,
			Prefix:            aws.String(d.keyPrefix + prefix),
			ContinuationToken: continuationToken,
		}
		var resp *s3.ListObjectsV2Output
		resp, err = client.ListObjectsV2(ctx, input)
		if err != nil {
			logger.Default().Error("Could not ListObjectsV2 from ", d.bucket)
			return
		}
		for _, item := range resp.Contents {
			keys = append(keys, *item.Key)
		}
		continuationToken = resp.NextContinuationToken
		if continuationToken == nil {
			break
		}
	}
	return
}
