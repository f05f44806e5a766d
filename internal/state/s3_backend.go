package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/picklr-io/reconcilr/internal/secrets"
)

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// DynamoDBAPI is the subset of the DynamoDB client used for locking.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// s3Backend implements Backend for AWS S3 + optional DynamoDB locking.
type s3Backend struct {
	bucket        string
	prefix        string
	dynamoDBTable string
	encrypt       bool

	sealer   *secrets.Sealer
	s3Client S3API
	dbClient DynamoDBAPI
	owner    string
}

func newS3Backend(ctx context.Context, cfg *BackendConfig, sealer *secrets.Sealer) (Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires 'bucket' configuration")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	var db DynamoDBAPI
	if cfg.DynamoDBTable != "" {
		db = dynamodb.NewFromConfig(awsCfg)
	}
	return NewS3(s3.NewFromConfig(awsCfg), db, cfg, sealer), nil
}

// NewS3 returns an S3 backend over the given clients. db may be nil, in
// which case Lock and Unlock are no-ops.
func NewS3(s3Client S3API, db DynamoDBAPI, cfg *BackendConfig, sealer *secrets.Sealer) Backend {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "reconcilr/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &s3Backend{
		bucket:        cfg.Bucket,
		prefix:        prefix,
		dynamoDBTable: cfg.DynamoDBTable,
		encrypt:       cfg.Encrypt,
		sealer:        sealer,
		s3Client:      s3Client,
		dbClient:      db,
		owner:         uuid.NewString(),
	}
}

func (b *s3Backend) objectKey(key string) string {
	return b.prefix + key + ".json"
}

func (b *s3Backend) Read(ctx context.Context, key string) (*Record, error) {
	objKey := b.objectKey(key)
	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state from s3://%s/%s: %w", b.bucket, objKey, err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return decodeRecord(key, buf.Bytes(), b.sealer)
}

func (b *s3Backend) Write(ctx context.Context, rec *Record) error {
	stamp(rec)
	data, err := encodeRecord(rec, b.sealer)
	if err != nil {
		return err
	}

	objKey := b.objectKey(rec.Key)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if b.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := b.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", b.bucket, objKey, err)
	}
	return nil
}

func (b *s3Backend) Delete(ctx context.Context, key string) error {
	objKey := b.objectKey(key)
	_, err := b.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete state s3://%s/%s: %w", b.bucket, objKey, err)
	}
	return nil
}

func (b *s3Backend) List(ctx context.Context) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list state in s3://%s/%s: %w", b.bucket, b.prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			keys = append(keys, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *s3Backend) lockID(key string) string {
	return b.bucket + "/" + b.objectKey(key)
}

func (b *s3Backend) Lock(ctx context.Context, key string) error {
	if b.dbClient == nil {
		return nil // No locking without DynamoDB
	}

	now := time.Now().UTC()
	_, err := b.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: b.lockID(key)},
			"Info":    &dbtypes.AttributeValueMemberS{Value: b.owner},
			"Created": &dbtypes.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		// A lock older than StaleLockAge may be taken over.
		ConditionExpression: aws.String("attribute_not_exists(LockID) OR Created < :stale"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":stale": &dbtypes.AttributeValueMemberS{Value: now.Add(-StaleLockAge).Format(time.RFC3339)},
		},
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w. If this is an error, manually delete the lock item "+
				"with LockID=%q from DynamoDB table %q", ErrLocked, b.lockID(key), b.dynamoDBTable)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

func (b *s3Backend) Unlock(ctx context.Context, key string) error {
	if b.dbClient == nil {
		return nil
	}

	_, err := b.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.lockID(key)},
		},
		ConditionExpression: aws.String("Info = :owner"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":owner": &dbtypes.AttributeValueMemberS{Value: b.owner},
		},
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil // someone else broke a stale lock; nothing of ours to release
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
