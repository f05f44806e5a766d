package aws

import (
	"context"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	typesS3 "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// BucketType is the registry name of the S3 bucket adapter.
const BucketType = "aws.s3.Bucket"

// BucketAPI is the subset of *s3.Client used by Bucket.
type BucketAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	PutBucketTagging(ctx context.Context, params *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
}

// Bucket reconciles S3 buckets. The bucket name is both the natural key and
// the identifier.
type Bucket struct {
	client BucketAPI
	region string
}

// NewBucket returns a bucket adapter. region picks the location constraint
// for buckets created outside us-east-1.
func NewBucket(client BucketAPI, region string) *Bucket {
	return &Bucket{client: client, region: region}
}

func (b *Bucket) Type() string { return BucketType }

// Mapping drops everything but name, acl, objectOwnership, location,
// versioning and tags.
func (b *Bucket) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":            mapper.To("Bucket"),
			"acl":             mapper.To("ACL"),
			"objectOwnership": mapper.To("ObjectOwnership"),
			"location":        mapper.WrapIn("CreateBucketConfiguration", mapper.Schema{"constraint": mapper.To("LocationConstraint")}),
			"versioning":      mapper.To("Versioning"),
			"tags":            mapper.WrapIn("Tags", nil),
		},
		Defaults: map[string]any{"ObjectOwnership": "BucketOwnerEnforced"},
	}
}

func (b *Bucket) WatchedFields() []string {
	return []string{"Versioning", "Tags"}
}

// Buckets are usable as soon as CreateBucket returns.
func (b *Bucket) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{InitialDelay: 0, Period: 5 * time.Second, Attempts: 5}
}

func (b *Bucket) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, BucketType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return b.read(ctx, name)
}

func (b *Bucket) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &s3.CreateBucketInput{}
	if err := decodeInput(without(payload, "Versioning", "Tags"), in, "create bucket"); err != nil {
		return reconcile.Remote{}, err
	}
	if in.CreateBucketConfiguration == nil && b.region != "" && b.region != "us-east-1" {
		in.CreateBucketConfiguration = &typesS3.CreateBucketConfiguration{
			LocationConstraint: typesS3.BucketLocationConstraint(b.region),
		}
	}

	if _, err := b.client.CreateBucket(ctx, in); err != nil {
		return reconcile.Remote{}, classify(err, "create bucket")
	}

	name := awssdk.ToString(in.Bucket)
	if err := b.applySettings(ctx, name, payload, false); err != nil {
		return reconcile.Remote{}, err
	}
	return b.remote(name, payload), nil
}

func (b *Bucket) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	if err := b.applySettings(ctx, state.ID, payload, true); err != nil {
		return reconcile.Remote{}, err
	}
	return b.remote(state.ID, payload), nil
}

func (b *Bucket) Delete(ctx context.Context, state ir.State) error {
	_, err := b.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: &state.ID})
	return classify(err, "delete bucket")
}

func (b *Bucket) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return b.read(ctx, state.ID)
}

func (b *Bucket) read(ctx context.Context, name string) (reconcile.Remote, bool, error) {
	head, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &name})
	if err != nil {
		err = classify(err, "head bucket")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}

	fields := map[string]any{"Bucket": name}
	if region := awssdk.ToString(head.BucketRegion); region != "" {
		fields["BucketRegion"] = region
	}

	ver, err := b.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: &name})
	if err != nil {
		return reconcile.Remote{}, false, classify(err, "get bucket versioning")
	}
	fields["Versioning"] = ver.Status == typesS3.BucketVersioningStatusEnabled

	return b.remote(name, fields), true, nil
}

// applySettings issues the follow-up calls for fields CreateBucket does not
// accept. On update, versioning false suspends a previously enabled bucket.
func (b *Bucket) applySettings(ctx context.Context, name string, payload map[string]any, update bool) error {
	if v, ok := payload["Versioning"].(bool); ok && (v || update) {
		status := typesS3.BucketVersioningStatusSuspended
		if v {
			status = typesS3.BucketVersioningStatusEnabled
		}
		_, err := b.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket:                  &name,
			VersioningConfiguration: &typesS3.VersioningConfiguration{Status: status},
		})
		if err != nil {
			return classify(err, "put bucket versioning")
		}
	}

	if tags := stringMap(payload["Tags"]); len(tags) > 0 {
		set := make([]typesS3.Tag, 0, len(tags))
		for _, k := range sortedKeys(tags) {
			set = append(set, typesS3.Tag{Key: awssdk.String(k), Value: awssdk.String(tags[k])})
		}
		_, err := b.client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  &name,
			Tagging: &typesS3.Tagging{TagSet: set},
		})
		if err != nil {
			return classify(err, "put bucket tagging")
		}
	}
	return nil
}

func (b *Bucket) remote(name string, fields map[string]any) reconcile.Remote {
	f := subset(fields, "Bucket", "BucketRegion", "Versioning")
	f["Bucket"] = name
	return reconcile.Remote{
		ID:     name,
		Fields: f,
		Phase:  readiness.Ready,
		Status: "available",
		Outputs: map[string]any{
			"arn":        fmt.Sprintf("arn:aws:s3:::%s", name),
			"domainName": fmt.Sprintf("%s.s3.amazonaws.com", name),
		},
	}
}
