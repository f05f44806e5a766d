package aws

import (
	"context"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	typesEFS "github.com/aws/aws-sdk-go-v2/service/efs/types"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// FileSystemType is the registry name of the EFS adapter.
const FileSystemType = "aws.efs.FileSystem"

// FileSystemAPI is the subset of *efs.Client used by FileSystem.
type FileSystemAPI interface {
	DescribeFileSystems(ctx context.Context, params *efs.DescribeFileSystemsInput, optFns ...func(*efs.Options)) (*efs.DescribeFileSystemsOutput, error)
	CreateFileSystem(ctx context.Context, params *efs.CreateFileSystemInput, optFns ...func(*efs.Options)) (*efs.CreateFileSystemOutput, error)
	UpdateFileSystem(ctx context.Context, params *efs.UpdateFileSystemInput, optFns ...func(*efs.Options)) (*efs.UpdateFileSystemOutput, error)
	DeleteFileSystem(ctx context.Context, params *efs.DeleteFileSystemInput, optFns ...func(*efs.Options)) (*efs.DeleteFileSystemOutput, error)
}

// FileSystem reconciles EFS file systems. The definition name is the
// creation token, which makes create idempotent on the EFS side too; the
// state ID is the fs-... identifier.
type FileSystem struct {
	client FileSystemAPI
	region string
}

// NewFileSystem returns a file system adapter. region is used for the
// mount DNS name output.
func NewFileSystem(client FileSystemAPI, region string) *FileSystem {
	return &FileSystem{client: client, region: region}
}

func (f *FileSystem) Type() string { return FileSystemType }

func (f *FileSystem) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":            mapper.To("CreationToken"),
			"performanceMode": mapper.To("PerformanceMode"),
			"throughputMode":  mapper.To("ThroughputMode"),
			"throughputMibps": mapper.To("ProvisionedThroughputInMibps"),
			"kmsKeyId":        mapper.To("KmsKeyId"),
			"backup":          mapper.To("Backup"),
			"tags":            mapper.WrapIn("Tags", mapper.Schema{"key": mapper.To("Key"), "value": mapper.To("Value")}),
		},
		Defaults: map[string]any{
			"Encrypted":       true,
			"PerformanceMode": "generalPurpose",
		},
	}
}

var fileSystemMutable = []string{"ThroughputMode", "ProvisionedThroughputInMibps"}

func (f *FileSystem) WatchedFields() []string { return fileSystemMutable }

func (f *FileSystem) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{Period: 5 * time.Second, Attempts: 24}
}

func (f *FileSystem) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	token, err := requireName(def, FileSystemType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return f.describe(ctx, &efs.DescribeFileSystemsInput{CreationToken: &token})
}

func (f *FileSystem) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &efs.CreateFileSystemInput{}
	if err := decodeInput(payload, in, "create file system"); err != nil {
		return reconcile.Remote{}, err
	}
	out, err := f.client.CreateFileSystem(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create file system")
	}
	return f.remote(typesEFS.FileSystemDescription{
		FileSystemId:   out.FileSystemId,
		FileSystemArn:  out.FileSystemArn,
		CreationToken:  out.CreationToken,
		LifeCycleState: out.LifeCycleState,
	}), nil
}

func (f *FileSystem) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	in := &efs.UpdateFileSystemInput{}
	if err := decodeInput(subset(payload, fileSystemMutable...), in, "update file system"); err != nil {
		return reconcile.Remote{}, err
	}
	in.FileSystemId = awssdk.String(state.ID)

	out, err := f.client.UpdateFileSystem(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "update file system")
	}
	return f.remote(typesEFS.FileSystemDescription{
		FileSystemId:   out.FileSystemId,
		FileSystemArn:  out.FileSystemArn,
		CreationToken:  out.CreationToken,
		LifeCycleState: out.LifeCycleState,
	}), nil
}

// Delete fails with FileSystemInUse while mount targets exist.
func (f *FileSystem) Delete(ctx context.Context, state ir.State) error {
	_, err := f.client.DeleteFileSystem(ctx, &efs.DeleteFileSystemInput{FileSystemId: awssdk.String(state.ID)})
	return classify(err, "delete file system")
}

func (f *FileSystem) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return f.describe(ctx, &efs.DescribeFileSystemsInput{FileSystemId: awssdk.String(state.ID)})
}

func (f *FileSystem) describe(ctx context.Context, in *efs.DescribeFileSystemsInput) (reconcile.Remote, bool, error) {
	out, err := f.client.DescribeFileSystems(ctx, in)
	if err != nil {
		err = classify(err, "describe file systems")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	for _, fs := range out.FileSystems {
		if fs.LifeCycleState == typesEFS.LifeCycleStateDeleted {
			continue
		}
		return f.remote(fs), true, nil
	}
	return reconcile.Remote{}, false, nil
}

func (f *FileSystem) remote(fs typesEFS.FileSystemDescription) reconcile.Remote {
	status := string(fs.LifeCycleState)
	phase := readiness.Pending
	switch fs.LifeCycleState {
	case typesEFS.LifeCycleStateAvailable:
		phase = readiness.Ready
	case typesEFS.LifeCycleStateError:
		phase = readiness.Failed
	}

	id := awssdk.ToString(fs.FileSystemId)
	outputs := map[string]any{
		"arn": awssdk.ToString(fs.FileSystemArn),
		"id":  id,
	}
	if f.region != "" && id != "" {
		outputs["dnsName"] = fmt.Sprintf("%s.efs.%s.amazonaws.com", id, f.region)
	}

	return reconcile.Remote{
		ID: id,
		Fields: map[string]any{
			"FileSystemId":   id,
			"CreationToken":  awssdk.ToString(fs.CreationToken),
			"LifeCycleState": status,
		},
		Phase:   phase,
		Status:  status,
		Outputs: outputs,
	}
}
