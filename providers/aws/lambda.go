package aws

import (
	"context"
	"os"
	"path/filepath"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	typesLambda "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// FunctionType is the registry name of the Lambda adapter.
const FunctionType = "aws.lambda.Function"

// FunctionAPI is the subset of *lambda.Client used by Function.
type FunctionAPI interface {
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
	DeleteFunction(ctx context.Context, params *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
}

// Function reconciles Lambda functions. Code comes from "zipFile", a local
// archive read at create time, or from the "code" object (s3Bucket/s3Key or
// imageUri). Only configuration is reconciled on update; code deployments
// are out of scope.
type Function struct {
	client  FunctionAPI
	baseDir string
}

// NewFunction returns a function adapter. Relative zipFile paths resolve
// against baseDir.
func NewFunction(client FunctionAPI, baseDir string) *Function {
	return &Function{client: client, baseDir: baseDir}
}

func (f *Function) Type() string { return FunctionType }

func (f *Function) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":        mapper.To("FunctionName"),
			"role":        mapper.To("Role"),
			"runtime":     mapper.To("Runtime"),
			"handler":     mapper.To("Handler"),
			"description": mapper.To("Description"),
			"memory":      mapper.To("MemorySize"),
			"timeout":     mapper.To("Timeout"),
			"packageType": mapper.To("PackageType"),
			"environment": mapper.WrapIn("Environment", mapper.Schema{"variables": mapper.To("Variables")}),
			"code": mapper.WrapIn("Code", mapper.Schema{
				"s3Bucket": mapper.To("S3Bucket"),
				"s3Key":    mapper.To("S3Key"),
				"imageUri": mapper.To("ImageUri"),
			}),
			"tags": mapper.To("Tags"),
		},
	}
}

var functionMutable = []string{
	"Role",
	"Runtime",
	"Handler",
	"Description",
	"MemorySize",
	"Timeout",
	"Environment",
}

func (f *Function) WatchedFields() []string { return functionMutable }

func (f *Function) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{Period: 5 * time.Second, Attempts: 24}
}

func (f *Function) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, FunctionType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return f.read(ctx, name)
}

func (f *Function) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &lambda.CreateFunctionInput{}
	if err := decodeInput(payload, in, "create function"); err != nil {
		return reconcile.Remote{}, err
	}

	if path := def.String("zipFile"); path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(f.baseDir, path)
		}
		zip, err := os.ReadFile(path)
		if err != nil {
			return reconcile.Remote{}, fault.Configurationf("failed to read zipFile: %v", err)
		}
		if in.Code == nil {
			in.Code = &typesLambda.FunctionCode{}
		}
		in.Code.ZipFile = zip
	}
	if in.Code == nil {
		return reconcile.Remote{}, fault.Configurationf("%s requires zipFile or code", FunctionType)
	}

	out, err := f.client.CreateFunction(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create function")
	}
	return functionRemote(&typesLambda.FunctionConfiguration{
		FunctionName:     out.FunctionName,
		FunctionArn:      out.FunctionArn,
		Version:          out.Version,
		State:            out.State,
		StateReason:      out.StateReason,
		LastUpdateStatus: out.LastUpdateStatus,
	}), nil
}

func (f *Function) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	in := &lambda.UpdateFunctionConfigurationInput{}
	if err := decodeInput(subset(payload, functionMutable...), in, "update function configuration"); err != nil {
		return reconcile.Remote{}, err
	}
	in.FunctionName = awssdk.String(state.ID)

	out, err := f.client.UpdateFunctionConfiguration(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "update function configuration")
	}
	return functionRemote(&typesLambda.FunctionConfiguration{
		FunctionName:     out.FunctionName,
		FunctionArn:      out.FunctionArn,
		Version:          out.Version,
		State:            out.State,
		StateReason:      out.StateReason,
		LastUpdateStatus: out.LastUpdateStatus,
	}), nil
}

func (f *Function) Delete(ctx context.Context, state ir.State) error {
	_, err := f.client.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: awssdk.String(state.ID)})
	return classify(err, "delete function")
}

func (f *Function) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return f.read(ctx, state.ID)
}

func (f *Function) read(ctx context.Context, name string) (reconcile.Remote, bool, error) {
	out, err := f.client.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: &name})
	if err != nil {
		err = classify(err, "get function")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	if out.Configuration == nil {
		return reconcile.Remote{}, false, nil
	}
	return functionRemote(out.Configuration), true, nil
}

// functionRemote is ready when the function is Active and no configuration
// update is still in progress.
func functionRemote(c *typesLambda.FunctionConfiguration) reconcile.Remote {
	status := string(c.State)
	phase := readiness.Pending
	switch {
	case c.State == typesLambda.StateFailed, c.LastUpdateStatus == typesLambda.LastUpdateStatusFailed:
		phase = readiness.Failed
		if reason := awssdk.ToString(c.StateReason); reason != "" {
			status += ": " + reason
		}
	case c.State == typesLambda.StateActive && c.LastUpdateStatus != typesLambda.LastUpdateStatusInProgress:
		phase = readiness.Ready
	case c.LastUpdateStatus == typesLambda.LastUpdateStatusInProgress:
		status = "updating"
	}

	name := awssdk.ToString(c.FunctionName)
	return reconcile.Remote{
		ID: name,
		Fields: map[string]any{
			"FunctionName": name,
			"FunctionArn":  awssdk.ToString(c.FunctionArn),
		},
		Phase:  phase,
		Status: status,
		Outputs: map[string]any{
			"arn":     awssdk.ToString(c.FunctionArn),
			"version": awssdk.ToString(c.Version),
		},
	}
}
