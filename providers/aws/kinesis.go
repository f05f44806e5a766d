package aws

import (
	"context"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	typesKinesis "github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// StreamType is the registry name of the Kinesis adapter.
const StreamType = "aws.kinesis.Stream"

// StreamAPI is the subset of *kinesis.Client used by Stream.
type StreamAPI interface {
	DescribeStreamSummary(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error)
	CreateStream(ctx context.Context, params *kinesis.CreateStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.CreateStreamOutput, error)
	AddTagsToStream(ctx context.Context, params *kinesis.AddTagsToStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.AddTagsToStreamOutput, error)
	UpdateShardCount(ctx context.Context, params *kinesis.UpdateShardCountInput, optFns ...func(*kinesis.Options)) (*kinesis.UpdateShardCountOutput, error)
	DeleteStream(ctx context.Context, params *kinesis.DeleteStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DeleteStreamOutput, error)
}

// Stream reconciles Kinesis data streams. Tags are applied with
// AddTagsToStream after the create call.
type Stream struct {
	client StreamAPI
}

// NewStream returns a stream adapter.
func NewStream(client StreamAPI) *Stream {
	return &Stream{client: client}
}

func (s *Stream) Type() string { return StreamType }

func (s *Stream) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":     mapper.To("StreamName"),
			"shards":   mapper.To("ShardCount"),
			"capacity": mapper.WrapIn("StreamModeDetails", mapper.Schema{"mode": mapper.To("StreamMode")}),
			"tags":     mapper.To("Tags"),
		},
	}
}

var streamMutable = []string{"ShardCount"}

func (s *Stream) WatchedFields() []string { return streamMutable }

func (s *Stream) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{Period: 10 * time.Second, Attempts: 30}
}

func (s *Stream) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, StreamType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return s.read(ctx, name)
}

func (s *Stream) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &kinesis.CreateStreamInput{}
	if err := decodeInput(without(payload, "Tags"), in, "create stream"); err != nil {
		return reconcile.Remote{}, err
	}
	// On-demand streams size themselves.
	if in.StreamModeDetails != nil && in.StreamModeDetails.StreamMode == typesKinesis.StreamModeOnDemand {
		in.ShardCount = nil
	}
	if _, err := s.client.CreateStream(ctx, in); err != nil {
		return reconcile.Remote{}, classify(err, "create stream")
	}

	if tags := stringMap(payload["Tags"]); len(tags) > 0 {
		if _, err := s.client.AddTagsToStream(ctx, &kinesis.AddTagsToStreamInput{StreamName: in.StreamName, Tags: tags}); err != nil {
			return reconcile.Remote{}, classify(err, "tag stream")
		}
	}

	name := awssdk.ToString(in.StreamName)
	return reconcile.Remote{
		ID:     name,
		Fields: map[string]any{"StreamName": name},
		Phase:  readiness.Pending,
		Status: string(typesKinesis.StreamStatusCreating),
	}, nil
}

func (s *Stream) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	in := &kinesis.UpdateShardCountInput{}
	if err := decodeInput(map[string]any{"TargetShardCount": payload["ShardCount"]}, in, "update shard count"); err != nil {
		return reconcile.Remote{}, err
	}
	in.StreamName = awssdk.String(state.ID)
	in.ScalingType = typesKinesis.ScalingTypeUniformScaling
	if in.TargetShardCount == nil {
		return reconcile.Remote{}, fault.Configurationf("%s: shards cannot be removed; switch mode instead", StreamType)
	}

	if _, err := s.client.UpdateShardCount(ctx, in); err != nil {
		return reconcile.Remote{}, classify(err, "update shard count")
	}
	return reconcile.Remote{
		ID:     state.ID,
		Phase:  readiness.Pending,
		Status: string(typesKinesis.StreamStatusUpdating),
	}, nil
}

func (s *Stream) Delete(ctx context.Context, state ir.State) error {
	_, err := s.client.DeleteStream(ctx, &kinesis.DeleteStreamInput{
		StreamName:              awssdk.String(state.ID),
		EnforceConsumerDeletion: awssdk.Bool(true),
	})
	return classify(err, "delete stream")
}

func (s *Stream) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return s.read(ctx, state.ID)
}

func (s *Stream) read(ctx context.Context, name string) (reconcile.Remote, bool, error) {
	out, err := s.client.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{StreamName: &name})
	if err != nil {
		err = classify(err, "describe stream")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	sum := out.StreamDescriptionSummary
	if sum == nil || sum.StreamStatus == typesKinesis.StreamStatusDeleting {
		return reconcile.Remote{}, false, nil
	}

	status := string(sum.StreamStatus)
	phase := readiness.Pending
	if sum.StreamStatus == typesKinesis.StreamStatusActive {
		phase = readiness.Ready
	}
	id := awssdk.ToString(sum.StreamName)
	return reconcile.Remote{
		ID: id,
		Fields: map[string]any{
			"StreamName": id,
			"StreamARN":  awssdk.ToString(sum.StreamARN),
		},
		Phase:  phase,
		Status: status,
		Outputs: map[string]any{
			"arn":    awssdk.ToString(sum.StreamARN),
			"shards": awssdk.ToInt32(sum.OpenShardCount),
		},
	}, true, nil
}
