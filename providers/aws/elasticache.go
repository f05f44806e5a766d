package aws

import (
	"context"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	typesElastiCache "github.com/aws/aws-sdk-go-v2/service/elasticache/types"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/picklr-io/reconcilr/internal/secrets"
)

// ReplicationGroupType is the registry name of the ElastiCache adapter.
const ReplicationGroupType = "aws.elasticache.ReplicationGroup"

// ReplicationGroupAPI is the subset of *elasticache.Client used by
// ReplicationGroup.
type ReplicationGroupAPI interface {
	DescribeReplicationGroups(ctx context.Context, params *elasticache.DescribeReplicationGroupsInput, optFns ...func(*elasticache.Options)) (*elasticache.DescribeReplicationGroupsOutput, error)
	CreateReplicationGroup(ctx context.Context, params *elasticache.CreateReplicationGroupInput, optFns ...func(*elasticache.Options)) (*elasticache.CreateReplicationGroupOutput, error)
	ModifyReplicationGroup(ctx context.Context, params *elasticache.ModifyReplicationGroupInput, optFns ...func(*elasticache.Options)) (*elasticache.ModifyReplicationGroupOutput, error)
	DeleteReplicationGroup(ctx context.Context, params *elasticache.DeleteReplicationGroupInput, optFns ...func(*elasticache.Options)) (*elasticache.DeleteReplicationGroupOutput, error)
}

// ReplicationGroup reconciles Redis/Valkey replication groups. The AUTH
// token is resolved from the secret named by "authTokenSecret".
type ReplicationGroup struct {
	client  ReplicationGroupAPI
	secrets secrets.Store
}

// NewReplicationGroup returns a replication group adapter.
func NewReplicationGroup(client ReplicationGroupAPI, store secrets.Store) *ReplicationGroup {
	return &ReplicationGroup{client: client, secrets: store}
}

func (g *ReplicationGroup) Type() string { return ReplicationGroupType }

func (g *ReplicationGroup) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":              mapper.To("ReplicationGroupId"),
			"description":       mapper.To("ReplicationGroupDescription"),
			"nodeType":          mapper.To("CacheNodeType"),
			"engine":            mapper.To("Engine"),
			"engineVersion":     mapper.To("EngineVersion"),
			"replicas":          mapper.To("ReplicasPerNodeGroup"),
			"shards":            mapper.To("NumNodeGroups"),
			"port":              mapper.To("Port"),
			"subnetGroup":       mapper.To("CacheSubnetGroupName"),
			"securityGroups":    mapper.To("SecurityGroupIds").AsList().OmitEmpty(),
			"parameterGroup":    mapper.To("CacheParameterGroupName"),
			"snapshotRetention": mapper.To("SnapshotRetentionLimit"),
			"finalSnapshot":     mapper.To("FinalSnapshotIdentifier"),
			"tags":              mapper.WrapIn("Tags", mapper.Schema{"key": mapper.To("Key"), "value": mapper.To("Value")}),
		},
		Defaults: map[string]any{
			"Engine":                      "redis",
			"ReplicationGroupDescription": "managed by reconcilr",
			"AtRestEncryptionEnabled":     true,
			"TransitEncryptionEnabled":    true,
			"AutomaticFailoverEnabled":    true,
		},
	}
}

var replicationGroupMutable = []string{
	"ReplicationGroupDescription",
	"CacheNodeType",
	"EngineVersion",
	"SecurityGroupIds",
	"CacheParameterGroupName",
	"SnapshotRetentionLimit",
}

func (g *ReplicationGroup) WatchedFields() []string { return replicationGroupMutable }

func (g *ReplicationGroup) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{InitialDelay: time.Minute, Period: 30 * time.Second, Attempts: 40}
}

func (g *ReplicationGroup) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, ReplicationGroupType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return g.read(ctx, name)
}

func (g *ReplicationGroup) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &elasticache.CreateReplicationGroupInput{}
	if err := decodeInput(without(payload, "FinalSnapshotIdentifier"), in, "create replication group"); err != nil {
		return reconcile.Remote{}, err
	}

	token, ok, err := secretValue(ctx, g.secrets, def, "authTokenSecret", boolOf(def["generateAuthToken"]))
	if err != nil {
		return reconcile.Remote{}, err
	}
	if ok {
		in.AuthToken = awssdk.String(token)
	}

	out, err := g.client.CreateReplicationGroup(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create replication group")
	}
	return replicationGroupRemote(out.ReplicationGroup), nil
}

func (g *ReplicationGroup) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	in := &elasticache.ModifyReplicationGroupInput{}
	if err := decodeInput(subset(payload, replicationGroupMutable...), in, "modify replication group"); err != nil {
		return reconcile.Remote{}, err
	}
	in.ReplicationGroupId = awssdk.String(state.ID)
	in.ApplyImmediately = awssdk.Bool(true)

	out, err := g.client.ModifyReplicationGroup(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "modify replication group")
	}
	return replicationGroupRemote(out.ReplicationGroup), nil
}

func (g *ReplicationGroup) Delete(ctx context.Context, state ir.State) error {
	in := &elasticache.DeleteReplicationGroupInput{ReplicationGroupId: awssdk.String(state.ID)}
	if snap, _ := state.Fields["FinalSnapshotIdentifier"].(string); snap != "" {
		in.FinalSnapshotIdentifier = awssdk.String(snap)
	}
	_, err := g.client.DeleteReplicationGroup(ctx, in)
	return classify(err, "delete replication group")
}

func (g *ReplicationGroup) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return g.read(ctx, state.ID)
}

func (g *ReplicationGroup) read(ctx context.Context, id string) (reconcile.Remote, bool, error) {
	out, err := g.client.DescribeReplicationGroups(ctx, &elasticache.DescribeReplicationGroupsInput{ReplicationGroupId: &id})
	if err != nil {
		err = classify(err, "describe replication groups")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	if len(out.ReplicationGroups) == 0 {
		return reconcile.Remote{}, false, nil
	}
	return replicationGroupRemote(&out.ReplicationGroups[0]), true, nil
}

func replicationGroupRemote(rg *typesElastiCache.ReplicationGroup) reconcile.Remote {
	if rg == nil {
		return reconcile.Remote{Phase: readiness.Pending}
	}

	status := awssdk.ToString(rg.Status)
	phase := readiness.Pending
	switch status {
	case "available":
		phase = readiness.Ready
	case "create-failed":
		phase = readiness.Failed
	}

	id := awssdk.ToString(rg.ReplicationGroupId)
	outputs := map[string]any{"arn": awssdk.ToString(rg.ARN)}
	if rg.ConfigurationEndpoint != nil {
		outputs["configurationEndpoint"] = endpoint(rg.ConfigurationEndpoint)
	}
	if len(rg.NodeGroups) > 0 {
		ng := rg.NodeGroups[0]
		if ng.PrimaryEndpoint != nil {
			outputs["primaryEndpoint"] = endpoint(ng.PrimaryEndpoint)
		}
		if ng.ReaderEndpoint != nil {
			outputs["readerEndpoint"] = endpoint(ng.ReaderEndpoint)
		}
	}

	return reconcile.Remote{
		ID: id,
		Fields: map[string]any{
			"ReplicationGroupId": id,
			"ARN":                awssdk.ToString(rg.ARN),
			"Status":             status,
		},
		Phase:   phase,
		Status:  status,
		Outputs: outputs,
	}
}

func endpoint(e *typesElastiCache.Endpoint) string {
	return fmt.Sprintf("%s:%d", awssdk.ToString(e.Address), awssdk.ToInt32(e.Port))
}
