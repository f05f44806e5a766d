package aws

import (
	"context"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	typesEKS "github.com/aws/aws-sdk-go-v2/service/eks/types"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// EKSClusterType is the registry name of the EKS control plane adapter.
const EKSClusterType = "aws.eks.Cluster"

// EKSClusterAPI is the subset of *eks.Client used by EKSCluster.
type EKSClusterAPI interface {
	DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
	CreateCluster(ctx context.Context, params *eks.CreateClusterInput, optFns ...func(*eks.Options)) (*eks.CreateClusterOutput, error)
	UpdateClusterVersion(ctx context.Context, params *eks.UpdateClusterVersionInput, optFns ...func(*eks.Options)) (*eks.UpdateClusterVersionOutput, error)
	UpdateClusterConfig(ctx context.Context, params *eks.UpdateClusterConfigInput, optFns ...func(*eks.Options)) (*eks.UpdateClusterConfigOutput, error)
	DeleteCluster(ctx context.Context, params *eks.DeleteClusterInput, optFns ...func(*eks.Options)) (*eks.DeleteClusterOutput, error)
}

// EKSCluster reconciles EKS control planes. Node groups are separate
// resources and are not managed here.
type EKSCluster struct {
	client EKSClusterAPI
}

// NewEKSCluster returns a cluster adapter.
func NewEKSCluster(client EKSClusterAPI) *EKSCluster {
	return &EKSCluster{client: client}
}

func (c *EKSCluster) Type() string { return EKSClusterType }

func (c *EKSCluster) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":    mapper.To("Name"),
			"roleArn": mapper.To("RoleArn"),
			"version": mapper.To("Version"),
			"vpc": mapper.WrapIn("ResourcesVpcConfig", mapper.Schema{
				"subnets":        mapper.To("SubnetIds").AsList(),
				"securityGroups": mapper.To("SecurityGroupIds").AsList().OmitEmpty(),
				"publicAccess":   mapper.To("EndpointPublicAccess"),
				"privateAccess":  mapper.To("EndpointPrivateAccess"),
				"publicCidrs":    mapper.To("PublicAccessCidrs").AsList().OmitEmpty(),
			}),
			"network": mapper.WrapIn("KubernetesNetworkConfig", mapper.Schema{
				"serviceCidr": mapper.To("ServiceIpv4Cidr"),
				"ipFamily":    mapper.To("IpFamily"),
			}),
			"tags": mapper.To("Tags"),
		},
	}
}

var eksClusterMutable = []string{"Version", "ResourcesVpcConfig"}

func (c *EKSCluster) WatchedFields() []string { return eksClusterMutable }

// Control planes take ten to fifteen minutes.
func (c *EKSCluster) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{InitialDelay: 2 * time.Minute, Period: 30 * time.Second, Attempts: 40}
}

func (c *EKSCluster) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, EKSClusterType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return c.read(ctx, name)
}

func (c *EKSCluster) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &eks.CreateClusterInput{}
	if err := decodeInput(payload, in, "create eks cluster"); err != nil {
		return reconcile.Remote{}, err
	}
	out, err := c.client.CreateCluster(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create eks cluster")
	}
	return eksClusterRemote(out.Cluster), nil
}

// Update runs a version upgrade before an endpoint change. EKS rejects a
// second update while one is in progress; that surfaces as a conflict and
// the remaining change is applied by the next update.
func (c *EKSCluster) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	name := awssdk.String(state.ID)
	diff := reconcile.Changes(state.Fields, payload, eksClusterMutable)

	if v, ok := payload["Version"].(string); ok && v != "" && diff["Version"] != nil {
		if _, err := c.client.UpdateClusterVersion(ctx, &eks.UpdateClusterVersionInput{Name: name, Version: awssdk.String(v)}); err != nil {
			return reconcile.Remote{}, classify(err, "update eks cluster version")
		}
	}

	if vpc, ok := payload["ResourcesVpcConfig"]; ok && diff["ResourcesVpcConfig"] != nil {
		in := &eks.UpdateClusterConfigInput{}
		if err := decodeInput(map[string]any{"ResourcesVpcConfig": vpc}, in, "update eks cluster config"); err != nil {
			return reconcile.Remote{}, err
		}
		in.Name = name
		// Subnets and security groups are fixed at creation.
		if in.ResourcesVpcConfig != nil {
			in.ResourcesVpcConfig.SubnetIds = nil
			in.ResourcesVpcConfig.SecurityGroupIds = nil
		}
		if _, err := c.client.UpdateClusterConfig(ctx, in); err != nil {
			return reconcile.Remote{}, classify(err, "update eks cluster config")
		}
	}

	remote, found, err := c.read(ctx, state.ID)
	if err != nil {
		return reconcile.Remote{}, err
	}
	if !found {
		return reconcile.Remote{ID: state.ID, Phase: readiness.Pending, Status: string(typesEKS.ClusterStatusUpdating)}, nil
	}
	return remote, nil
}

func (c *EKSCluster) Delete(ctx context.Context, state ir.State) error {
	_, err := c.client.DeleteCluster(ctx, &eks.DeleteClusterInput{Name: awssdk.String(state.ID)})
	return classify(err, "delete eks cluster")
}

func (c *EKSCluster) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return c.read(ctx, state.ID)
}

func (c *EKSCluster) read(ctx context.Context, name string) (reconcile.Remote, bool, error) {
	out, err := c.client.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: &name})
	if err != nil {
		err = classify(err, "describe eks cluster")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	if out.Cluster == nil {
		return reconcile.Remote{}, false, nil
	}
	return eksClusterRemote(out.Cluster), true, nil
}

func eksClusterRemote(cl *typesEKS.Cluster) reconcile.Remote {
	if cl == nil {
		return reconcile.Remote{Phase: readiness.Pending}
	}

	status := string(cl.Status)
	phase := readiness.Pending
	switch cl.Status {
	case typesEKS.ClusterStatusActive:
		phase = readiness.Ready
	case typesEKS.ClusterStatusFailed:
		phase = readiness.Failed
	}

	name := awssdk.ToString(cl.Name)
	outputs := map[string]any{
		"arn":     awssdk.ToString(cl.Arn),
		"version": awssdk.ToString(cl.Version),
	}
	if cl.Endpoint != nil {
		outputs["endpoint"] = awssdk.ToString(cl.Endpoint)
	}
	if cl.CertificateAuthority != nil && cl.CertificateAuthority.Data != nil {
		outputs["certificateAuthority"] = awssdk.ToString(cl.CertificateAuthority.Data)
	}

	return reconcile.Remote{
		ID: name,
		Fields: map[string]any{
			"Name":   name,
			"Arn":    awssdk.ToString(cl.Arn),
			"Status": status,
		},
		Phase:   phase,
		Status:  status,
		Outputs: outputs,
	}
}
