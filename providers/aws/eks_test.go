package aws

import (
	"context"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	typesEKS "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

type fakeEKS struct {
	clusters map[string]*typesEKS.Cluster
	created  []*eks.CreateClusterInput
	versions []*eks.UpdateClusterVersionInput
	configs  []*eks.UpdateClusterConfigInput
	deleted  []string
}

func newFakeEKS() *fakeEKS {
	return &fakeEKS{clusters: map[string]*typesEKS.Cluster{}}
}

func (f *fakeEKS) DescribeCluster(ctx context.Context, in *eks.DescribeClusterInput, _ ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	c, ok := f.clusters[awssdk.ToString(in.Name)]
	if !ok {
		return nil, apiError("ResourceNotFoundException")
	}
	return &eks.DescribeClusterOutput{Cluster: c}, nil
}

func (f *fakeEKS) CreateCluster(ctx context.Context, in *eks.CreateClusterInput, _ ...func(*eks.Options)) (*eks.CreateClusterOutput, error) {
	f.created = append(f.created, in)
	name := awssdk.ToString(in.Name)
	if _, ok := f.clusters[name]; ok {
		return nil, apiError("ResourceInUseException")
	}
	c := &typesEKS.Cluster{
		Name:    in.Name,
		Arn:     awssdk.String("arn:aws:eks:eu-west-1:123:cluster/" + name),
		Version: in.Version,
		Status:  typesEKS.ClusterStatusCreating,
	}
	f.clusters[name] = c
	return &eks.CreateClusterOutput{Cluster: c}, nil
}

func (f *fakeEKS) UpdateClusterVersion(ctx context.Context, in *eks.UpdateClusterVersionInput, _ ...func(*eks.Options)) (*eks.UpdateClusterVersionOutput, error) {
	f.versions = append(f.versions, in)
	c := f.clusters[awssdk.ToString(in.Name)]
	c.Version = in.Version
	c.Status = typesEKS.ClusterStatusUpdating
	return &eks.UpdateClusterVersionOutput{Update: &typesEKS.Update{Id: awssdk.String("u-1")}}, nil
}

func (f *fakeEKS) UpdateClusterConfig(ctx context.Context, in *eks.UpdateClusterConfigInput, _ ...func(*eks.Options)) (*eks.UpdateClusterConfigOutput, error) {
	f.configs = append(f.configs, in)
	f.clusters[awssdk.ToString(in.Name)].Status = typesEKS.ClusterStatusUpdating
	return &eks.UpdateClusterConfigOutput{Update: &typesEKS.Update{Id: awssdk.String("u-2")}}, nil
}

func (f *fakeEKS) DeleteCluster(ctx context.Context, in *eks.DeleteClusterInput, _ ...func(*eks.Options)) (*eks.DeleteClusterOutput, error) {
	name := awssdk.ToString(in.Name)
	f.deleted = append(f.deleted, name)
	delete(f.clusters, name)
	return &eks.DeleteClusterOutput{}, nil
}

func (f *fakeEKS) active(name string) {
	c := f.clusters[name]
	c.Status = typesEKS.ClusterStatusActive
	c.Endpoint = awssdk.String("https://ABC." + name + ".eks.amazonaws.com")
	c.CertificateAuthority = &typesEKS.Certificate{Data: awssdk.String("LS0tLS1CRUdJTg==")}
}

func TestEKSCluster_Lifecycle(t *testing.T) {
	ctx := context.Background()
	api := newFakeEKS()
	ctrl := reconcile.NewController(NewEKSCluster(api))

	def := ir.Definition{
		"name":    "platform",
		"roleArn": "arn:aws:iam::123:role/eks",
		"version": "1.30",
		"vpc": map[string]any{
			"subnets":      []any{"subnet-a", "subnet-b"},
			"publicAccess": true,
		},
		"tags": map[string]any{"team": "core"},
	}

	state, err := ctrl.Invoke(ctx, def, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.Equal(t, "platform", state.ID)
	require.Len(t, api.created, 1)
	in := api.created[0]
	assert.Equal(t, "arn:aws:iam::123:role/eks", awssdk.ToString(in.RoleArn))
	assert.Equal(t, []string{"subnet-a", "subnet-b"}, in.ResourcesVpcConfig.SubnetIds)
	assert.True(t, awssdk.ToBool(in.ResourcesVpcConfig.EndpointPublicAccess))
	assert.Equal(t, map[string]string{"team": "core"}, in.Tags)

	state, err = ctrl.Invoke(ctx, def, state, ir.ActionCheckReadiness)
	assert.True(t, fault.Is(err, fault.NotReady))

	api.active("platform")
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionCheckReadiness)
	require.NoError(t, err)
	assert.True(t, state.Ready())
	assert.Equal(t, "https://ABC.platform.eks.amazonaws.com", state.Outputs["endpoint"])
	assert.Equal(t, "LS0tLS1CRUdJTg==", state.Outputs["certificateAuthority"])

	def["version"] = "1.31"
	def["vpc"] = map[string]any{"subnets": []any{"subnet-a", "subnet-b"}, "publicAccess": false}
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionUpdate)
	require.NoError(t, err)
	require.Len(t, api.versions, 1)
	assert.Equal(t, "1.31", awssdk.ToString(api.versions[0].Version))
	require.Len(t, api.configs, 1)
	assert.False(t, awssdk.ToBool(api.configs[0].ResourcesVpcConfig.EndpointPublicAccess))
	assert.Nil(t, api.configs[0].ResourcesVpcConfig.SubnetIds, "subnets are fixed at creation")
	assert.False(t, state.Ready())

	_, err = ctrl.Invoke(ctx, def, state, ir.ActionDelete)
	require.NoError(t, err)
	assert.Equal(t, []string{"platform"}, api.deleted)
}

func TestEKSCluster_AdoptsExisting(t *testing.T) {
	api := newFakeEKS()
	api.clusters["legacy"] = &typesEKS.Cluster{Name: awssdk.String("legacy"), Status: typesEKS.ClusterStatusActive}
	ctrl := reconcile.NewController(NewEKSCluster(api))

	state, err := ctrl.Invoke(context.Background(), ir.Definition{"name": "legacy"}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.True(t, state.Existing)
	assert.Empty(t, api.created)

	_, err = ctrl.Invoke(context.Background(), ir.Definition{"name": "legacy"}, state, ir.ActionDelete)
	require.NoError(t, err)
	assert.Empty(t, api.deleted)
}

func TestEKSClusterRemote_Phases(t *testing.T) {
	tests := []struct {
		status   typesEKS.ClusterStatus
		expected readiness.Outcome
	}{
		{typesEKS.ClusterStatusCreating, readiness.Pending},
		{typesEKS.ClusterStatusUpdating, readiness.Pending},
		{typesEKS.ClusterStatusActive, readiness.Ready},
		{typesEKS.ClusterStatusFailed, readiness.Failed},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			r := eksClusterRemote(&typesEKS.Cluster{Name: awssdk.String("c"), Status: tt.status})
			assert.Equal(t, tt.expected, r.Phase)
		})
	}
}
