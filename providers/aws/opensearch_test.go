package aws

import (
	"context"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/opensearch"
	typesOpenSearch "github.com/aws/aws-sdk-go-v2/service/opensearch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

type fakeOpenSearch struct {
	domains map[string]*typesOpenSearch.DomainStatus
	created []*opensearch.CreateDomainInput
	updated []*opensearch.UpdateDomainConfigInput
	deleted []string
}

func (f *fakeOpenSearch) DescribeDomain(ctx context.Context, in *opensearch.DescribeDomainInput, _ ...func(*opensearch.Options)) (*opensearch.DescribeDomainOutput, error) {
	d, ok := f.domains[awssdk.ToString(in.DomainName)]
	if !ok {
		return nil, apiError("ResourceNotFoundException")
	}
	return &opensearch.DescribeDomainOutput{DomainStatus: d}, nil
}

func (f *fakeOpenSearch) CreateDomain(ctx context.Context, in *opensearch.CreateDomainInput, _ ...func(*opensearch.Options)) (*opensearch.CreateDomainOutput, error) {
	f.created = append(f.created, in)
	name := awssdk.ToString(in.DomainName)
	if _, ok := f.domains[name]; ok {
		return nil, apiError("ResourceAlreadyExistsException")
	}
	d := &typesOpenSearch.DomainStatus{
		DomainName: in.DomainName,
		DomainId:   awssdk.String("123/" + name),
		ARN:        awssdk.String("arn:aws:es:eu-west-1:123:domain/" + name),
		Created:    awssdk.Bool(false),
		Processing: awssdk.Bool(true),
	}
	f.domains[name] = d
	return &opensearch.CreateDomainOutput{DomainStatus: d}, nil
}

func (f *fakeOpenSearch) UpdateDomainConfig(ctx context.Context, in *opensearch.UpdateDomainConfigInput, _ ...func(*opensearch.Options)) (*opensearch.UpdateDomainConfigOutput, error) {
	f.updated = append(f.updated, in)
	f.domains[awssdk.ToString(in.DomainName)].Processing = awssdk.Bool(true)
	return &opensearch.UpdateDomainConfigOutput{}, nil
}

func (f *fakeOpenSearch) DeleteDomain(ctx context.Context, in *opensearch.DeleteDomainInput, _ ...func(*opensearch.Options)) (*opensearch.DeleteDomainOutput, error) {
	name := awssdk.ToString(in.DomainName)
	f.deleted = append(f.deleted, name)
	f.domains[name].Deleted = awssdk.Bool(true)
	return &opensearch.DeleteDomainOutput{}, nil
}

func TestSearchDomain_Lifecycle(t *testing.T) {
	ctx := context.Background()
	api := &fakeOpenSearch{domains: map[string]*typesOpenSearch.DomainStatus{}}
	ctrl := reconcile.NewController(NewSearchDomain(api))

	def := ir.Definition{
		"name":          "logs",
		"engineVersion": "OpenSearch_2.13",
		"cluster":       map[string]any{"instanceType": "r6g.large.search", "instanceCount": 2},
		"storage":       map[string]any{"enabled": true, "size": 100, "type": "gp3"},
	}

	state, err := ctrl.Invoke(ctx, def, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	require.Len(t, api.created, 1)
	in := api.created[0]
	assert.Equal(t, typesOpenSearch.OpenSearchPartitionInstanceType("r6g.large.search"), in.ClusterConfig.InstanceType)
	assert.Equal(t, int32(100), awssdk.ToInt32(in.EBSOptions.VolumeSize))
	assert.True(t, awssdk.ToBool(in.EncryptionAtRestOptions.Enabled))
	assert.True(t, awssdk.ToBool(in.DomainEndpointOptions.EnforceHTTPS))

	// Created but still processing is not ready.
	d := api.domains["logs"]
	d.Created = awssdk.Bool(true)
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionCheckReadiness)
	assert.True(t, fault.Is(err, fault.NotReady))

	d.Processing = awssdk.Bool(false)
	d.Endpoint = awssdk.String("search-logs-abc.eu-west-1.es.amazonaws.com")
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionCheckReadiness)
	require.NoError(t, err)
	assert.True(t, state.Ready())
	assert.Equal(t, "https://search-logs-abc.eu-west-1.es.amazonaws.com", state.Outputs["url"])

	def["cluster"] = map[string]any{"instanceType": "r6g.large.search", "instanceCount": 3}
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionUpdate)
	require.NoError(t, err)
	require.Len(t, api.updated, 1)
	assert.Equal(t, int32(3), awssdk.ToInt32(api.updated[0].ClusterConfig.InstanceCount))
	assert.False(t, state.Ready())

	state, err = ctrl.Invoke(ctx, def, state, ir.ActionDelete)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
	assert.Equal(t, []string{"logs"}, api.deleted)

	// A deleted domain no longer counts as present.
	_, found, err := NewSearchDomain(api).Locate(ctx, ir.Definition{"name": "logs"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSearchDomainRemote_VPCEndpoint(t *testing.T) {
	r := searchDomainRemote(&typesOpenSearch.DomainStatus{
		DomainName: awssdk.String("private"),
		Created:    awssdk.Bool(true),
		Processing: awssdk.Bool(false),
		Endpoints:  map[string]string{"vpc": "vpc-private-abc.eu-west-1.es.amazonaws.com"},
	})
	assert.Equal(t, readiness.Ready, r.Phase)
	assert.Equal(t, "vpc-private-abc.eu-west-1.es.amazonaws.com", r.Outputs["endpoint"])
}
