package aws

import (
	"context"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/opensearch"
	typesOpenSearch "github.com/aws/aws-sdk-go-v2/service/opensearch/types"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// SearchDomainType is the registry name of the OpenSearch adapter.
const SearchDomainType = "aws.opensearch.Domain"

// SearchDomainAPI is the subset of *opensearch.Client used by SearchDomain.
type SearchDomainAPI interface {
	DescribeDomain(ctx context.Context, params *opensearch.DescribeDomainInput, optFns ...func(*opensearch.Options)) (*opensearch.DescribeDomainOutput, error)
	CreateDomain(ctx context.Context, params *opensearch.CreateDomainInput, optFns ...func(*opensearch.Options)) (*opensearch.CreateDomainOutput, error)
	UpdateDomainConfig(ctx context.Context, params *opensearch.UpdateDomainConfigInput, optFns ...func(*opensearch.Options)) (*opensearch.UpdateDomainConfigOutput, error)
	DeleteDomain(ctx context.Context, params *opensearch.DeleteDomainInput, optFns ...func(*opensearch.Options)) (*opensearch.DeleteDomainOutput, error)
}

// SearchDomain reconciles OpenSearch Service domains. A domain is ready
// once it is created and no configuration change is processing.
type SearchDomain struct {
	client SearchDomainAPI
}

// NewSearchDomain returns a domain adapter.
func NewSearchDomain(client SearchDomainAPI) *SearchDomain {
	return &SearchDomain{client: client}
}

func (d *SearchDomain) Type() string { return SearchDomainType }

func (d *SearchDomain) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":          mapper.To("DomainName"),
			"engineVersion": mapper.To("EngineVersion"),
			"cluster": mapper.WrapIn("ClusterConfig", mapper.Schema{
				"instanceType":  mapper.To("InstanceType"),
				"instanceCount": mapper.To("InstanceCount"),
				"zoneAware":     mapper.To("ZoneAwarenessEnabled"),
			}),
			"storage": mapper.WrapIn("EBSOptions", mapper.Schema{
				"enabled": mapper.To("EBSEnabled"),
				"size":    mapper.To("VolumeSize"),
				"type":    mapper.To("VolumeType"),
			}),
			"accessPolicies": mapper.To("AccessPolicies"),
			"tags":           mapper.WrapIn("TagList", mapper.Schema{"key": mapper.To("Key"), "value": mapper.To("Value")}),
		},
		Defaults: map[string]any{
			"EncryptionAtRestOptions":     map[string]any{"Enabled": true},
			"NodeToNodeEncryptionOptions": map[string]any{"Enabled": true},
			"DomainEndpointOptions":       map[string]any{"EnforceHTTPS": true},
		},
	}
}

// Engine upgrades go through UpgradeDomain and are not reconciled.
var searchDomainMutable = []string{"ClusterConfig", "EBSOptions", "AccessPolicies"}

func (d *SearchDomain) WatchedFields() []string { return searchDomainMutable }

// Domains commonly take fifteen to thirty minutes.
func (d *SearchDomain) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{InitialDelay: 2 * time.Minute, Period: 30 * time.Second, Attempts: 60}
}

func (d *SearchDomain) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, SearchDomainType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return d.read(ctx, name)
}

func (d *SearchDomain) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &opensearch.CreateDomainInput{}
	if err := decodeInput(payload, in, "create opensearch domain"); err != nil {
		return reconcile.Remote{}, err
	}
	out, err := d.client.CreateDomain(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create opensearch domain")
	}
	return searchDomainRemote(out.DomainStatus), nil
}

func (d *SearchDomain) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	in := &opensearch.UpdateDomainConfigInput{}
	if err := decodeInput(subset(payload, searchDomainMutable...), in, "update opensearch domain"); err != nil {
		return reconcile.Remote{}, err
	}
	in.DomainName = awssdk.String(state.ID)

	if _, err := d.client.UpdateDomainConfig(ctx, in); err != nil {
		return reconcile.Remote{}, classify(err, "update opensearch domain")
	}
	remote, found, err := d.read(ctx, state.ID)
	if err != nil {
		return reconcile.Remote{}, err
	}
	if !found {
		return reconcile.Remote{ID: state.ID, Phase: readiness.Pending, Status: "processing"}, nil
	}
	return remote, nil
}

func (d *SearchDomain) Delete(ctx context.Context, state ir.State) error {
	_, err := d.client.DeleteDomain(ctx, &opensearch.DeleteDomainInput{DomainName: awssdk.String(state.ID)})
	return classify(err, "delete opensearch domain")
}

func (d *SearchDomain) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return d.read(ctx, state.ID)
}

func (d *SearchDomain) read(ctx context.Context, name string) (reconcile.Remote, bool, error) {
	out, err := d.client.DescribeDomain(ctx, &opensearch.DescribeDomainInput{DomainName: &name})
	if err != nil {
		err = classify(err, "describe opensearch domain")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	if out.DomainStatus == nil || awssdk.ToBool(out.DomainStatus.Deleted) {
		return reconcile.Remote{}, false, nil
	}
	return searchDomainRemote(out.DomainStatus), true, nil
}

func searchDomainRemote(s *typesOpenSearch.DomainStatus) reconcile.Remote {
	if s == nil {
		return reconcile.Remote{Phase: readiness.Pending}
	}

	endpoint := awssdk.ToString(s.Endpoint)
	if endpoint == "" {
		endpoint = s.Endpoints["vpc"]
	}

	var status string
	phase := readiness.Pending
	switch {
	case awssdk.ToBool(s.Deleted):
		status = "deleted"
		phase = readiness.Failed
	case !awssdk.ToBool(s.Created):
		status = "creating"
	case awssdk.ToBool(s.Processing), awssdk.ToBool(s.UpgradeProcessing):
		status = "processing"
	case endpoint == "":
		status = "awaiting endpoint"
	default:
		status = "active"
		phase = readiness.Ready
	}

	name := awssdk.ToString(s.DomainName)
	outputs := map[string]any{
		"arn":      awssdk.ToString(s.ARN),
		"domainId": awssdk.ToString(s.DomainId),
	}
	if endpoint != "" {
		outputs["endpoint"] = endpoint
		outputs["url"] = "https://" + endpoint
	}

	return reconcile.Remote{
		ID: name,
		Fields: map[string]any{
			"DomainName": name,
			"ARN":        awssdk.ToString(s.ARN),
		},
		Phase:   phase,
		Status:  status,
		Outputs: outputs,
	}
}
