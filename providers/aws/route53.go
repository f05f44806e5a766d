package aws

import (
	"context"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	typesRoute53 "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/google/uuid"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// HostedZoneType is the registry name of the Route 53 zone adapter.
const HostedZoneType = "aws.route53.HostedZone"

// HostedZoneAPI is the subset of *route53.Client used by HostedZone.
type HostedZoneAPI interface {
	ListHostedZonesByName(ctx context.Context, params *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
	CreateHostedZone(ctx context.Context, params *route53.CreateHostedZoneInput, optFns ...func(*route53.Options)) (*route53.CreateHostedZoneOutput, error)
	GetHostedZone(ctx context.Context, params *route53.GetHostedZoneInput, optFns ...func(*route53.Options)) (*route53.GetHostedZoneOutput, error)
	GetChange(ctx context.Context, params *route53.GetChangeInput, optFns ...func(*route53.Options)) (*route53.GetChangeOutput, error)
	UpdateHostedZoneComment(ctx context.Context, params *route53.UpdateHostedZoneCommentInput, optFns ...func(*route53.Options)) (*route53.UpdateHostedZoneCommentOutput, error)
	DeleteHostedZone(ctx context.Context, params *route53.DeleteHostedZoneInput, optFns ...func(*route53.Options)) (*route53.DeleteHostedZoneOutput, error)
}

// HostedZone reconciles Route 53 hosted zones. The natural key is the
// domain name; the identifier is the zone id without its "/hostedzone/"
// prefix. A zone is ready once its creation change is INSYNC.
type HostedZone struct {
	client HostedZoneAPI
}

// NewHostedZone returns a hosted zone adapter.
func NewHostedZone(client HostedZoneAPI) *HostedZone {
	return &HostedZone{client: client}
}

func (h *HostedZone) Type() string { return HostedZoneType }

func (h *HostedZone) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":          mapper.To("Name"),
			"config":        mapper.WrapIn("HostedZoneConfig", mapper.Schema{"comment": mapper.To("Comment"), "private": mapper.To("PrivateZone")}),
			"vpc":           mapper.WrapIn("VPC", mapper.Schema{"id": mapper.To("VPCId"), "region": mapper.To("VPCRegion")}),
			"delegationSet": mapper.To("DelegationSetId"),
		},
	}
}

func (h *HostedZone) WatchedFields() []string { return []string{"HostedZoneConfig"} }

// DNS changes propagate within a minute or two.
func (h *HostedZone) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{InitialDelay: 5 * time.Second, Period: 10 * time.Second, Attempts: 30}
}

func (h *HostedZone) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, HostedZoneType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	fqdn := fqdn(name)

	out, err := h.client.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
		DNSName:  awssdk.String(fqdn),
		MaxItems: awssdk.Int32(1),
	})
	if err != nil {
		return reconcile.Remote{}, false, classify(err, "list hosted zones")
	}
	for _, zone := range out.HostedZones {
		if awssdk.ToString(zone.Name) == fqdn {
			return h.read(ctx, zoneID(awssdk.ToString(zone.Id)), "")
		}
	}
	return reconcile.Remote{}, false, nil
}

func (h *HostedZone) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &route53.CreateHostedZoneInput{}
	if err := decodeInput(payload, in, "create hosted zone"); err != nil {
		return reconcile.Remote{}, err
	}
	in.CallerReference = awssdk.String(uuid.NewString())

	out, err := h.client.CreateHostedZone(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create hosted zone")
	}

	r := zoneRemote(out.HostedZone, out.DelegationSet)
	if out.ChangeInfo != nil {
		r.Fields["ChangeId"] = changeID(awssdk.ToString(out.ChangeInfo.Id))
		r.Status = string(out.ChangeInfo.Status)
		if out.ChangeInfo.Status != typesRoute53.ChangeStatusInsync {
			r.Phase = readiness.Pending
		}
	}
	return r, nil
}

func (h *HostedZone) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	var comment string
	if cfg, ok := payload["HostedZoneConfig"].(map[string]any); ok {
		comment, _ = cfg["Comment"].(string)
	}
	out, err := h.client.UpdateHostedZoneComment(ctx, &route53.UpdateHostedZoneCommentInput{
		Id:      awssdk.String(state.ID),
		Comment: awssdk.String(comment),
	})
	if err != nil {
		return reconcile.Remote{}, classify(err, "update hosted zone comment")
	}
	return zoneRemote(out.HostedZone, nil), nil
}

func (h *HostedZone) Delete(ctx context.Context, state ir.State) error {
	_, err := h.client.DeleteHostedZone(ctx, &route53.DeleteHostedZoneInput{Id: awssdk.String(state.ID)})
	return classify(err, "delete hosted zone")
}

func (h *HostedZone) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	change, _ := state.Fields["ChangeId"].(string)
	return h.read(ctx, state.ID, change)
}

func (h *HostedZone) read(ctx context.Context, id, change string) (reconcile.Remote, bool, error) {
	out, err := h.client.GetHostedZone(ctx, &route53.GetHostedZoneInput{Id: awssdk.String(id)})
	if err != nil {
		err = classify(err, "get hosted zone")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	r := zoneRemote(out.HostedZone, out.DelegationSet)
	if change == "" {
		return r, true, nil
	}

	ch, err := h.client.GetChange(ctx, &route53.GetChangeInput{Id: awssdk.String(change)})
	if err != nil {
		err = classify(err, "get change")
		if absent(err) {
			// Route 53 forgets changes after a while; they were applied.
			return r, true, nil
		}
		return reconcile.Remote{}, false, err
	}
	if ch.ChangeInfo != nil && ch.ChangeInfo.Status != typesRoute53.ChangeStatusInsync {
		r.Phase = readiness.Pending
		r.Status = string(ch.ChangeInfo.Status)
	}
	return r, true, nil
}

func zoneRemote(zone *typesRoute53.HostedZone, delegation *typesRoute53.DelegationSet) reconcile.Remote {
	r := reconcile.Remote{
		Fields:  map[string]any{},
		Phase:   readiness.Ready,
		Status:  string(typesRoute53.ChangeStatusInsync),
		Outputs: map[string]any{},
	}
	if zone == nil {
		return r
	}

	id := zoneID(awssdk.ToString(zone.Id))
	r.ID = id
	r.Fields["Id"] = id
	r.Fields["Name"] = awssdk.ToString(zone.Name)
	r.Outputs["zoneId"] = id
	if delegation != nil && len(delegation.NameServers) > 0 {
		r.Outputs["nameServers"] = append([]string(nil), delegation.NameServers...)
	}
	return r
}

func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

func zoneID(id string) string {
	return strings.TrimPrefix(id, "/hostedzone/")
}

func changeID(id string) string {
	return strings.TrimPrefix(id, "/change/")
}
