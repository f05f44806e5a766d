package aws

import (
	"context"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	typesELB "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// LoadBalancerType is the registry name of the ELBv2 adapter.
const LoadBalancerType = "aws.elbv2.LoadBalancer"

// LoadBalancerAPI is the subset of *elasticloadbalancingv2.Client used by
// LoadBalancer.
type LoadBalancerAPI interface {
	DescribeLoadBalancers(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error)
	CreateLoadBalancer(ctx context.Context, params *elbv2.CreateLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateLoadBalancerOutput, error)
	SetSubnets(ctx context.Context, params *elbv2.SetSubnetsInput, optFns ...func(*elbv2.Options)) (*elbv2.SetSubnetsOutput, error)
	SetSecurityGroups(ctx context.Context, params *elbv2.SetSecurityGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.SetSecurityGroupsOutput, error)
	DeleteLoadBalancer(ctx context.Context, params *elbv2.DeleteLoadBalancerInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteLoadBalancerOutput, error)
}

// LoadBalancer reconciles application and network load balancers. The
// definition name is the load balancer name; the state ID is its ARN.
type LoadBalancer struct {
	client LoadBalancerAPI
}

// NewLoadBalancer returns a load balancer adapter.
func NewLoadBalancer(client LoadBalancerAPI) *LoadBalancer {
	return &LoadBalancer{client: client}
}

func (l *LoadBalancer) Type() string { return LoadBalancerType }

func (l *LoadBalancer) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":           mapper.To("Name"),
			"type":           mapper.To("Type"),
			"scheme":         mapper.To("Scheme"),
			"ipAddressType":  mapper.To("IpAddressType"),
			"subnets":        mapper.To("Subnets").AsList(),
			"securityGroups": mapper.To("SecurityGroups").AsList().OmitEmpty(),
			"tags":           mapper.WrapIn("Tags", mapper.Schema{"key": mapper.To("Key"), "value": mapper.To("Value")}),
		},
		Defaults: map[string]any{
			"Type":   "application",
			"Scheme": "internet-facing",
		},
	}
}

var loadBalancerMutable = []string{"Subnets", "SecurityGroups"}

func (l *LoadBalancer) WatchedFields() []string { return loadBalancerMutable }

func (l *LoadBalancer) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{InitialDelay: 30 * time.Second, Period: 15 * time.Second, Attempts: 40}
}

func (l *LoadBalancer) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, LoadBalancerType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return l.describe(ctx, &elbv2.DescribeLoadBalancersInput{Names: []string{name}})
}

func (l *LoadBalancer) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &elbv2.CreateLoadBalancerInput{}
	if err := decodeInput(payload, in, "create load balancer"); err != nil {
		return reconcile.Remote{}, err
	}
	out, err := l.client.CreateLoadBalancer(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create load balancer")
	}
	if len(out.LoadBalancers) > 0 {
		return loadBalancerRemote(out.LoadBalancers[0]), nil
	}
	remote, found, err := l.describe(ctx, &elbv2.DescribeLoadBalancersInput{Names: []string{awssdk.ToString(in.Name)}})
	if err != nil {
		return reconcile.Remote{}, err
	}
	if !found {
		return reconcile.Remote{}, fault.Transientf(fmt.Errorf("load balancer %s not visible after create", awssdk.ToString(in.Name)), "create load balancer")
	}
	return remote, nil
}

// Update replaces subnets and security groups that differ from the stored
// fields. Network load balancers only accept subnet additions.
func (l *LoadBalancer) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	arn := awssdk.String(state.ID)
	diff := reconcile.Changes(state.Fields, payload, loadBalancerMutable)

	if diff["Subnets"] != nil {
		in := &elbv2.SetSubnetsInput{}
		if err := decodeInput(subset(payload, "Subnets"), in, "set load balancer subnets"); err != nil {
			return reconcile.Remote{}, err
		}
		in.LoadBalancerArn = arn
		if _, err := l.client.SetSubnets(ctx, in); err != nil {
			return reconcile.Remote{}, classify(err, "set load balancer subnets")
		}
	}

	if diff["SecurityGroups"] != nil {
		in := &elbv2.SetSecurityGroupsInput{}
		if err := decodeInput(subset(payload, "SecurityGroups"), in, "set load balancer security groups"); err != nil {
			return reconcile.Remote{}, err
		}
		in.LoadBalancerArn = arn
		if in.SecurityGroups == nil {
			in.SecurityGroups = []string{}
		}
		if _, err := l.client.SetSecurityGroups(ctx, in); err != nil {
			return reconcile.Remote{}, classify(err, "set load balancer security groups")
		}
	}

	remote, found, err := l.Read(ctx, state)
	if err != nil {
		return reconcile.Remote{}, err
	}
	if !found {
		return reconcile.Remote{ID: state.ID, Phase: readiness.Pending, Status: string(typesELB.LoadBalancerStateEnumProvisioning)}, nil
	}
	return remote, nil
}

func (l *LoadBalancer) Delete(ctx context.Context, state ir.State) error {
	_, err := l.client.DeleteLoadBalancer(ctx, &elbv2.DeleteLoadBalancerInput{LoadBalancerArn: awssdk.String(state.ID)})
	return classify(err, "delete load balancer")
}

func (l *LoadBalancer) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return l.describe(ctx, &elbv2.DescribeLoadBalancersInput{LoadBalancerArns: []string{state.ID}})
}

func (l *LoadBalancer) describe(ctx context.Context, in *elbv2.DescribeLoadBalancersInput) (reconcile.Remote, bool, error) {
	out, err := l.client.DescribeLoadBalancers(ctx, in)
	if err != nil {
		err = classify(err, "describe load balancers")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	if len(out.LoadBalancers) == 0 {
		return reconcile.Remote{}, false, nil
	}
	return loadBalancerRemote(out.LoadBalancers[0]), true, nil
}

func loadBalancerRemote(lb typesELB.LoadBalancer) reconcile.Remote {
	phase := readiness.Pending
	status := string(typesELB.LoadBalancerStateEnumProvisioning)
	if lb.State != nil {
		status = string(lb.State.Code)
		switch lb.State.Code {
		case typesELB.LoadBalancerStateEnumActive, typesELB.LoadBalancerStateEnumActiveImpaired:
			phase = readiness.Ready
		case typesELB.LoadBalancerStateEnumFailed:
			phase = readiness.Failed
			if r := awssdk.ToString(lb.State.Reason); r != "" {
				status += ": " + r
			}
		}
	}

	arn := awssdk.ToString(lb.LoadBalancerArn)
	return reconcile.Remote{
		ID: arn,
		Fields: map[string]any{
			"LoadBalancerArn": arn,
			"Name":            awssdk.ToString(lb.LoadBalancerName),
			"DNSName":         awssdk.ToString(lb.DNSName),
		},
		Phase:  phase,
		Status: status,
		Outputs: map[string]any{
			"arn":                   arn,
			"dnsName":               awssdk.ToString(lb.DNSName),
			"canonicalHostedZoneId": awssdk.ToString(lb.CanonicalHostedZoneId),
		},
	}
}
