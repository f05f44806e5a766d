package provider

import (
	"context"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/opensearch"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/picklr-io/reconcilr/providers/aws"
	"github.com/picklr-io/reconcilr/providers/digitalocean"
	"github.com/picklr-io/reconcilr/providers/docker"
	"github.com/picklr-io/reconcilr/providers/null"
	"github.com/picklr-io/reconcilr/providers/rest"
)

// RegisterBuiltins registers every adapter shipped with reconcilr.
func RegisterBuiltins(r *Registry) {
	r.Register(null.TypeName, func(ctx context.Context, deps Deps) (reconcile.Adapter, error) {
		return null.New(), nil
	})

	registerAWS(r)
	registerDocker(r)

	for _, def := range digitalocean.Definitions(r.deps.DigitalOceanURL) {
		r.RegisterREST(def, digitalocean.Auth(""))
	}
}

// RegisterREST registers a data-driven REST adapter.
func (r *Registry) RegisterREST(def rest.Definition, auth rest.Auth) {
	r.Register(def.Name, func(ctx context.Context, deps Deps) (reconcile.Adapter, error) {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		client, cc, err := rest.Client(auth, deps.Secrets, deps.Tokens, deps.HTTP...)
		if err != nil {
			return nil, err
		}
		var opts []rest.Option
		if cc != nil {
			opts = append(opts, rest.WithReauth(cc.Invalidate))
		}
		return rest.New(def, client, opts...), nil
	})
}

func withAWS(build func(cfg awssdk.Config, deps Deps) reconcile.Adapter) Factory {
	return func(ctx context.Context, deps Deps) (reconcile.Adapter, error) {
		if deps.AWSConfig == nil {
			return nil, fault.Configurationf("AWS adapters require AWS configuration")
		}
		cfg, err := deps.AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		return build(cfg, deps), nil
	}
}

func registerAWS(r *Registry) {
	r.Register(aws.BucketType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewBucket(s3.NewFromConfig(cfg), cfg.Region)
	}))
	r.Register(aws.TableType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewTable(dynamodb.NewFromConfig(cfg))
	}))
	r.Register(aws.DBClusterType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewDBCluster(rds.NewFromConfig(cfg), deps.Secrets)
	}))
	r.Register(aws.HostedZoneType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewHostedZone(route53.NewFromConfig(cfg))
	}))
	r.Register(aws.QueueType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewQueue(sqs.NewFromConfig(cfg))
	}))
	r.Register(aws.TopicType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewTopic(sns.NewFromConfig(cfg))
	}))
	r.Register(aws.ReplicationGroupType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewReplicationGroup(elasticache.NewFromConfig(cfg), deps.Secrets)
	}))
	r.Register(aws.EKSClusterType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewEKSCluster(eks.NewFromConfig(cfg))
	}))
	r.Register(aws.WarehouseType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewWarehouse(redshift.NewFromConfig(cfg), deps.Secrets)
	}))
	r.Register(aws.SearchDomainType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewSearchDomain(opensearch.NewFromConfig(cfg))
	}))
	r.Register(aws.FileSystemType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewFileSystem(efs.NewFromConfig(cfg), cfg.Region)
	}))
	r.Register(aws.FunctionType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewFunction(lambda.NewFromConfig(cfg), "")
	}))
	r.Register(aws.StreamType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewStream(kinesis.NewFromConfig(cfg))
	}))
	r.Register(aws.LoadBalancerType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewLoadBalancer(elasticloadbalancingv2.NewFromConfig(cfg))
	}))
	r.Register(aws.EmailIdentityType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewEmailIdentity(sesv2.NewFromConfig(cfg), deps.Secrets)
	}))
	r.Register(aws.CertificateType, withAWS(func(cfg awssdk.Config, deps Deps) reconcile.Adapter {
		return aws.NewCertificate(acm.NewFromConfig(cfg))
	}))
}

func withDocker(build func(api docker.API, deps Deps) reconcile.Adapter) Factory {
	return func(ctx context.Context, deps Deps) (reconcile.Adapter, error) {
		connect := deps.Docker
		if connect == nil {
			connect = func() (docker.API, error) { return docker.Connect() }
		}
		api, err := connect()
		if err != nil {
			return nil, err
		}
		return build(api, deps), nil
	}
}

func registerDocker(r *Registry) {
	r.Register(docker.ContainerType, withDocker(func(api docker.API, deps Deps) reconcile.Adapter {
		return docker.NewContainer(api, deps.Secrets)
	}))
	r.Register(docker.NetworkType, withDocker(func(api docker.API, deps Deps) reconcile.Adapter {
		return docker.NewNetwork(api)
	}))
	r.Register(docker.VolumeType, withDocker(func(api docker.API, deps Deps) reconcile.Adapter {
		return docker.NewVolume(api)
	}))
}
