package aws

import (
	"context"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	typesRedshift "github.com/aws/aws-sdk-go-v2/service/redshift/types"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/picklr-io/reconcilr/internal/secrets"
)

// WarehouseType is the registry name of the Redshift cluster adapter.
const WarehouseType = "aws.redshift.Cluster"

// WarehouseAPI is the subset of *redshift.Client used by Warehouse.
type WarehouseAPI interface {
	DescribeClusters(ctx context.Context, params *redshift.DescribeClustersInput, optFns ...func(*redshift.Options)) (*redshift.DescribeClustersOutput, error)
	CreateCluster(ctx context.Context, params *redshift.CreateClusterInput, optFns ...func(*redshift.Options)) (*redshift.CreateClusterOutput, error)
	ModifyCluster(ctx context.Context, params *redshift.ModifyClusterInput, optFns ...func(*redshift.Options)) (*redshift.ModifyClusterOutput, error)
	DeleteCluster(ctx context.Context, params *redshift.DeleteClusterInput, optFns ...func(*redshift.Options)) (*redshift.DeleteClusterOutput, error)
}

// Warehouse reconciles Redshift provisioned clusters. Passwords follow the
// DBCluster rules: "passwordSecret" names a stored secret, otherwise
// Redshift manages the password.
type Warehouse struct {
	client  WarehouseAPI
	secrets secrets.Store
}

// NewWarehouse returns a Redshift adapter.
func NewWarehouse(client WarehouseAPI, store secrets.Store) *Warehouse {
	return &Warehouse{client: client, secrets: store}
}

func (w *Warehouse) Type() string { return WarehouseType }

func (w *Warehouse) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":               mapper.To("ClusterIdentifier"),
			"nodeType":           mapper.To("NodeType"),
			"clusterType":        mapper.To("ClusterType"),
			"nodes":              mapper.To("NumberOfNodes"),
			"databaseName":       mapper.To("DBName"),
			"masterUsername":     mapper.To("MasterUsername"),
			"port":               mapper.To("Port"),
			"subnetGroup":        mapper.To("ClusterSubnetGroupName"),
			"securityGroups":     mapper.To("VpcSecurityGroupIds").AsList().OmitEmpty(),
			"snapshotRetention":  mapper.To("AutomatedSnapshotRetentionPeriod"),
			"publiclyAccessible": mapper.To("PubliclyAccessible"),
			"kmsKeyId":           mapper.To("KmsKeyId"),
			"finalSnapshot":      mapper.To("FinalClusterSnapshotIdentifier"),
			"tags":               mapper.WrapIn("Tags", mapper.Schema{"key": mapper.To("Key"), "value": mapper.To("Value")}),
		},
		Defaults: map[string]any{
			"ClusterType":        "single-node",
			"Encrypted":          true,
			"PubliclyAccessible": false,
		},
	}
}

var warehouseMutable = []string{
	"NodeType",
	"ClusterType",
	"NumberOfNodes",
	"VpcSecurityGroupIds",
	"AutomatedSnapshotRetentionPeriod",
	"PubliclyAccessible",
}

func (w *Warehouse) WatchedFields() []string { return warehouseMutable }

func (w *Warehouse) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{InitialDelay: time.Minute, Period: 30 * time.Second, Attempts: 40}
}

func (w *Warehouse) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, WarehouseType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return w.read(ctx, name)
}

func (w *Warehouse) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &redshift.CreateClusterInput{}
	if err := decodeInput(without(payload, "FinalClusterSnapshotIdentifier"), in, "create redshift cluster"); err != nil {
		return reconcile.Remote{}, err
	}

	password, ok, err := secretValue(ctx, w.secrets, def, "passwordSecret", boolOf(def["generatePassword"]))
	if err != nil {
		return reconcile.Remote{}, err
	}
	if ok {
		in.MasterUserPassword = awssdk.String(password)
	} else {
		in.ManageMasterPassword = awssdk.Bool(true)
	}

	out, err := w.client.CreateCluster(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create redshift cluster")
	}
	return warehouseRemote(out.Cluster), nil
}

func (w *Warehouse) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	in := &redshift.ModifyClusterInput{}
	if err := decodeInput(subset(payload, warehouseMutable...), in, "modify redshift cluster"); err != nil {
		return reconcile.Remote{}, err
	}
	in.ClusterIdentifier = awssdk.String(state.ID)

	out, err := w.client.ModifyCluster(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "modify redshift cluster")
	}
	return warehouseRemote(out.Cluster), nil
}

func (w *Warehouse) Delete(ctx context.Context, state ir.State) error {
	in := &redshift.DeleteClusterInput{ClusterIdentifier: awssdk.String(state.ID)}
	if snap, _ := state.Fields["FinalClusterSnapshotIdentifier"].(string); snap != "" {
		in.FinalClusterSnapshotIdentifier = awssdk.String(snap)
	} else {
		in.SkipFinalClusterSnapshot = awssdk.Bool(true)
	}
	_, err := w.client.DeleteCluster(ctx, in)
	return classify(err, "delete redshift cluster")
}

func (w *Warehouse) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return w.read(ctx, state.ID)
}

func (w *Warehouse) read(ctx context.Context, id string) (reconcile.Remote, bool, error) {
	out, err := w.client.DescribeClusters(ctx, &redshift.DescribeClustersInput{ClusterIdentifier: &id})
	if err != nil {
		err = classify(err, "describe redshift clusters")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	if len(out.Clusters) == 0 {
		return reconcile.Remote{}, false, nil
	}
	return warehouseRemote(&out.Clusters[0]), true, nil
}

var warehouseFailed = map[string]bool{
	"failed":                  true,
	"hardware-failure":        true,
	"incompatible-hsm":        true,
	"incompatible-network":    true,
	"incompatible-parameters": true,
	"incompatible-restore":    true,
	"storage-full":            true,
}

func warehouseRemote(c *typesRedshift.Cluster) reconcile.Remote {
	if c == nil {
		return reconcile.Remote{Phase: readiness.Pending}
	}

	status := awssdk.ToString(c.ClusterStatus)
	phase := readiness.Pending
	switch {
	case status == "available":
		phase = readiness.Ready
	case warehouseFailed[status]:
		phase = readiness.Failed
	}

	id := awssdk.ToString(c.ClusterIdentifier)
	outputs := map[string]any{"namespaceArn": awssdk.ToString(c.ClusterNamespaceArn)}
	if c.Endpoint != nil && c.Endpoint.Address != nil {
		host := awssdk.ToString(c.Endpoint.Address)
		port := awssdk.ToInt32(c.Endpoint.Port)
		outputs["endpoint"] = host
		outputs["port"] = port
		outputs["jdbcUrl"] = fmt.Sprintf("jdbc:redshift://%s:%d/%s", host, port, awssdk.ToString(c.DBName))
	}
	if c.MasterPasswordSecretArn != nil {
		outputs["masterPasswordSecretArn"] = awssdk.ToString(c.MasterPasswordSecretArn)
	}

	return reconcile.Remote{
		ID: id,
		Fields: map[string]any{
			"ClusterIdentifier": id,
			"ClusterStatus":     status,
		},
		Phase:   phase,
		Status:  status,
		Outputs: outputs,
	}
}
