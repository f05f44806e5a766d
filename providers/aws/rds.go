package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	typesRDS "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/picklr-io/reconcilr/internal/secrets"
)

// DBClusterType is the registry name of the Aurora cluster adapter.
const DBClusterType = "aws.rds.DBCluster"

// DBClusterAPI is the subset of *rds.Client used by DBCluster.
type DBClusterAPI interface {
	DescribeDBClusters(ctx context.Context, params *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
	CreateDBCluster(ctx context.Context, params *rds.CreateDBClusterInput, optFns ...func(*rds.Options)) (*rds.CreateDBClusterOutput, error)
	ModifyDBCluster(ctx context.Context, params *rds.ModifyDBClusterInput, optFns ...func(*rds.Options)) (*rds.ModifyDBClusterOutput, error)
	DeleteDBCluster(ctx context.Context, params *rds.DeleteDBClusterInput, optFns ...func(*rds.Options)) (*rds.DeleteDBClusterOutput, error)
}

// DBCluster reconciles RDS database clusters.
//
// The master password is never part of the definition: "passwordSecret"
// names a secret in the store, created with a random value when
// "generatePassword" is true. Without either, RDS manages the password in
// Secrets Manager.
type DBCluster struct {
	client  DBClusterAPI
	secrets secrets.Store
}

// NewDBCluster returns a cluster adapter. store may be nil when no
// definition references a password secret.
func NewDBCluster(client DBClusterAPI, store secrets.Store) *DBCluster {
	return &DBCluster{client: client, secrets: store}
}

func (d *DBCluster) Type() string { return DBClusterType }

func (d *DBCluster) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":               mapper.To("DBClusterIdentifier"),
			"engine":             mapper.To("Engine"),
			"engineVersion":      mapper.To("EngineVersion"),
			"databaseName":       mapper.To("DatabaseName"),
			"masterUsername":     mapper.To("MasterUsername"),
			"port":               mapper.To("Port"),
			"subnetGroup":        mapper.To("DBSubnetGroupName"),
			"securityGroups":     mapper.To("VpcSecurityGroupIds").AsList().OmitEmpty(),
			"backupRetention":    mapper.To("BackupRetentionPeriod"),
			"deletionProtection": mapper.To("DeletionProtection"),
			"kmsKeyId":           mapper.To("KmsKeyId"),
			"serverless":         mapper.WrapIn("ServerlessV2ScalingConfiguration", mapper.Schema{"min": mapper.To("MinCapacity"), "max": mapper.To("MaxCapacity")}),
			"finalSnapshot":      mapper.To("FinalDBSnapshotIdentifier"),
			"tags":               mapper.WrapIn("Tags", mapper.Schema{"key": mapper.To("Key"), "value": mapper.To("Value")}),
		},
		Defaults: map[string]any{
			"Engine":             "aurora-postgresql",
			"StorageEncrypted":   true,
			"CopyTagsToSnapshot": true,
		},
	}
}

var dbClusterMutable = []string{
	"EngineVersion",
	"BackupRetentionPeriod",
	"DeletionProtection",
	"VpcSecurityGroupIds",
	"Port",
	"ServerlessV2ScalingConfiguration",
}

func (d *DBCluster) WatchedFields() []string { return dbClusterMutable }

// Aurora clusters take tens of minutes to provision.
func (d *DBCluster) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{InitialDelay: time.Minute, Period: 30 * time.Second, Attempts: 40}
}

func (d *DBCluster) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, DBClusterType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return d.read(ctx, name)
}

func (d *DBCluster) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &rds.CreateDBClusterInput{}
	if err := decodeInput(without(payload, "FinalDBSnapshotIdentifier"), in, "create db cluster"); err != nil {
		return reconcile.Remote{}, err
	}

	password, ok, err := secretValue(ctx, d.secrets, def, "passwordSecret", boolOf(def["generatePassword"]))
	if err != nil {
		return reconcile.Remote{}, err
	}
	if ok {
		in.MasterUserPassword = awssdk.String(password)
	} else {
		in.ManageMasterUserPassword = awssdk.Bool(true)
	}

	out, err := d.client.CreateDBCluster(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create db cluster")
	}
	return dbClusterRemote(out.DBCluster), nil
}

func (d *DBCluster) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	in := &rds.ModifyDBClusterInput{}
	if err := decodeInput(subset(payload, dbClusterMutable...), in, "modify db cluster"); err != nil {
		return reconcile.Remote{}, err
	}
	in.DBClusterIdentifier = awssdk.String(state.ID)
	in.ApplyImmediately = awssdk.Bool(true)

	out, err := d.client.ModifyDBCluster(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "modify db cluster")
	}
	return dbClusterRemote(out.DBCluster), nil
}

// Delete takes a final snapshot when the definition named one.
func (d *DBCluster) Delete(ctx context.Context, state ir.State) error {
	in := &rds.DeleteDBClusterInput{DBClusterIdentifier: awssdk.String(state.ID)}
	if snap, _ := state.Fields["FinalDBSnapshotIdentifier"].(string); snap != "" {
		in.FinalDBSnapshotIdentifier = awssdk.String(snap)
	} else {
		in.SkipFinalSnapshot = awssdk.Bool(true)
	}
	_, err := d.client.DeleteDBCluster(ctx, in)
	return classify(err, "delete db cluster")
}

func (d *DBCluster) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return d.read(ctx, state.ID)
}

func (d *DBCluster) read(ctx context.Context, id string) (reconcile.Remote, bool, error) {
	out, err := d.client.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{DBClusterIdentifier: &id})
	if err != nil {
		err = classify(err, "describe db clusters")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	if len(out.DBClusters) == 0 {
		return reconcile.Remote{}, false, nil
	}
	return dbClusterRemote(&out.DBClusters[0]), true, nil
}

var dbClusterFailed = map[string]bool{
	"failed":                                          true,
	"inaccessible-encryption-credentials":             true,
	"inaccessible-encryption-credentials-recoverable": true,
	"incompatible-network":                            true,
	"incompatible-parameters":                         true,
	"incompatible-restore":                            true,
}

func dbClusterRemote(c *typesRDS.DBCluster) reconcile.Remote {
	if c == nil {
		return reconcile.Remote{Phase: readiness.Pending}
	}

	status := awssdk.ToString(c.Status)
	phase := readiness.Pending
	switch {
	case status == "available":
		phase = readiness.Ready
	case dbClusterFailed[status]:
		phase = readiness.Failed
	}

	id := awssdk.ToString(c.DBClusterIdentifier)
	fields := map[string]any{
		"DBClusterIdentifier": id,
		"DBClusterArn":        awssdk.ToString(c.DBClusterArn),
		"Status":              status,
	}

	outputs := map[string]any{"arn": awssdk.ToString(c.DBClusterArn)}
	if c.Endpoint != nil {
		port := awssdk.ToInt32(c.Port)
		endpoint := awssdk.ToString(c.Endpoint)
		outputs["endpoint"] = endpoint
		outputs["port"] = port
		outputs["connectionString"] = fmt.Sprintf("%s://%s@%s:%d/%s",
			scheme(awssdk.ToString(c.Engine)), awssdk.ToString(c.MasterUsername), endpoint, port, awssdk.ToString(c.DatabaseName))
	}
	if c.ReaderEndpoint != nil {
		outputs["readerEndpoint"] = awssdk.ToString(c.ReaderEndpoint)
	}
	if c.MasterUserSecret != nil {
		outputs["masterUserSecretArn"] = awssdk.ToString(c.MasterUserSecret.SecretArn)
	}

	return reconcile.Remote{
		ID:      id,
		Fields:  fields,
		Phase:   phase,
		Status:  status,
		Outputs: outputs,
	}
}

func scheme(engine string) string {
	if strings.Contains(engine, "postgres") {
		return "postgresql"
	}
	return "mysql"
}
