package aws

import (
	"context"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	typesDynamoDB "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// TableType is the registry name of the DynamoDB table adapter.
const TableType = "aws.dynamodb.Table"

// TableAPI is the subset of *dynamodb.Client used by Table.
type TableAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTable(ctx context.Context, params *dynamodb.UpdateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
}

// Table reconciles DynamoDB tables, identified by table name.
type Table struct {
	client TableAPI
}

// NewTable returns a table adapter.
func NewTable(client TableAPI) *Table {
	return &Table{client: client}
}

func (t *Table) Type() string { return TableType }

func (t *Table) Mapping() mapper.Mapping {
	keyed := mapper.Schema{"name": mapper.To("AttributeName"), "type": mapper.To("KeyType")}
	attrs := mapper.Schema{"name": mapper.To("AttributeName"), "type": mapper.To("AttributeType")}
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":               mapper.To("TableName"),
			"billingMode":        mapper.To("BillingMode"),
			"keys":               mapper.WrapIn("KeySchema", keyed),
			"attributes":         mapper.WrapIn("AttributeDefinitions", attrs),
			"throughput":         mapper.WrapIn("ProvisionedThroughput", mapper.Schema{"read": mapper.To("ReadCapacityUnits"), "write": mapper.To("WriteCapacityUnits")}),
			"stream":             mapper.WrapIn("StreamSpecification", mapper.Schema{"enabled": mapper.To("StreamEnabled"), "viewType": mapper.To("StreamViewType")}),
			"deletionProtection": mapper.To("DeletionProtectionEnabled"),
			"tags":               mapper.WrapIn("Tags", mapper.Schema{"key": mapper.To("Key"), "value": mapper.To("Value")}),
		},
		Defaults: map[string]any{"BillingMode": string(typesDynamoDB.BillingModePayPerRequest)},
	}
}

func (t *Table) WatchedFields() []string {
	return []string{"BillingMode", "ProvisionedThroughput", "StreamSpecification", "DeletionProtectionEnabled"}
}

func (t *Table) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{InitialDelay: 5 * time.Second, Period: 5 * time.Second, Attempts: 40}
}

func (t *Table) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, TableType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return t.read(ctx, name)
}

func (t *Table) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &dynamodb.CreateTableInput{}
	if err := decodeInput(payload, in, "create table"); err != nil {
		return reconcile.Remote{}, err
	}
	out, err := t.client.CreateTable(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create table")
	}
	return tableRemote(out.TableDescription), nil
}

func (t *Table) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	in := &dynamodb.UpdateTableInput{}
	if err := decodeInput(subset(payload, t.WatchedFields()...), in, "update table"); err != nil {
		return reconcile.Remote{}, err
	}
	in.TableName = awssdk.String(state.ID)
	out, err := t.client.UpdateTable(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "update table")
	}
	return tableRemote(out.TableDescription), nil
}

func (t *Table) Delete(ctx context.Context, state ir.State) error {
	_, err := t.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: &state.ID})
	return classify(err, "delete table")
}

func (t *Table) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return t.read(ctx, state.ID)
}

func (t *Table) read(ctx context.Context, name string) (reconcile.Remote, bool, error) {
	out, err := t.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &name})
	if err != nil {
		err = classify(err, "describe table")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	if out.Table == nil {
		return reconcile.Remote{}, false, nil
	}
	return tableRemote(out.Table), true, nil
}

func tableRemote(desc *typesDynamoDB.TableDescription) reconcile.Remote {
	if desc == nil {
		return reconcile.Remote{Phase: readiness.Pending}
	}

	status := string(desc.TableStatus)
	phase := readiness.Pending
	switch desc.TableStatus {
	case typesDynamoDB.TableStatusActive:
		phase = readiness.Ready
	case typesDynamoDB.TableStatusInaccessibleEncryptionCredentials,
		typesDynamoDB.TableStatusArchiving,
		typesDynamoDB.TableStatusArchived:
		phase = readiness.Failed
	}

	name := awssdk.ToString(desc.TableName)
	fields := map[string]any{
		"TableName":   name,
		"TableArn":    awssdk.ToString(desc.TableArn),
		"TableStatus": status,
	}
	outputs := map[string]any{"arn": awssdk.ToString(desc.TableArn), "name": name}
	if desc.LatestStreamArn != nil {
		outputs["streamArn"] = awssdk.ToString(desc.LatestStreamArn)
	}

	return reconcile.Remote{
		ID:      name,
		Fields:  fields,
		Phase:   phase,
		Status:  status,
		Outputs: outputs,
	}
}
