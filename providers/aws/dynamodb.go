package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/stackd-io/stackd/internal/resource"
)

// Table provisions a DynamoDB table. Creation and deletion are genuinely
// asynchronous on the service side, so both go through the poll loop.
//
// Properties:
//
//	name (required)     - table name; changing it replaces the table
//	hash_key (required) - partition key attribute name
//	hash_key_type       - S, N, or B (default S)
//	range_key           - optional sort key attribute name
//	range_key_type      - S, N, or B (default S)
//	billing_mode        - PAY_PER_REQUEST (default) or PROVISIONED
//	read_capacity       - int, PROVISIONED mode only
//	write_capacity      - int, PROVISIONED mode only
type Table struct {
	apiErrors
	clients *Clients
}

func newTableErrors() apiErrors {
	return apiErrors{
		notFound:  []string{"ResourceNotFoundException", "TableNotFoundException"},
		conflict:  []string{"ResourceInUseException"},
		overLimit: []string{"LimitExceededException", "ProvisionedThroughputExceededException"},
	}
}

func (t *Table) Validate(ctx context.Context, req *resource.Request) error {
	if _, err := requiredString(req.Properties, "name"); err != nil {
		return err
	}
	if _, err := requiredString(req.Properties, "hash_key"); err != nil {
		return err
	}
	mode := stringProp(req.Properties, "billing_mode")
	if mode != "" && mode != "PAY_PER_REQUEST" && mode != "PROVISIONED" {
		return fmt.Errorf("billing_mode must be PAY_PER_REQUEST or PROVISIONED, got %q", mode)
	}
	if mode == "PROVISIONED" {
		if intProp(req.Properties, "read_capacity", 0) <= 0 || intProp(req.Properties, "write_capacity", 0) <= 0 {
			return fmt.Errorf("PROVISIONED billing requires read_capacity and write_capacity")
		}
	}
	return nil
}

func (t *Table) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := t.clients.ensure(ctx); err != nil {
		return nil, err
	}
	name := stringProp(req.Properties, "name")

	input := &dynamodb.CreateTableInput{
		TableName:            aws.String(name),
		AttributeDefinitions: attributeDefinitions(req.Properties),
		KeySchema:            keySchema(req.Properties),
		BillingMode:          dbtypes.BillingModePayPerRequest,
	}
	if stringProp(req.Properties, "billing_mode") == "PROVISIONED" {
		input.BillingMode = dbtypes.BillingModeProvisioned
		input.ProvisionedThroughput = &dbtypes.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(int64(intProp(req.Properties, "read_capacity", 5))),
			WriteCapacityUnits: aws.Int64(int64(intProp(req.Properties, "write_capacity", 5))),
		}
	}

	out, err := t.clients.dynamodbClient.CreateTable(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", name, err)
	}

	return &resource.Progress{
		ResourceID: name,
		Token:      name,
		Data:       map[string]string{"arn": aws.ToString(out.TableDescription.TableArn)},
	}, nil
}

func (t *Table) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	out, err := t.clients.dynamodbClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(token),
	})
	if err != nil {
		return false, err
	}
	return out.Table.TableStatus == dbtypes.TableStatusActive, nil
}

func (t *Table) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	for _, key := range []string{"name", "hash_key", "hash_key_type", "range_key", "range_key_type"} {
		if contains(changed, key) {
			return nil, resource.ErrNeedsReplacement
		}
	}
	if err := t.clients.ensure(ctx); err != nil {
		return nil, err
	}

	input := &dynamodb.UpdateTableInput{TableName: aws.String(req.ResourceID)}
	if stringProp(req.Properties, "billing_mode") == "PROVISIONED" {
		input.BillingMode = dbtypes.BillingModeProvisioned
		input.ProvisionedThroughput = &dbtypes.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(int64(intProp(req.Properties, "read_capacity", 5))),
			WriteCapacityUnits: aws.Int64(int64(intProp(req.Properties, "write_capacity", 5))),
		}
	} else {
		input.BillingMode = dbtypes.BillingModePayPerRequest
	}

	if _, err := t.clients.dynamodbClient.UpdateTable(ctx, input); err != nil {
		if t.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update table %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Token: req.ResourceID}, nil
}

func (t *Table) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return t.CheckCreateComplete(ctx, req, token)
}

func (t *Table) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := t.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := t.clients.dynamodbClient.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(req.ResourceID),
	})
	if err != nil {
		if t.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete table %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Token: req.ResourceID}, nil
}

func (t *Table) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	_, err := t.clients.dynamodbClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(token),
	})
	if err != nil {
		if t.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// HandleSnapshot takes an on-demand backup of the table.
func (t *Table) HandleSnapshot(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := t.clients.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := t.clients.dynamodbClient.CreateBackup(ctx, &dynamodb.CreateBackupInput{
		TableName:  aws.String(req.ResourceID),
		BackupName: aws.String(fmt.Sprintf("%s-%s", req.StackName, req.Name)),
	})
	if err != nil {
		if t.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to back up table %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{
		Done: true,
		Data: map[string]string{"backup_arn": aws.ToString(out.BackupDetails.BackupArn)},
	}, nil
}

func (t *Table) CheckSnapshotComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleCheck verifies the table exists and is active.
func (t *Table) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := t.clients.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := t.clients.dynamodbClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(req.ResourceID),
	})
	if err != nil {
		if t.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	if out.Table.TableStatus != dbtypes.TableStatusActive {
		return nil, fmt.Errorf("table %s is %s, expected ACTIVE", req.ResourceID, out.Table.TableStatus)
	}
	return &resource.Progress{Done: true}, nil
}

func (t *Table) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func attributeDefinitions(props map[string]any) []dbtypes.AttributeDefinition {
	defs := []dbtypes.AttributeDefinition{{
		AttributeName: aws.String(stringProp(props, "hash_key")),
		AttributeType: attributeType(stringProp(props, "hash_key_type")),
	}}
	if rk := stringProp(props, "range_key"); rk != "" {
		defs = append(defs, dbtypes.AttributeDefinition{
			AttributeName: aws.String(rk),
			AttributeType: attributeType(stringProp(props, "range_key_type")),
		})
	}
	return defs
}

func keySchema(props map[string]any) []dbtypes.KeySchemaElement {
	schema := []dbtypes.KeySchemaElement{{
		AttributeName: aws.String(stringProp(props, "hash_key")),
		KeyType:       dbtypes.KeyTypeHash,
	}}
	if rk := stringProp(props, "range_key"); rk != "" {
		schema = append(schema, dbtypes.KeySchemaElement{
			AttributeName: aws.String(rk),
			KeyType:       dbtypes.KeyTypeRange,
		})
	}
	return schema
}

func attributeType(s string) dbtypes.ScalarAttributeType {
	switch s {
	case "N":
		return dbtypes.ScalarAttributeTypeN
	case "B":
		return dbtypes.ScalarAttributeTypeB
	default:
		return dbtypes.ScalarAttributeTypeS
	}
}
