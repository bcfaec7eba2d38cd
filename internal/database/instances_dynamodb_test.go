package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imyashkale/mcphost/internal/models"
)

// MockDynamoClient is a mock implementation of the DynamoDB client for testing
type MockDynamoClient struct {
	getItemFunc    func(ctx context.Context, params *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	updateItemFunc func(ctx context.Context, params *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	scanFunc       func(ctx context.Context, params *dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
	transactFunc   func(ctx context.Context, params *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error)

	transactions []*dynamodb.TransactWriteItemsInput
}

func (m *MockDynamoClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, params)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *MockDynamoClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return &dynamodb.PutItemOutput{}, nil
}

func (m *MockDynamoClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.updateItemFunc != nil {
		return m.updateItemFunc(ctx, params)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *MockDynamoClient) Scan(ctx context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if m.scanFunc != nil {
		return m.scanFunc(ctx, params)
	}
	return &dynamodb.ScanOutput{}, nil
}

func (m *MockDynamoClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	m.transactions = append(m.transactions, params)
	if m.transactFunc != nil {
		return m.transactFunc(ctx, params)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// cancelledAt builds the error DynamoDB returns when item idx fails its condition
func cancelledAt(idx, total int) error {
	reasons := make([]types.CancellationReason, total)
	for i := range reasons {
		reasons[i].Code = aws.String("None")
	}
	reasons[idx].Code = aws.String("ConditionalCheckFailed")
	return &types.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled"),
		CancellationReasons: reasons,
	}
}

func putKey(t *testing.T, item types.TransactWriteItem) string {
	t.Helper()
	if item.Put == nil {
		t.Fatalf("expected a Put item, got %+v", item)
	}
	return item.Put.Item["Id"].(*types.AttributeValueMemberS).Value
}

func TestDynamoInsertWritesGuards(t *testing.T) {
	mock := &MockDynamoClient{}
	store := NewDynamoInstanceStore(mock, "McpInstances", 10)

	inst := newInstance("i-1", "u1", "figma", 2, 49160)
	if err := store.InsertInstance(context.Background(), inst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.transactions) != 1 {
		t.Fatalf("expected one transaction, got %d", len(mock.transactions))
	}
	items := mock.transactions[0].TransactItems
	if len(items) != 5 {
		t.Fatalf("expected 5 transaction items, got %d", len(items))
	}

	wantKeys := []string{"i-1", "token#mcp_i-1", "slot#u1#figma#2", "port#49160"}
	for i, want := range wantKeys {
		if got := putKey(t, items[i]); got != want {
			t.Errorf("item %d: expected key %s, got %s", i, want, got)
		}
		if aws.ToString(items[i].Put.ConditionExpression) != "attribute_not_exists(Id)" {
			t.Errorf("item %d: missing existence condition", i)
		}
	}
	if items[4].Update == nil || aws.ToString(items[4].Update.ConditionExpression) == "" {
		t.Errorf("expected a conditional counter update, got %+v", items[4])
	}
}

func TestDynamoInsertMapsConflicts(t *testing.T) {
	tests := []struct {
		name    string
		failAt  int
		wantErr error
	}{
		{"Duplicate id", 0, ErrAlreadyExists},
		{"Duplicate token", 1, ErrTokenTaken},
		{"Duplicate number", 2, ErrInstanceNumberTaken},
		{"Duplicate port", 3, ErrPortTaken},
		{"Counter at max", 4, ErrMaxInstances},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockDynamoClient{
				transactFunc: func(ctx context.Context, params *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
					return nil, cancelledAt(tt.failAt, len(params.TransactItems))
				},
			}
			store := NewDynamoInstanceStore(mock, "McpInstances", 10)

			err := store.InsertInstance(context.Background(), newInstance("i-1", "u1", "figma", 1, 49160))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDynamoInsertRejectsOutOfRangeNumber(t *testing.T) {
	mock := &MockDynamoClient{}
	store := NewDynamoInstanceStore(mock, "McpInstances", 10)

	err := store.InsertInstance(context.Background(), newInstance("i-11", "u1", "figma", 11, 49160))
	if !errors.Is(err, ErrMaxInstances) {
		t.Fatalf("expected ErrMaxInstances, got %v", err)
	}
	if len(mock.transactions) != 0 {
		t.Error("no transaction should be attempted")
	}
}

func TestDynamoInsertPassesThroughOtherErrors(t *testing.T) {
	mock := &MockDynamoClient{
		transactFunc: func(ctx context.Context, params *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, fmt.Errorf("throttled")
		},
	}
	store := NewDynamoInstanceStore(mock, "McpInstances", 10)

	err := store.InsertInstance(context.Background(), newInstance("i-1", "u1", "figma", 1, 49160))
	if err == nil || IsConflict(err) || errors.Is(err, ErrMaxInstances) {
		t.Fatalf("expected a plain error, got %v", err)
	}
}

func itemFor(t *testing.T, inst *models.Instance) map[string]types.AttributeValue {
	t.Helper()
	av, err := attributevalue.MarshalMap(toItem(inst, "{}"))
	if err != nil {
		t.Fatal(err)
	}
	return av
}

func TestDynamoDeleteChecksOwnership(t *testing.T) {
	inst := newInstance("i-1", "u1", "figma", 1, 49160)
	mock := &MockDynamoClient{
		getItemFunc: func(ctx context.Context, params *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: itemFor(t, inst)}, nil
		},
	}
	store := NewDynamoInstanceStore(mock, "McpInstances", 10)

	if err := store.DeleteInstance(context.Background(), "i-1", "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user, got %v", err)
	}
	if len(mock.transactions) != 0 {
		t.Fatal("no transaction should be attempted for another user")
	}

	if err := store.DeleteInstance(context.Background(), "i-1", "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// instance, token guard, slot guard, counter and the active port guard
	if got := len(mock.transactions[0].TransactItems); got != 5 {
		t.Errorf("expected 5 transaction items, got %d", got)
	}
}

func TestDynamoUpdateProcessClaimsPort(t *testing.T) {
	inst := newInstance("i-1", "u1", "figma", 1, 49160)
	inst.Status = models.StatusFailed
	mock := &MockDynamoClient{
		getItemFunc: func(ctx context.Context, params *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: itemFor(t, inst)}, nil
		},
		transactFunc: func(ctx context.Context, params *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, cancelledAt(1, len(params.TransactItems))
		},
	}
	store := NewDynamoInstanceStore(mock, "McpInstances", 10)

	pid := 99
	err := store.UpdateProcess(context.Background(), "i-1", &pid, models.StatusActive)
	if !errors.Is(err, ErrPortTaken) {
		t.Fatalf("expected ErrPortTaken, got %v", err)
	}
	if got := putKey(t, mock.transactions[0].TransactItems[1]); got != "port#49160" {
		t.Errorf("expected port guard, got %s", got)
	}
}

func TestDynamoUpdateMissingInstance(t *testing.T) {
	mock := &MockDynamoClient{
		updateItemFunc: func(ctx context.Context, params *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
		},
	}
	store := NewDynamoInstanceStore(mock, "McpInstances", 10)

	if err := store.MarkOAuthStatus(context.Background(), "missing", models.OAuthFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDynamoListActivePortsPaginates(t *testing.T) {
	first := newInstance("i-1", "u1", "figma", 1, 49160)
	second := newInstance("i-2", "u2", "github", 1, 49161)
	calls := 0
	mock := &MockDynamoClient{
		scanFunc: func(ctx context.Context, params *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
			calls++
			if params.ExclusiveStartKey == nil {
				return &dynamodb.ScanOutput{
					Items:            []map[string]types.AttributeValue{itemFor(t, first)},
					LastEvaluatedKey: keyOf("i-1"),
				}, nil
			}
			return &dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{itemFor(t, second)}}, nil
		},
	}
	store := NewDynamoInstanceStore(mock, "McpInstances", 10)

	ports, err := store.ListActivePorts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 scan pages, got %d", calls)
	}
	if len(ports) != 2 || ports[0] != 49160 || ports[1] != 49161 {
		t.Errorf("unexpected ports %v", ports)
	}
}
