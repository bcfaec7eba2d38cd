package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/models"
)

// DynamoMCPTypeStore handles DynamoDB operations for the MCP type catalog
type DynamoMCPTypeStore struct {
	api       DynamoAPI
	tableName string
}

// NewDynamoMCPTypeStore creates a new catalog store over tableName
func NewDynamoMCPTypeStore(api DynamoAPI, tableName string) *DynamoMCPTypeStore {
	return &DynamoMCPTypeStore{
		api:       api,
		tableName: tableName,
	}
}

// UpsertMCPType writes a catalog entry, replacing any existing one
func (ms *DynamoMCPTypeStore) UpsertMCPType(ctx context.Context, t *models.MCPType) error {
	av, err := attributevalue.MarshalMap(t)
	if err != nil {
		return fmt.Errorf("failed to marshal MCP type: %w", err)
	}

	_, err = ms.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(ms.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert MCP type: %w", err)
	}

	logger.WithField("mcp_type_id", t.Id).Debug("MCP type upserted in DynamoDB")
	return nil
}

// GetMCPType retrieves a catalog entry by ID
func (ms *DynamoMCPTypeStore) GetMCPType(ctx context.Context, id string) (*models.MCPType, error) {
	result, err := ms.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(ms.tableName),
		Key:       keyOf(id),
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"mcp_type_id": id,
			"error":       err.Error(),
		}).Error("Failed to get MCP type from DynamoDB")
		return nil, fmt.Errorf("failed to get MCP type: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var t models.MCPType
	if err := attributevalue.UnmarshalMap(result.Item, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MCP type: %w", err)
	}
	return &t, nil
}

// ListMCPTypes returns the whole catalog ordered by ID
func (ms *DynamoMCPTypeStore) ListMCPTypes(ctx context.Context) ([]*models.MCPType, error) {
	var out []*models.MCPType
	paginator := dynamodb.NewScanPaginator(ms.api, &dynamodb.ScanInput{
		TableName: aws.String(ms.tableName),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan MCP types: %w", err)
		}
		for _, item := range page.Items {
			var t models.MCPType
			if err := attributevalue.UnmarshalMap(item, &t); err != nil {
				return nil, fmt.Errorf("failed to unmarshal MCP type: %w", err)
			}
			out = append(out, &t)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}
