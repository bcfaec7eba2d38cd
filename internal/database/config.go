package database

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	appConfig "github.com/imyashkale/mcphost/internal/config"
	"github.com/imyashkale/mcphost/internal/logger"
)

// Config holds the DynamoDB configuration
type Config struct {
	InstancesTable string
	TypesTable     string
	Region         string
}

// Client wraps the DynamoDB client
type Client struct {
	DynamoDB *dynamodb.Client
}

// NewConfig creates a new database configuration from the application config
func NewConfig(appCfg *appConfig.Config) *Config {
	return &Config{
		InstancesTable: appCfg.DynamoDBInstancesTable,
		TypesTable:     appCfg.DynamoDBTypesTable,
		Region:         appCfg.AWSRegion,
	}
}

// NewClient creates a new DynamoDB client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	for _, table := range []string{cfg.InstancesTable, cfg.TypesTable} {
		if err := ensureTableExists(ctx, dynamoClient, table); err != nil {
			logger.Warnf("Could not verify table existence: %v", err)
		}
	}

	return &Client{DynamoDB: dynamoClient}, nil
}

// ensureTableExists checks if the DynamoDB table exists
func ensureTableExists(ctx context.Context, client *dynamodb.Client, tableName string) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		return fmt.Errorf("table %s does not exist or cannot be accessed: %w", tableName, err)
	}

	logger.WithField("table", tableName).Info("DynamoDB table verified successfully")
	return nil
}
