package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/models"
)

// DynamoAPI is the subset of the DynamoDB client used by the stores.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Item kinds sharing the instances table. DynamoDB has no secondary unique
// constraints, so every unique value is claimed by a guard item written in
// the same transaction as the instance itself.
const (
	kindInstance = "instance"
	kindGuard    = "guard"
	kindCounter  = "counter"
)

func portKey(port int) string      { return "port#" + strconv.Itoa(port) }
func tokenKey(token string) string { return "token#" + token }
func slotKey(userID, mcpTypeID string, n int) string {
	return "slot#" + userID + "#" + mcpTypeID + "#" + strconv.Itoa(n)
}
func counterKey(userID, mcpTypeID string) string { return "count#" + userID + "#" + mcpTypeID }

func keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"Id": &types.AttributeValueMemberS{Value: id}}
}

// instanceItem is the DynamoDB representation of an instance record.
type instanceItem struct {
	Id               string `dynamodbav:"Id"`
	Kind             string `dynamodbav:"Kind"`
	UserId           string `dynamodbav:"UserId"`
	MCPTypeId        string `dynamodbav:"MCPTypeId"`
	InstanceNumber   int    `dynamodbav:"InstanceNumber"`
	AssignedPort     int    `dynamodbav:"AssignedPort"`
	ProcessId        *int   `dynamodbav:"ProcessId,omitempty"`
	Status           string `dynamodbav:"Status"`
	AccessToken      string `dynamodbav:"AccessToken"`
	ClientId         string `dynamodbav:"ClientId"`
	ClientSecret     string `dynamodbav:"ClientSecret"`
	OAuthAccessToken string `dynamodbav:"OAuthAccessToken"`
	RefreshToken     string `dynamodbav:"RefreshToken"`
	TokenExpiresAt   int64  `dynamodbav:"TokenExpiresAt,omitempty"`
	OAuthStatus      string `dynamodbav:"OAuthStatus"`
	CustomName       string `dynamodbav:"CustomName"`
	Config           string `dynamodbav:"Config"`
	ExpiresAt        int64  `dynamodbav:"ExpiresAt,omitempty"`
	UsageCount       int64  `dynamodbav:"UsageCount"`
	LastUsedAt       int64  `dynamodbav:"LastUsedAt,omitempty"`
	CreatedAt        int64  `dynamodbav:"CreatedAt"`
	UpdatedAt        int64  `dynamodbav:"UpdatedAt"`
}

// guardSpec pairs a guard key with the error reported when it is taken.
type guardSpec struct {
	key string
	err error
}

type guardItem struct {
	Id         string `dynamodbav:"Id"`
	Kind       string `dynamodbav:"Kind"`
	InstanceId string `dynamodbav:"InstanceId"`
}

func toItem(inst *models.Instance, cfg string) instanceItem {
	return instanceItem{
		Id:               inst.Id,
		Kind:             kindInstance,
		UserId:           inst.UserId,
		MCPTypeId:        inst.MCPTypeId,
		InstanceNumber:   inst.InstanceNumber,
		AssignedPort:     inst.AssignedPort,
		ProcessId:        inst.ProcessId,
		Status:           string(inst.Status),
		AccessToken:      inst.AccessToken,
		ClientId:         inst.ClientId,
		ClientSecret:     inst.ClientSecret,
		OAuthAccessToken: inst.OAuthAccessToken,
		RefreshToken:     inst.RefreshToken,
		TokenExpiresAt:   unixOrZero(inst.TokenExpiresAt),
		OAuthStatus:      string(inst.OAuthStatus),
		CustomName:       inst.CustomName,
		Config:           cfg,
		ExpiresAt:        unixOrZero(inst.ExpiresAt),
		UsageCount:       inst.UsageCount,
		LastUsedAt:       unixOrZero(inst.LastUsedAt),
		CreatedAt:        inst.CreatedAt.Unix(),
		UpdatedAt:        inst.UpdatedAt.Unix(),
	}
}

func (it instanceItem) toModel() (*models.Instance, error) {
	cfg, err := models.DecodeInstanceConfig(it.Config)
	if err != nil {
		return nil, err
	}
	return &models.Instance{
		Id:               it.Id,
		UserId:           it.UserId,
		MCPTypeId:        it.MCPTypeId,
		InstanceNumber:   it.InstanceNumber,
		AssignedPort:     it.AssignedPort,
		ProcessId:        it.ProcessId,
		Status:           models.InstanceStatus(it.Status),
		AccessToken:      it.AccessToken,
		ClientId:         it.ClientId,
		ClientSecret:     it.ClientSecret,
		OAuthAccessToken: it.OAuthAccessToken,
		RefreshToken:     it.RefreshToken,
		TokenExpiresAt:   timeOrNil(it.TokenExpiresAt),
		OAuthStatus:      models.OAuthStatus(it.OAuthStatus),
		CustomName:       it.CustomName,
		Config:           cfg,
		ExpiresAt:        timeOrNil(it.ExpiresAt),
		UsageCount:       it.UsageCount,
		LastUsedAt:       timeOrNil(it.LastUsedAt),
		CreatedAt:        time.Unix(it.CreatedAt, 0),
		UpdatedAt:        time.Unix(it.UpdatedAt, 0),
	}, nil
}

// DynamoInstanceStore keeps instance records in a single DynamoDB table.
type DynamoInstanceStore struct {
	api        DynamoAPI
	tableName  string
	maxPerType int
}

// NewDynamoInstanceStore creates a store over the given table.
func NewDynamoInstanceStore(api DynamoAPI, tableName string, maxPerType int) *DynamoInstanceStore {
	return &DynamoInstanceStore{
		api:        api,
		tableName:  tableName,
		maxPerType: maxPerType,
	}
}

func (s *DynamoInstanceStore) putGuard(key, instanceID string) (types.TransactWriteItem, error) {
	av, err := attributevalue.MarshalMap(guardItem{Id: key, Kind: kindGuard, InstanceId: instanceID})
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("failed to marshal guard %s: %w", key, err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(Id)"),
		},
	}, nil
}

func (s *DynamoInstanceStore) deleteItem(key string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(s.tableName),
			Key:       keyOf(key),
		},
	}
}

// InsertInstance writes the instance together with its port, token and slot
// guards and bumps the per (user, type) counter, all in one transaction.
func (s *DynamoInstanceStore) InsertInstance(ctx context.Context, inst *models.Instance) error {
	if err := inst.Config.Validate(); err != nil {
		return err
	}
	if inst.InstanceNumber < 1 || inst.InstanceNumber > s.maxPerType {
		return ErrMaxInstances
	}
	cfg, err := inst.Config.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	av, err := attributevalue.MarshalMap(toItem(inst, cfg))
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	// conflicts[i] is the error reported when item i fails its condition.
	var (
		items     []types.TransactWriteItem
		conflicts []error
	)
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(Id)"),
		},
	})
	conflicts = append(conflicts, ErrAlreadyExists)

	guards := []guardSpec{
		{tokenKey(inst.AccessToken), ErrTokenTaken},
		{slotKey(inst.UserId, inst.MCPTypeId, inst.InstanceNumber), ErrInstanceNumberTaken},
	}
	if inst.Status == models.StatusActive {
		guards = append(guards, guardSpec{portKey(inst.AssignedPort), ErrPortTaken})
	}
	for _, g := range guards {
		item, err := s.putGuard(g.key, inst.Id)
		if err != nil {
			return err
		}
		items = append(items, item)
		conflicts = append(conflicts, g.err)
	}

	items = append(items, types.TransactWriteItem{
		Update: &types.Update{
			TableName:           aws.String(s.tableName),
			Key:                 keyOf(counterKey(inst.UserId, inst.MCPTypeId)),
			UpdateExpression:    aws.String("SET N = if_not_exists(N, :zero) + :one, Kind = :kind"),
			ConditionExpression: aws.String("attribute_not_exists(N) OR N < :max"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":zero": &types.AttributeValueMemberN{Value: "0"},
				":one":  &types.AttributeValueMemberN{Value: "1"},
				":max":  &types.AttributeValueMemberN{Value: strconv.Itoa(s.maxPerType)},
				":kind": &types.AttributeValueMemberS{Value: kindCounter},
			},
		},
	})
	conflicts = append(conflicts, ErrMaxInstances)

	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if mapped := cancellationError(err, conflicts); mapped != nil {
			return mapped
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"instance_id": inst.Id,
		"port":        inst.AssignedPort,
	}).Debug("Instance written to DynamoDB")
	return nil
}

// cancellationError maps the first failed condition of a cancelled
// transaction to the matching sentinel. It returns nil if err is not a
// condition failure.
func cancellationError(err error, conflicts []error) error {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	for i, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" && i < len(conflicts) {
			return conflicts[i]
		}
	}
	return nil
}

// GetInstance returns the instance with the given id.
func (s *DynamoInstanceStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	result, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            keyOf(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var it instanceItem
	if err := attributevalue.UnmarshalMap(result.Item, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	if it.Kind != kindInstance {
		return nil, ErrNotFound
	}
	return it.toModel()
}

// GetInstanceByAccessToken follows the token guard to its instance.
func (s *DynamoInstanceStore) GetInstanceByAccessToken(ctx context.Context, token string) (*models.Instance, error) {
	guard, err := s.getGuard(ctx, tokenKey(token))
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, guard.InstanceId)
}

// AccessTokenExists reports whether token has already been issued.
func (s *DynamoInstanceStore) AccessTokenExists(ctx context.Context, token string) (bool, error) {
	_, err := s.getGuard(ctx, tokenKey(token))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *DynamoInstanceStore) getGuard(ctx context.Context, key string) (*guardItem, error) {
	result, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	var g guardItem
	if err := attributevalue.UnmarshalMap(result.Item, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal guard: %w", err)
	}
	return &g, nil
}

// ListInstancesByUser returns every instance owned by userID.
func (s *DynamoInstanceStore) ListInstancesByUser(ctx context.Context, userID string) ([]*models.Instance, error) {
	return s.scanInstances(ctx, "Kind = :kind AND UserId = :userId", map[string]types.AttributeValue{
		":kind":   &types.AttributeValueMemberS{Value: kindInstance},
		":userId": &types.AttributeValueMemberS{Value: userID},
	}, nil)
}

// ListActiveInstances returns every instance whose status is active.
func (s *DynamoInstanceStore) ListActiveInstances(ctx context.Context) ([]*models.Instance, error) {
	return s.scanInstances(ctx, "Kind = :kind AND #status = :active", map[string]types.AttributeValue{
		":kind":   &types.AttributeValueMemberS{Value: kindInstance},
		":active": &types.AttributeValueMemberS{Value: string(models.StatusActive)},
	}, map[string]string{"#status": "Status"})
}

// ListActivePorts returns the assigned ports of all active instances.
func (s *DynamoInstanceStore) ListActivePorts(ctx context.Context) ([]int, error) {
	active, err := s.ListActiveInstances(ctx)
	if err != nil {
		return nil, err
	}
	ports := make([]int, 0, len(active))
	for _, inst := range active {
		ports = append(ports, inst.AssignedPort)
	}
	return ports, nil
}

// ListInstanceNumbers returns the instance numbers in use for (user, type).
func (s *DynamoInstanceStore) ListInstanceNumbers(ctx context.Context, userID, mcpTypeID string) ([]int, error) {
	instances, err := s.scanInstances(ctx, "Kind = :kind AND UserId = :userId AND MCPTypeId = :typeId",
		map[string]types.AttributeValue{
			":kind":   &types.AttributeValueMemberS{Value: kindInstance},
			":userId": &types.AttributeValueMemberS{Value: userID},
			":typeId": &types.AttributeValueMemberS{Value: mcpTypeID},
		}, nil)
	if err != nil {
		return nil, err
	}
	numbers := make([]int, 0, len(instances))
	for _, inst := range instances {
		numbers = append(numbers, inst.InstanceNumber)
	}
	return numbers, nil
}

// CountInstances returns how many instances a user has across all types.
func (s *DynamoInstanceStore) CountInstances(ctx context.Context, userID string) (int, error) {
	instances, err := s.ListInstancesByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(instances), nil
}

// CountInstancesByType returns how many instances a user has for one type.
func (s *DynamoInstanceStore) CountInstancesByType(ctx context.Context, userID, mcpTypeID string) (int, error) {
	numbers, err := s.ListInstanceNumbers(ctx, userID, mcpTypeID)
	if err != nil {
		return 0, err
	}
	return len(numbers), nil
}

func (s *DynamoInstanceStore) scanInstances(ctx context.Context, filter string, values map[string]types.AttributeValue, names map[string]string) ([]*models.Instance, error) {
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	var out []*models.Instance
	paginator := dynamodb.NewScanPaginator(s.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instances: %w", err)
		}
		for _, item := range page.Items {
			var it instanceItem
			if err := attributevalue.UnmarshalMap(item, &it); err != nil {
				return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
			}
			inst, err := it.toModel()
			if err != nil {
				return nil, err
			}
			out = append(out, inst)
		}
	}
	return out, nil
}

// DeleteInstance removes the record owned by userID along with its guards
// and decrements the per (user, type) counter.
func (s *DynamoInstanceStore) DeleteInstance(ctx context.Context, id, userID string) error {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.UserId != userID {
		return ErrNotFound
	}

	items := []types.TransactWriteItem{
		{
			Delete: &types.Delete{
				TableName:           aws.String(s.tableName),
				Key:                 keyOf(id),
				ConditionExpression: aws.String("UserId = :userId"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":userId": &types.AttributeValueMemberS{Value: userID},
				},
			},
		},
		s.deleteItem(tokenKey(inst.AccessToken)),
		s.deleteItem(slotKey(inst.UserId, inst.MCPTypeId, inst.InstanceNumber)),
		{
			Update: &types.Update{
				TableName:           aws.String(s.tableName),
				Key:                 keyOf(counterKey(inst.UserId, inst.MCPTypeId)),
				UpdateExpression:    aws.String("SET N = N - :one"),
				ConditionExpression: aws.String("N > :zero"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":zero": &types.AttributeValueMemberN{Value: "0"},
					":one":  &types.AttributeValueMemberN{Value: "1"},
				},
			},
		},
	}
	// An inactive record no longer owns its port guard.
	if inst.Status == models.StatusActive {
		items = append(items, s.deleteItem(portKey(inst.AssignedPort)))
	}

	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if mapped := cancellationError(err, []error{ErrNotFound}); mapped != nil {
			return mapped
		}
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}

// UpdateProcess records the backing pid and status, claiming or dropping the
// port guard when the record moves into or out of the active state.
func (s *DynamoInstanceStore) UpdateProcess(ctx context.Context, id string, pid *int, status models.InstanceStatus) error {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}

	values := map[string]types.AttributeValue{
		":status":  &types.AttributeValueMemberS{Value: string(status)},
		":updated": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
	}
	expr := "SET #status = :status, UpdatedAt = :updated"
	if pid != nil {
		expr += ", ProcessId = :pid"
		values[":pid"] = &types.AttributeValueMemberN{Value: strconv.Itoa(*pid)}
	} else {
		expr += " REMOVE ProcessId"
	}

	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:                 aws.String(s.tableName),
			Key:                       keyOf(id),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       aws.String("attribute_exists(Id)"),
			ExpressionAttributeNames:  map[string]string{"#status": "Status"},
			ExpressionAttributeValues: values,
		},
	}}
	conflicts := []error{ErrNotFound}

	wasActive := inst.Status == models.StatusActive
	nowActive := status == models.StatusActive
	switch {
	case wasActive && !nowActive:
		items = append(items, s.deleteItem(portKey(inst.AssignedPort)))
	case !wasActive && nowActive:
		guard, err := s.putGuard(portKey(inst.AssignedPort), id)
		if err != nil {
			return err
		}
		items = append(items, guard)
		conflicts = append(conflicts, ErrPortTaken)
	}

	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if mapped := cancellationError(err, conflicts); mapped != nil {
			return mapped
		}
		return fmt.Errorf("failed to update process: %w", err)
	}
	return nil
}

// UpdateOAuthTokens stores a refreshed vendor token set and marks OAuth completed.
func (s *DynamoInstanceStore) UpdateOAuthTokens(ctx context.Context, id string, tokens models.OAuthTokens) error {
	values := map[string]types.AttributeValue{
		":access":  &types.AttributeValueMemberS{Value: tokens.AccessToken},
		":refresh": &types.AttributeValueMemberS{Value: tokens.RefreshToken},
		":oauth":   &types.AttributeValueMemberS{Value: string(models.OAuthCompleted)},
		":updated": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
	}
	expr := "SET OAuthAccessToken = :access, RefreshToken = :refresh, OAuthStatus = :oauth, UpdatedAt = :updated"
	if tokens.ExpiresAt != nil {
		expr += ", TokenExpiresAt = :expires"
		values[":expires"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(tokens.ExpiresAt.Unix(), 10)}
	} else {
		expr += " REMOVE TokenExpiresAt"
	}
	return s.updateExisting(ctx, id, expr, values, "oauth tokens")
}

// MarkOAuthStatus sets the OAuth status without touching the tokens.
func (s *DynamoInstanceStore) MarkOAuthStatus(ctx context.Context, id string, status models.OAuthStatus) error {
	return s.updateExisting(ctx, id, "SET OAuthStatus = :oauth, UpdatedAt = :updated", map[string]types.AttributeValue{
		":oauth":   &types.AttributeValueMemberS{Value: string(status)},
		":updated": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
	}, "oauth status")
}

// RecordUsage increments the usage counter and stamps LastUsedAt.
func (s *DynamoInstanceStore) RecordUsage(ctx context.Context, id string, at time.Time) error {
	return s.updateExisting(ctx, id, "SET UsageCount = if_not_exists(UsageCount, :zero) + :one, LastUsedAt = :at",
		map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":one":  &types.AttributeValueMemberN{Value: "1"},
			":at":   &types.AttributeValueMemberN{Value: strconv.FormatInt(at.Unix(), 10)},
		}, "usage")
}

func (s *DynamoInstanceStore) updateExisting(ctx context.Context, id, expr string, values map[string]types.AttributeValue, what string) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       keyOf(id),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(Id)"),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			logger.WithField("instance_id", id).Warn("Instance not found during update")
			return ErrNotFound
		}
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	return nil
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

func timeOrNil(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0)
	return &t
}
