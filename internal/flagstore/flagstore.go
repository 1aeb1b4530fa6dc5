// Package flagstore reads per-feature rollout percentages used by the engine
// decision service.
package flagstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/myhometech/email-ingest/internal/dynamo"
)

// AttrRolloutPercent holds the 0-100 rollout value on a flag item.
const AttrRolloutPercent = "rolloutPercent"

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Store reads rollout flags from the shared table.
type Store struct {
	client    DynamoDBClient
	tableName string
}

// New creates a Store.
func New(client DynamoDBClient, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
	}
}

// flagPK returns the partition key for a flag record.
func flagPK(flag string) string {
	return dynamo.PrefixFlag + flag
}

// RolloutPercent returns the rollout percentage for a flag and whether the
// flag is configured at all.
func (s *Store) RolloutPercent(ctx context.Context, flag string) (int, bool, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: flagPK(flag)},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: flagPK(flag)},
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to get flag %s: %w", flag, err)
	}
	if output.Item == nil {
		return 0, false, nil
	}

	v, ok := output.Item[AttrRolloutPercent].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false, fmt.Errorf("flag %s has no numeric %s attribute", flag, AttrRolloutPercent)
	}
	pct, err := strconv.Atoi(v.Value)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse rollout for flag %s: %w", flag, err)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true, nil
}

// Static is an in-memory flag store for tests and local runs.
type Static map[string]int

// RolloutPercent implements the decision flag-store snapshot.
func (s Static) RolloutPercent(_ context.Context, flag string) (int, bool, error) {
	pct, ok := s[flag]
	return pct, ok, nil
}
