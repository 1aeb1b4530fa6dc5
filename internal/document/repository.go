package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/myhometech/email-ingest/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrPutFailed = errors.New("document write failed")
	ErrNotFound  = errors.New("document not found")
	ErrUnmarshal = errors.New("document unmarshal failed")
)

// Item attributes beyond the table keys.
const (
	AttrDocument   = "document"
	AttrTenantID   = "tenantId"
	AttrDocumentID = "documentId"
)

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Repository handles document storage operations.
type Repository struct {
	client    DynamoDBClient
	tableName string
}

// NewRepository creates a new Repository.
func NewRepository(client DynamoDBClient, tableName string) *Repository {
	return &Repository{
		client:    client,
		tableName: tableName,
	}
}

// CreateDocument persists a document record. Documents are content-addressed,
// so writing the same content twice is a no-op rather than an error.
func (r *Repository) CreateDocument(ctx context.Context, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPutFailed, err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			dynamo.AttrPK:     &types.AttributeValueMemberS{Value: doc.PK()},
			dynamo.AttrSK:     &types.AttributeValueMemberS{Value: doc.SK()},
			dynamo.AttrLSI1SK: &types.AttributeValueMemberS{Value: doc.LSI1SK()},
			AttrTenantID:      &types.AttributeValueMemberS{Value: doc.TenantID},
			AttrDocumentID:    &types.AttributeValueMemberS{Value: doc.DocumentID},
			AttrDocument:      &types.AttributeValueMemberS{Value: string(body)},
		},
		ConditionExpression: aws.String("attribute_not_exists(pk) AND attribute_not_exists(sk)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			// Identical content already stored for this tenant.
			return nil
		}
		return fmt.Errorf("%w: %v", ErrPutFailed, err)
	}
	return nil
}

// GetDocument fetches a document by tenant and document id.
func (r *Repository) GetDocument(ctx context.Context, tenantID, documentID string) (*Document, error) {
	probe := &Document{TenantID: tenantID, DocumentID: documentID}
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: probe.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: probe.SK()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if output.Item == nil {
		return nil, ErrNotFound
	}

	raw, ok := output.Item[AttrDocument].(*types.AttributeValueMemberS)
	if !ok {
		return nil, ErrUnmarshal
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw.Value), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnmarshal, err)
	}
	return &doc, nil
}

// ListDocuments returns a tenant's documents newest first, up to limit.
func (r *Repository) ListDocuments(ctx context.Context, tenantID string, limit int32) ([]*Document, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(dynamo.IndexLSI1),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: dynamo.PrefixTenant + tenantID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	docs := make([]*Document, 0, len(output.Items))
	for _, item := range output.Items {
		raw, ok := item[AttrDocument].(*types.AttributeValueMemberS)
		if !ok {
			return nil, ErrUnmarshal
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw.Value), &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnmarshal, err)
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}
