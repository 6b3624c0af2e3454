// Package websocket pushes task status changes to the owner's open API
// Gateway websocket connections.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	apigwtypes "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"decisium-backend/application/ports"
	"decisium-backend/domain/task"
)

// EventTaskChanged is the message type clients receive
const EventTaskChanged = "task.changed"

const (
	userPrefix = "USER#"
	connPrefix = "CONN#"
)

// ConnectionStore is the DynamoDB surface used for the connections table
type ConnectionStore interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Poster delivers frames to a connection
type Poster interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// Message is the frame written to the socket
type Message struct {
	Type      string     `json:"type"`
	Timestamp int64      `json:"timestamp"`
	Data      *task.Task `json:"data"`
}

// Notifier implements ports.TaskObserver
type Notifier struct {
	connections *Connections
	poster      Poster
	timeout     time.Duration
	logger      *zap.Logger
}

var _ ports.TaskObserver = (*Notifier)(nil)

// NewPoster creates an API Gateway management client for a websocket stage
// endpoint such as "abc123.execute-api.us-east-1.amazonaws.com/prod".
func NewPoster(cfg aws.Config, endpoint string) *apigatewaymanagementapi.Client {
	if !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
}

// NewNotifier creates a notifier
func NewNotifier(connections *Connections, poster Poster, logger *zap.Logger) *Notifier {
	return &Notifier{
		connections: connections,
		poster:      poster,
		timeout:     3 * time.Second,
		logger:      logger,
	}
}

// TaskChanged sends the task to every connection of its owner. Delivery
// problems are logged and never reach the caller.
func (n *Notifier) TaskChanged(ctx context.Context, t *task.Task) {
	if t == nil || t.UserID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	logger := n.logger.With(
		zap.String("task_id", t.ID),
		zap.String("session_id", t.SessionID),
		zap.String("status", string(t.Status)),
	)

	ids, err := n.connections.ForUser(ctx, t.UserID)
	if err != nil {
		logger.Warn("Failed to look up websocket connections", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	frame, err := json.Marshal(Message{Type: EventTaskChanged, Timestamp: time.Now().Unix(), Data: t})
	if err != nil {
		logger.Error("Failed to encode task notification", zap.Error(err))
		return
	}

	sent := 0
	for _, id := range ids {
		_, err := n.poster.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
			ConnectionId: aws.String(id),
			Data:         frame,
		})
		if err == nil {
			sent++
			continue
		}

		var gone *apigwtypes.GoneException
		if errors.As(err, &gone) {
			if err := n.connections.Remove(ctx, t.UserID, id); err != nil {
				logger.Warn("Failed to remove stale connection", zap.String("connection_id", id), zap.Error(err))
			}
			continue
		}
		logger.Warn("Failed to push task notification", zap.String("connection_id", id), zap.Error(err))
	}

	logger.Debug("Task notification pushed", zap.Int("connections", len(ids)), zap.Int("sent", sent))
}

// Connections maps users to their websocket connection ids. Items use
// PK=USER#<user>, SK=CONN#<connection> with the reverse pair in GSI1 for
// disconnect lookups.
type Connections struct {
	client    ConnectionStore
	table     string
	indexName string
	ttl       time.Duration
	now       func() time.Time
}

// NewConnections creates a connections table accessor
func NewConnections(client ConnectionStore, table, indexName string) *Connections {
	return &Connections{client: client, table: table, indexName: indexName, ttl: 2 * time.Hour, now: time.Now}
}

// Add records a connection. Items expire after two hours.
func (c *Connections) Add(ctx context.Context, userID, connectionID string) error {
	pk, sk := userPrefix+userID, connPrefix+connectionID
	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item: map[string]types.AttributeValue{
			"PK":       &types.AttributeValueMemberS{Value: pk},
			"SK":       &types.AttributeValueMemberS{Value: sk},
			"GSI1PK":   &types.AttributeValueMemberS{Value: sk},
			"GSI1SK":   &types.AttributeValueMemberS{Value: pk},
			"expireAt": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", c.now().Add(c.ttl).Unix())},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

// ForUser lists the user's connection ids
func (c *Connections) ForUser(ctx context.Context, userID string) ([]string, error) {
	out, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :conn)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: userPrefix + userID},
			":conn": &types.AttributeValueMemberS{Value: connPrefix},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}

	ids := make([]string, 0, len(out.Items))
	for _, item := range out.Items {
		if sk, ok := item["SK"].(*types.AttributeValueMemberS); ok {
			ids = append(ids, strings.TrimPrefix(sk.Value, connPrefix))
		}
	}
	return ids, nil
}

// Remove deletes one connection of a user
func (c *Connections) Remove(ctx context.Context, userID, connectionID string) error {
	_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPrefix + userID},
			"SK": &types.AttributeValueMemberS{Value: connPrefix + connectionID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

// RemoveByConnection deletes a connection when only its id is known, as on
// $disconnect.
func (c *Connections) RemoveByConnection(ctx context.Context, connectionID string) error {
	out, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		IndexName:              aws.String(c.indexName),
		KeyConditionExpression: aws.String("GSI1PK = :conn"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":conn": &types.AttributeValueMemberS{Value: connPrefix + connectionID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to find connection: %w", err)
	}

	for _, item := range out.Items {
		pk, ok := item["GSI1SK"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		if err := c.Remove(ctx, strings.TrimPrefix(pk.Value, userPrefix), connectionID); err != nil {
			return err
		}
	}
	return nil
}
