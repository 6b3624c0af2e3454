package dynamodb

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"decisium-backend/domain/message"
	pkgerrors "decisium-backend/pkg/errors"
)

// MessageStore writes conversation rows plus a per-day activity marker that
// the summary cron reads to find active users.
type MessageStore struct {
	client    Client
	tableName string
	logger    *zap.Logger
}

// NewMessageStore creates a DynamoDB message store
func NewMessageStore(client Client, tableName string, logger *zap.Logger) *MessageStore {
	return &MessageStore{client: client, tableName: tableName, logger: logger}
}

type messageItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	MessageID  string `dynamodbav:"MessageID"`
	UserID     string `dynamodbav:"UserID"`
	SessionID  string `dynamodbav:"SessionID"`
	TaskID     string `dynamodbav:"TaskID,omitempty"`
	Role       string `dynamodbav:"Role"`
	Kind       string `dynamodbav:"Kind"`
	Content    string `dynamodbav:"Content"`
	CreatedAt  string `dynamodbav:"CreatedAt"`
}

type activityItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	UserID     string `dynamodbav:"UserID"`
	Day        string `dynamodbav:"Day"`
}

func userPK(userID string) string { return fmt.Sprintf("USER#%s", userID) }

func (s *MessageStore) SaveMessages(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	var items []types.TransactWriteItem
	marked := make(map[string]bool)
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}
		created := m.CreatedAt.UTC().Format(time.RFC3339Nano)
		av, err := attributevalue.MarshalMap(messageItem{
			PK:         userPK(m.UserID),
			SK:         messageSK(m),
			EntityType: entityMessage,
			MessageID:  m.ID,
			UserID:     m.UserID,
			SessionID:  m.SessionID,
			TaskID:     m.TaskID,
			Role:       string(m.Role),
			Kind:       string(m.Kind),
			Content:    m.Content,
			CreatedAt:  created,
		})
		if err != nil {
			return pkgerrors.NewDatabaseError("marshal message", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(s.tableName),
			Item:      av,
		}})

		markKey := m.Day() + "#" + m.UserID
		if marked[markKey] {
			continue
		}
		marked[markKey] = true
		act, err := attributevalue.MarshalMap(activityItem{
			PK:         fmt.Sprintf("ACTIVITY#%s", m.Day()),
			SK:         userPK(m.UserID),
			EntityType: entityActivity,
			UserID:     m.UserID,
			Day:        m.Day(),
		})
		if err != nil {
			return pkgerrors.NewDatabaseError("marshal activity", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(s.tableName),
			Item:      act,
		}})
	}

	if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return pkgerrors.NewDatabaseError("save messages", err)
	}

	s.logger.Debug("Messages saved", zap.Int("count", len(msgs)), zap.String("user_id", msgs[0].UserID))
	return nil
}

func (s *MessageStore) ListByUserDay(ctx context.Context, userID string, day time.Time) ([]message.Message, error) {
	keyExpr := expression.Key("PK").Equal(expression.Value(userPK(userID))).
		And(expression.Key("SK").BeginsWith("MSG#" + message.DayKey(day)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyExpr).Build()
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("build query", err)
	}

	var out []message.Message
	var startKey map[string]types.AttributeValue
	for {
		res, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(true),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("list messages", err)
		}
		for _, av := range res.Items {
			var item messageItem
			if err := attributevalue.UnmarshalMap(av, &item); err != nil {
				return nil, pkgerrors.NewDatabaseError("unmarshal message", err)
			}
			created, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
			if err != nil {
				return nil, pkgerrors.NewDatabaseError("parse message time", err)
			}
			out = append(out, message.Message{
				ID:        item.MessageID,
				UserID:    item.UserID,
				SessionID: item.SessionID,
				TaskID:    item.TaskID,
				Role:      message.Role(item.Role),
				Kind:      message.Kind(item.Kind),
				Content:   item.Content,
				CreatedAt: created,
			})
		}
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = res.LastEvaluatedKey
	}
}

func (s *MessageStore) ActiveUsers(ctx context.Context, day time.Time) ([]string, error) {
	keyExpr := expression.Key("PK").Equal(expression.Value(fmt.Sprintf("ACTIVITY#%s", message.DayKey(day))))
	expr, err := expression.NewBuilder().WithKeyCondition(keyExpr).Build()
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("build query", err)
	}

	var users []string
	var startKey map[string]types.AttributeValue
	for {
		res, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("active users", err)
		}
		for _, av := range res.Items {
			var item activityItem
			if err := attributevalue.UnmarshalMap(av, &item); err != nil {
				return nil, pkgerrors.NewDatabaseError("unmarshal activity", err)
			}
			users = append(users, item.UserID)
		}
		if len(res.LastEvaluatedKey) == 0 {
			return users, nil
		}
		startKey = res.LastEvaluatedKey
	}
}
