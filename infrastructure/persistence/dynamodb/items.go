package dynamodb

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"decisium-backend/domain/message"
	"decisium-backend/domain/task"
)

// Single-table key layout:
//
//	Session  PK=SESSION#<sid>  SK=META
//	Task     PK=TASK#<id>      SK=META   GSI1PK=SESSION#<sid> GSI1SK=SEQ#<seq>
//	                                     GSI2PK=PENDING GSI2SK=<created>#<id> (pending only)
//	Message  PK=USER#<uid>     SK=MSG#<created>#<id>
//	Activity PK=ACTIVITY#<day> SK=USER#<uid>
const (
	skMeta        = "META"
	pendingMarker = "PENDING"

	entitySession  = "Session"
	entityTask     = "Task"
	entityMessage  = "Message"
	entityActivity = "Activity"
)

func sessionPK(sessionID string) string { return fmt.Sprintf("SESSION#%s", sessionID) }
func taskPK(taskID string) string       { return fmt.Sprintf("TASK#%s", taskID) }
func seqSK(seq int64) string            { return fmt.Sprintf("SEQ#%010d", seq) }
func pendingSK(t *task.Task) string {
	return fmt.Sprintf("%s#%s", sortKeyTime(t.CreatedAt), t.ID)
}
func messageSK(m message.Message) string {
	return fmt.Sprintf("MSG#%s#%s", sortKeyTime(m.CreatedAt), m.ID)
}

// sortKeyLayout keeps every fraction digit so that keys compare in time order.
// RFC3339Nano trims trailing zeros and does not.
const sortKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

func sortKeyTime(t time.Time) string { return t.UTC().Format(sortKeyLayout) }

func metaKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

type sessionItem struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	EntityType    string `dynamodbav:"EntityType"`
	SessionID     string `dynamodbav:"SessionID"`
	UserID        string `dynamodbav:"UserID"`
	NextSequence  int64  `dynamodbav:"NextSequence"`
	RunningTaskID string `dynamodbav:"RunningTaskID"`
}

type taskItem struct {
	PK         string  `dynamodbav:"PK"`
	SK         string  `dynamodbav:"SK"`
	GSI1PK     string  `dynamodbav:"GSI1PK"`
	GSI1SK     string  `dynamodbav:"GSI1SK"`
	GSI2PK     string  `dynamodbav:"GSI2PK,omitempty"`
	GSI2SK     string  `dynamodbav:"GSI2SK,omitempty"`
	EntityType string  `dynamodbav:"EntityType"`
	TaskID     string  `dynamodbav:"TaskID"`
	SessionID  string  `dynamodbav:"SessionID"`
	UserID     string  `dynamodbav:"UserID"`
	Type       string  `dynamodbav:"Type"`
	Status     string  `dynamodbav:"Status"`
	Payload    string  `dynamodbav:"Payload"`
	Result     string  `dynamodbav:"Result,omitempty"`
	LastError  *string `dynamodbav:"LastError,omitempty"`
	Sequence   int64   `dynamodbav:"Sequence"`
	CreatedAt  string  `dynamodbav:"CreatedAt"`
	UpdatedAt  string  `dynamodbav:"UpdatedAt"`
}

func toTaskItem(t *task.Task) (taskItem, error) {
	payload, err := t.Payload.Encode()
	if err != nil {
		return taskItem{}, fmt.Errorf("encode payload: %w", err)
	}
	item := taskItem{
		PK:         taskPK(t.ID),
		SK:         skMeta,
		GSI1PK:     sessionPK(t.SessionID),
		GSI1SK:     seqSK(t.Sequence),
		EntityType: entityTask,
		TaskID:     t.ID,
		SessionID:  t.SessionID,
		UserID:     t.UserID,
		Type:       string(t.Type),
		Status:     string(t.Status),
		Payload:    payload,
		LastError:  t.LastError,
		Sequence:   t.Sequence,
		CreatedAt:  t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.Result != nil {
		if item.Result, err = t.Result.Encode(); err != nil {
			return taskItem{}, fmt.Errorf("encode result: %w", err)
		}
	}
	if t.Status == task.StatusPending {
		item.GSI2PK = pendingMarker
		item.GSI2SK = pendingSK(t)
	}
	return item, nil
}

func (i taskItem) toTask() (*task.Task, error) {
	t := &task.Task{
		ID:        i.TaskID,
		SessionID: i.SessionID,
		UserID:    i.UserID,
		Type:      task.Type(i.Type),
		Status:    task.Status(i.Status),
		LastError: i.LastError,
		Sequence:  i.Sequence,
	}
	var err error
	if t.Payload, err = task.DecodePayload(i.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if t.Result, err = task.DecodePayload(i.Result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, i.CreatedAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, i.UpdatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return t, nil
}

func unmarshalTask(av map[string]types.AttributeValue) (*task.Task, error) {
	var item taskItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return item.toTask()
}
