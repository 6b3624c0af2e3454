package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"decisium-backend/domain/task"
	pkgerrors "decisium-backend/pkg/errors"
)

// Client is the subset of the DynamoDB API the stores use.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// maxSequenceRetries bounds retries when two writers race for the same
// session sequence number.
const maxSequenceRetries = 5

// TaskStore implements ports.TaskStore on a single DynamoDB table.
// Every transition is a TransactWriteItems call guarded by condition
// expressions on the task status and the session's running slot.
type TaskStore struct {
	client    Client
	tableName string
	gsi1      string
	gsi2      string
	logger    *zap.Logger
	now       func() time.Time
}

// NewTaskStore creates a DynamoDB task store
func NewTaskStore(client Client, tableName, gsi1, gsi2 string, logger *zap.Logger) *TaskStore {
	return &TaskStore{
		client:    client,
		tableName: tableName,
		gsi1:      gsi1,
		gsi2:      gsi2,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func isTxCanceled(err error) bool {
	var tce *types.TransactionCanceledException
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &tce) || errors.As(err, &ccf)
}

func (s *TaskStore) getSession(ctx context.Context, sessionID string) (*sessionItem, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            metaKey(sessionPK(sessionID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("get session", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var item sessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, pkgerrors.NewDatabaseError("unmarshal session", err)
	}
	return &item, nil
}

// sessionAdvance builds the transaction item that moves a session's sequence
// from n to n+1, creating the session item when it does not exist yet.
func (s *TaskStore) sessionAdvance(sess *sessionItem, sessionID, userID string, releaseTaskID string) (types.TransactWriteItem, error) {
	if sess == nil {
		av, err := attributevalue.MarshalMap(sessionItem{
			PK:           sessionPK(sessionID),
			SK:           skMeta,
			EntityType:   entitySession,
			SessionID:    sessionID,
			UserID:       userID,
			NextSequence: 1,
		})
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		expr, err := expression.NewBuilder().WithCondition(expression.Name("PK").AttributeNotExists()).Build()
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                 aws.String(s.tableName),
			Item:                      av,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		}}, nil
	}

	update := expression.Set(expression.Name("NextSequence"), expression.Value(sess.NextSequence+1))
	cond := expression.Name("NextSequence").Equal(expression.Value(sess.NextSequence)).
		And(expression.Name("UserID").Equal(expression.Value(userID)))
	if releaseTaskID != "" {
		update = update.Set(expression.Name("RunningTaskID"), expression.Value(""))
		cond = cond.And(expression.Name("RunningTaskID").Equal(expression.Value(releaseTaskID)))
	}
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(s.tableName),
		Key:                       metaKey(sessionPK(sessionID)),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}}, nil
}

func (s *TaskStore) newTask(spec task.Spec, seq int64) *task.Task {
	now := s.now()
	t := &task.Task{
		ID:        spec.ID,
		SessionID: spec.SessionID,
		UserID:    spec.UserID,
		Type:      spec.Type,
		Status:    task.StatusPending,
		Payload:   spec.Payload.Clone(),
		Sequence:  seq,
		CreatedAt: spec.CreatedAt,
		UpdatedAt: now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	return t
}

func (s *TaskStore) putTask(t *task.Task) (types.TransactWriteItem, error) {
	item, err := toTaskItem(t)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	expr, err := expression.NewBuilder().WithCondition(expression.Name("PK").AttributeNotExists()).Build()
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{Put: &types.Put{
		TableName:                 aws.String(s.tableName),
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}}, nil
}

func (s *TaskStore) Create(ctx context.Context, spec task.Spec) (*task.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	for attempt := 0; attempt < maxSequenceRetries; attempt++ {
		sess, err := s.getSession(ctx, spec.SessionID)
		if err != nil {
			return nil, err
		}
		if sess != nil && sess.UserID != spec.UserID {
			return nil, pkgerrors.NewForbiddenError("session belongs to another user")
		}

		var seq int64 = 1
		if sess != nil {
			seq = sess.NextSequence + 1
		}
		t := s.newTask(spec, seq)

		sessItem, err := s.sessionAdvance(sess, spec.SessionID, spec.UserID, "")
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("build session update", err)
		}
		taskPut, err := s.putTask(t)
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("build task item", err)
		}

		_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{sessItem, taskPut},
		})
		if err == nil {
			s.logger.Debug("Task created",
				zap.String("task_id", t.ID),
				zap.String("session_id", t.SessionID),
				zap.String("task_type", string(t.Type)),
				zap.Int64("sequence", t.Sequence),
			)
			return t, nil
		}
		if !isTxCanceled(err) {
			return nil, pkgerrors.NewDatabaseError("create task", err)
		}
		s.logger.Debug("Sequence race on create, retrying",
			zap.String("session_id", spec.SessionID),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, pkgerrors.NewConflictError(fmt.Sprintf("could not allocate a sequence in session '%s'", spec.SessionID))
}

func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            metaKey(taskPK(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("get task", err)
	}
	if out.Item == nil {
		return nil, pkgerrors.NewNotFoundError("task")
	}
	t, err := unmarshalTask(out.Item)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("get task", err)
	}
	return t, nil
}

// querySession pages through GSI1 for a session in sequence order until visit
// returns false.
func (s *TaskStore) querySession(ctx context.Context, sessionID string, visit func(*task.Task) (bool, error)) error {
	keyExpr := expression.Key("GSI1PK").Equal(expression.Value(sessionPK(sessionID)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyExpr).Build()
	if err != nil {
		return pkgerrors.NewDatabaseError("build query", err)
	}

	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			IndexName:                 aws.String(s.gsi1),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(true),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return pkgerrors.NewDatabaseError("query session tasks", err)
		}
		for _, av := range out.Items {
			t, err := unmarshalTask(av)
			if err != nil {
				return pkgerrors.NewDatabaseError("query session tasks", err)
			}
			more, err := visit(t)
			if err != nil || !more {
				return err
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// ListBySession reads through GSI1, which is eventually consistent; a task
// created a moment ago may be missing from the listing but never half-written.
func (s *TaskStore) ListBySession(ctx context.Context, sessionID, userID string) ([]*task.Task, error) {
	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, pkgerrors.NewNotFoundError("session")
	}
	if sess.UserID != userID {
		return nil, pkgerrors.NewForbiddenError("session belongs to another user")
	}

	var out []*task.Task
	err = s.querySession(ctx, sessionID, func(t *task.Task) (bool, error) {
		out = append(out, t)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// statusUpdate builds the guarded update of the task item itself.
func (s *TaskStore) statusUpdate(t *task.Task, prev task.Status) (types.TransactWriteItem, error) {
	update := expression.Set(expression.Name("Status"), expression.Value(string(t.Status))).
		Set(expression.Name("UpdatedAt"), expression.Value(t.UpdatedAt.UTC().Format(time.RFC3339Nano)))

	if t.LastError != nil {
		update = update.Set(expression.Name("LastError"), expression.Value(*t.LastError))
	} else {
		update = update.Remove(expression.Name("LastError"))
	}
	if t.Result != nil {
		enc, err := t.Result.Encode()
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		update = update.Set(expression.Name("Result"), expression.Value(enc))
	} else {
		update = update.Remove(expression.Name("Result"))
	}
	if t.Status == task.StatusPending {
		update = update.Set(expression.Name("GSI2PK"), expression.Value(pendingMarker)).
			Set(expression.Name("GSI2SK"), expression.Value(pendingSK(t)))
	} else {
		update = update.Remove(expression.Name("GSI2PK")).Remove(expression.Name("GSI2SK"))
	}

	cond := expression.Name("Status").Equal(expression.Value(string(prev)))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(s.tableName),
		Key:                       metaKey(taskPK(t.ID)),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}}, nil
}

// slotUpdate claims or releases the session's running slot.
func (s *TaskStore) slotUpdate(sessionID, taskID string, claim bool) (types.TransactWriteItem, error) {
	var (
		update expression.UpdateBuilder
		cond   expression.ConditionBuilder
	)
	if claim {
		update = expression.Set(expression.Name("RunningTaskID"), expression.Value(taskID))
		cond = expression.Name("RunningTaskID").Equal(expression.Value("")).
			Or(expression.Name("RunningTaskID").Equal(expression.Value(taskID)))
	} else {
		update = expression.Set(expression.Name("RunningTaskID"), expression.Value(""))
		cond = expression.Name("RunningTaskID").Equal(expression.Value(taskID))
	}
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(s.tableName),
		Key:                       metaKey(sessionPK(sessionID)),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}}, nil
}

func (s *TaskStore) UpdateStatus(ctx context.Context, id string, u task.StatusUpdate) (*task.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.Allows(t.Status) {
		return nil, pkgerrors.NewConflictError(fmt.Sprintf("task '%s' is %s", id, t.Status))
	}

	prev := t.Status
	u.Apply(t, s.now())

	taskUpdate, err := s.statusUpdate(t, prev)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("build status update", err)
	}
	items := []types.TransactWriteItem{taskUpdate}

	switch {
	case u.To == task.StatusRunning:
		slot, err := s.slotUpdate(t.SessionID, id, true)
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("build slot claim", err)
		}
		items = append(items, slot)
	case prev == task.StatusRunning:
		slot, err := s.slotUpdate(t.SessionID, id, false)
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("build slot release", err)
		}
		items = append(items, slot)
	}

	if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if isTxCanceled(err) {
			return nil, pkgerrors.NewConflictError(fmt.Sprintf("transition of task '%s' to %s lost a race", id, u.To))
		}
		return nil, pkgerrors.NewDatabaseError("update status", err)
	}
	return t, nil
}

func (s *TaskStore) CompleteAndEnqueue(ctx context.Context, id string, result task.Payload, next *task.Spec) (*task.Task, *task.Task, error) {
	if next != nil {
		if err := next.Validate(); err != nil {
			return nil, nil, err
		}
		if next.ID == "" {
			n := *next
			n.ID = uuid.NewString()
			next = &n
		}
	}

	for attempt := 0; attempt < maxSequenceRetries; attempt++ {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if t.Status != task.StatusRunning {
			return nil, nil, pkgerrors.NewConflictError(fmt.Sprintf("task '%s' is %s", id, t.Status))
		}

		task.StatusUpdate{From: []task.Status{task.StatusRunning}, To: task.StatusSucceeded, Result: result}.Apply(t, s.now())
		taskUpdate, err := s.statusUpdate(t, task.StatusRunning)
		if err != nil {
			return nil, nil, pkgerrors.NewDatabaseError("build completion", err)
		}
		items := []types.TransactWriteItem{taskUpdate}

		var successor *task.Task
		if next == nil {
			slot, err := s.slotUpdate(t.SessionID, id, false)
			if err != nil {
				return nil, nil, pkgerrors.NewDatabaseError("build slot release", err)
			}
			items = append(items, slot)
		} else {
			if next.SessionID != t.SessionID || next.UserID != t.UserID {
				return nil, nil, pkgerrors.NewValidationError("successor must stay in the same session")
			}
			sess, err := s.getSession(ctx, t.SessionID)
			if err != nil {
				return nil, nil, err
			}
			if sess == nil {
				return nil, nil, pkgerrors.NewNotFoundError("session")
			}
			successor = s.newTask(*next, sess.NextSequence+1)

			sessItem, err := s.sessionAdvance(sess, t.SessionID, t.UserID, id)
			if err != nil {
				return nil, nil, pkgerrors.NewDatabaseError("build session update", err)
			}
			put, err := s.putTask(successor)
			if err != nil {
				return nil, nil, pkgerrors.NewDatabaseError("build successor", err)
			}
			items = append(items, sessItem, put)
		}

		_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			return t, successor, nil
		}
		if !isTxCanceled(err) {
			return nil, nil, pkgerrors.NewDatabaseError("complete task", err)
		}
		// Either the task left running (cancelled) or the sequence moved.
		// The next Get distinguishes the two.
	}
	return nil, nil, pkgerrors.NewConflictError(fmt.Sprintf("could not complete task '%s'", id))
}

// NextPending walks the session in sequence order and confirms the first
// pending candidate with a consistent read.
func (s *TaskStore) NextPending(ctx context.Context, sessionID string) (*task.Task, error) {
	var found *task.Task
	err := s.querySession(ctx, sessionID, func(candidate *task.Task) (bool, error) {
		if candidate.Status != task.StatusPending {
			return true, nil
		}
		fresh, err := s.Get(ctx, candidate.ID)
		if err != nil {
			return false, err
		}
		if fresh.Status == task.StatusPending {
			found = fresh
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

type pendingEntry struct {
	SessionID string `dynamodbav:"SessionID"`
}

// PendingSessions reads the sparse GSI2, oldest pending task first.
func (s *TaskStore) PendingSessions(ctx context.Context, limit int) ([]string, error) {
	keyExpr := expression.Key("GSI2PK").Equal(expression.Value(pendingMarker))
	proj := expression.NamesList(expression.Name("SessionID"))
	expr, err := expression.NewBuilder().WithKeyCondition(keyExpr).WithProjection(proj).Build()
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("build query", err)
	}

	seen := make(map[string]bool)
	var ids []string
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			IndexName:                 aws.String(s.gsi2),
			KeyConditionExpression:    expr.KeyCondition(),
			ProjectionExpression:      expr.Projection(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(true),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("query pending sessions", err)
		}
		for _, av := range out.Items {
			var e pendingEntry
			if err := attributevalue.UnmarshalMap(av, &e); err != nil {
				return nil, pkgerrors.NewDatabaseError("unmarshal pending entry", err)
			}
			if seen[e.SessionID] {
				continue
			}
			seen[e.SessionID] = true
			ids = append(ids, e.SessionID)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return ids, nil
		}
		startKey = out.LastEvaluatedKey
	}
}
