// Package summaries builds the scheduled per-user daily summaries that feed
// the daily level of the memory hierarchy.
package summaries

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"decisium-backend/application/ports"
	domainmemory "decisium-backend/domain/memory"
	"decisium-backend/domain/message"
	pkgerrors "decisium-backend/pkg/errors"
)

const summaryInstructions = `Summarize the user's journal activity for one day in a short paragraph
written in the second person. Keep concrete events, feelings and plans; drop
small talk.`

// FragmentType marks fragments written by this package
const FragmentType = "daily_summary"

// Status of one user's summary
type Status string

const (
	StatusWritten Status = "written"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// UserResult is one line of the per-user report
type UserResult struct {
	UserID   string `json:"user_id"`
	Status   Status `json:"status"`
	Messages int    `json:"messages"`
	Error    string `json:"error,omitempty"`
}

// Report is the outcome of one Generate call
type Report struct {
	Day     string       `json:"day"`
	Results []UserResult `json:"results"`
}

// Failed counts users whose summary could not be written.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			n++
		}
	}
	return n
}

// Service generates daily summaries
type Service struct {
	messages ports.MessageStore
	model    ports.LanguageModel
	embedder ports.Embedder
	writer   ports.FragmentWriter
	logger   *zap.Logger
}

// NewService creates a summary service
func NewService(
	messages ports.MessageStore,
	model ports.LanguageModel,
	embedder ports.Embedder,
	writer ports.FragmentWriter,
	logger *zap.Logger,
) *Service {
	return &Service{
		messages: messages,
		model:    model,
		embedder: embedder,
		writer:   writer,
		logger:   logger,
	}
}

// Generate summarizes every user active on day. One user's failure is
// recorded in the report and does not stop the others. The returned error
// is only set when the active users could not be listed.
func (s *Service) Generate(ctx context.Context, day time.Time) (Report, error) {
	report := Report{Day: message.DayKey(day)}

	users, err := s.messages.ActiveUsers(ctx, day)
	if err != nil {
		return report, err
	}

	for _, userID := range users {
		res := s.generateForUser(ctx, userID, day)
		report.Results = append(report.Results, res)
		if res.Status == StatusFailed {
			s.logger.Warn("Daily summary failed",
				zap.String("user_id", userID),
				zap.String("day", report.Day),
				zap.String("error", res.Error),
			)
		}
	}

	s.logger.Info("Daily summaries generated",
		zap.String("day", report.Day),
		zap.Int("users", len(users)),
		zap.Int("failed", report.Failed()),
	)
	return report, nil
}

func (s *Service) generateForUser(ctx context.Context, userID string, day time.Time) (res UserResult) {
	res = UserResult{UserID: userID}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	msgs, err := s.messages.ListByUserDay(ctx, userID, day)
	if err != nil {
		return failed(res, err)
	}
	res.Messages = len(msgs)
	if len(msgs) == 0 {
		res.Status = StatusSkipped
		return res
	}

	summary, err := s.model.Complete(ctx, ports.Prompt{System: summaryInstructions, User: transcript(msgs)})
	if err != nil {
		return failed(res, pkgerrors.NewExternalError("language model", err))
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return failed(res, pkgerrors.NewExternalError("language model", pkgerrors.NewInternalError("empty summary")))
	}

	embedding, err := s.embedder.Embed(ctx, summary)
	if err != nil {
		return failed(res, pkgerrors.NewExternalError("embedding", err))
	}

	dayKey := message.DayKey(day)
	fragment := domainmemory.Fragment{
		Content: summary,
		Metadata: domainmemory.Metadata{
			SourceID: fmt.Sprintf("%s:%s:%s", FragmentType, userID, dayKey),
			Date:     dayKey,
			Type:     FragmentType,
		},
	}
	if err := s.writer.UpsertFragment(ctx, userID, domainmemory.LevelDaily, fragment, embedding); err != nil {
		return failed(res, err)
	}

	res.Status = StatusWritten
	return res
}

func failed(res UserResult, err error) UserResult {
	res.Status = StatusFailed
	res.Error = err.Error()
	return res
}

func transcript(msgs []message.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Kind == message.KindSuggestion {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s (%s): %s\n", m.CreatedAt.UTC().Format("15:04"), m.Role, m.Kind, m.Content)
	}
	return b.String()
}
