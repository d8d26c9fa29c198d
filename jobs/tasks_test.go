package jobs_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline-pm/gridline/jobs"
	_ "github.com/gridline-pm/gridline/testing"
)

type fakeSender struct {
	sent []string
	err  error
}

func (s *fakeSender) Send(to, subject, body string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, to)
	return nil
}

type fakePruner struct {
	pruned int
	err    error
}

func (p *fakePruner) PruneExpired(context.Context) (int, error) {
	return p.pruned, p.err
}

func TestSendEmailHandlerDeliversPayload(t *testing.T) {
	sender := &fakeSender{}
	handler := jobs.NewSendEmailHandler(sender, slog.Default())

	task, err := jobs.NewSendEmailTask(jobs.SendEmailPayload{
		To: "pat@example.com", Subject: "hello", Body: "hi",
	})
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), task))
	assert.Equal(t, []string{"pat@example.com"}, sender.sent)
}

func TestSendEmailHandlerSkipsMalformedPayload(t *testing.T) {
	handler := jobs.NewSendEmailHandler(&fakeSender{}, slog.Default())

	task := asynq.NewTask(jobs.TaskTypeSendEmail, []byte("{not json"))
	err := handler(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSendEmailHandlerRetriesOnRelayFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("relay down")}
	handler := jobs.NewSendEmailHandler(sender, slog.Default())

	task, err := jobs.NewSendEmailTask(jobs.SendEmailPayload{To: "pat@example.com"})
	require.NoError(t, err)

	err = handler(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestSessionSweepHandler(t *testing.T) {
	handler := jobs.NewSessionSweepHandler(&fakePruner{pruned: 3}, slog.Default())
	assert.NoError(t, handler(context.Background(), jobs.NewSessionSweepTask()))

	failing := jobs.NewSessionSweepHandler(&fakePruner{err: errors.New("redis gone")}, slog.Default())
	assert.Error(t, failing(context.Background(), jobs.NewSessionSweepTask()))
}
