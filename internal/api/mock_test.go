package api

import (
	"context"
	"errors"

	"github.com/sungwon/push-worker/internal/breaker"
	"github.com/sungwon/push-worker/internal/queue"
)

type mockDLQ struct {
	letters     []queue.DeadLetter
	listErr     error
	listLimit   int
	reprocessed []string
	reprocessN  int
	reprocErr   error
}

func (m *mockDLQ) List(_ context.Context, limit int) ([]queue.DeadLetter, error) {
	m.listLimit = limit
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.letters, nil
}

func (m *mockDLQ) Reprocess(_ context.Context, ids []string) (int, error) {
	m.reprocessed = ids
	return m.reprocessN, m.reprocErr
}

type mockBreakers struct {
	snaps []breaker.Snapshot
	err   error
}

func (m mockBreakers) Snapshots(context.Context) ([]breaker.Snapshot, error) {
	return m.snaps, m.err
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	pingOK   = pingFunc(func(context.Context) error { return nil })
	pingDown = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)
