//go:build integration

package idempotency_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sungwon/push-worker/internal/idempotency"
	"github.com/sungwon/push-worker/internal/storage"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var sharedDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	host, _ := container.Host(ctx)
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	sharedDB, err = storage.NewDB(ctx, storage.Config{
		URL:      fmt.Sprintf("postgres://test:test@%s:%s/test?sslmode=disable", host, port.Port()),
		MinConns: 2,
		MaxConns: 20,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := idempotency.NewPostgresStore(sharedDB.Pool).EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create schema: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	sharedDB.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newPostgresGate(ttl time.Duration) *idempotency.Gate {
	return idempotency.NewGate(idempotency.NewPostgresStore(sharedDB.Pool), idempotency.Config{
		ProcessingTTL: ttl,
		SentTTL:       time.Hour,
	})
}

func TestPostgresStore_ClaimCommit(t *testing.T) {
	ctx := context.Background()
	gate := newPostgresGate(time.Minute)
	key := "pg-" + t.Name()

	res, err := gate.CheckAndClaim(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Claimed, res)

	res, err = gate.CheckAndClaim(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.AlreadyProcessing, res)

	require.NoError(t, gate.CommitSent(ctx, key))

	res, err = gate.CheckAndClaim(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.AlreadySent, res)
}

func TestPostgresStore_ExpiredClaim(t *testing.T) {
	ctx := context.Background()
	gate := newPostgresGate(500 * time.Millisecond)
	key := "pg-" + t.Name()

	res, err := gate.CheckAndClaim(ctx, key)
	require.NoError(t, err)
	require.Equal(t, idempotency.Claimed, res)

	time.Sleep(time.Second)

	require.ErrorIs(t, gate.CommitSent(ctx, key), idempotency.ErrNotClaimed)

	res, err = gate.CheckAndClaim(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Claimed, res)

	store := idempotency.NewPostgresStore(sharedDB.Pool)
	_, err = store.Purge(ctx)
	require.NoError(t, err)
}

func TestPostgresStore_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	gate := newPostgresGate(time.Minute)
	key := "pg-" + t.Name()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := gate.CheckAndClaim(ctx, key)
			if err != nil {
				t.Errorf("CheckAndClaim() error = %v", err)
				return
			}
			if res == idempotency.Claimed {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
}
