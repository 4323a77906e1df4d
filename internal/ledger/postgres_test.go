package ledger

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "feedrelay",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(termCtx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/feedrelay?sslmode=disable", host, port.Port())
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	b, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, b.Add(ctx, "acct1", "100"))
	require.NoError(t, b.Add(ctx, "acct1", "100"))
	require.NoError(t, b.Add(ctx, "acct1", "101"))
	require.NoError(t, b.Add(ctx, "acct2", "100"))
	require.NoError(t, b.Close())

	b, err = NewPostgres(ctx, dsn)
	require.NoError(t, err)
	defer b.Close()

	l := New(b, discard())
	snap := l.LoadAll(ctx)
	require.Len(t, snap["acct1"], 2)
	require.Len(t, snap["acct2"], 1)
	require.Zero(t, l.Failures())

	var count int64
	require.NoError(t, b.DB.Model(&ProcessedItem{}).Count(&count).Error)
	require.EqualValues(t, 3, count)
}

func TestPostgresLongItemID(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	b, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	defer b.Close()

	// 带长查询串的链接作为 guid 时会超过 1024 字符
	long := "https://example.com/post?" + strings.Repeat("q", 1500)
	require.NoError(t, b.Add(ctx, "news", long))
	require.NoError(t, b.Add(ctx, "news", long))

	saved, err := b.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{long}, saved["news"])
}
