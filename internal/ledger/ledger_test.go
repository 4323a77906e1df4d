package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/LJTian/feedrelay/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingBackend struct {
	*Memory
	loadErr error
	addErr  error
	adds    int
}

func (f *failingBackend) Name() string { return "failing" }

func (f *failingBackend) Load(ctx context.Context) (map[string][]string, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.Memory.Load(ctx)
}

func (f *failingBackend) Add(context.Context, string, string) error {
	f.adds++
	return f.addErr
}

func TestMarkSeenIdempotent(t *testing.T) {
	l := New(NewMemory(), discard())

	require.True(t, l.MarkSeen(context.Background(), "acct1", "100"))
	require.False(t, l.MarkSeen(context.Background(), "acct1", "100"))
	require.True(t, l.MarkSeen(context.Background(), "acct2", "100"))

	require.True(t, l.IsSeen("acct1", "100"))
	require.False(t, l.IsSeen("acct1", "101"))
	require.False(t, l.IsSeen("missing", "100"))
	require.Equal(t, 1, l.Count("acct1"))
	require.Equal(t, 0, l.Count("missing"))

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	require.Contains(t, snap["acct2"], "100")
}

func TestBackendFailuresAreCountedNotReturned(t *testing.T) {
	b := &failingBackend{
		Memory:  NewMemory(),
		loadErr: errors.New("disk on fire"),
		addErr:  errors.New("disk full"),
	}
	l := New(b, discard())

	snap := l.LoadAll(context.Background())
	require.Empty(t, snap)
	require.EqualValues(t, 1, l.Failures())

	require.True(t, l.MarkSeen(context.Background(), "acct1", "1"))
	require.True(t, l.IsSeen("acct1", "1"))
	require.EqualValues(t, 2, l.Failures())

	// 已存在的 id 不再写后端
	require.False(t, l.MarkSeen(context.Background(), "acct1", "1"))
	require.Equal(t, 1, b.adds)
	require.EqualValues(t, 2, l.Failures())
}

func TestMarkSeenAfterCloseSkipsBackend(t *testing.T) {
	b := &failingBackend{Memory: NewMemory()}
	l := New(b, discard())
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	require.True(t, l.MarkSeen(context.Background(), "acct1", "1"))
	require.True(t, l.IsSeen("acct1", "1"))
	require.Zero(t, b.adds)
	require.Zero(t, l.Failures())
}

func TestConcurrentMarkSeen(t *testing.T) {
	l := New(NewMemory(), discard())
	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.MarkSeen(context.Background(), "acct1", "same") {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, added)
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "processed_items.json")

	l := New(NewFile(path), discard())
	require.Empty(t, l.LoadAll(context.Background()))
	l.MarkSeen(context.Background(), "acct1", "100")
	l.MarkSeen(context.Background(), "acct1", "101")
	l.MarkSeen(context.Background(), "news", "https://example.com/a")
	require.NoError(t, l.Close())
	require.Zero(t, l.Failures())

	reopened := New(NewFile(path), discard())
	snap := reopened.LoadAll(context.Background())
	require.Len(t, snap["acct1"], 2)
	require.Contains(t, snap["acct1"], "101")
	require.Contains(t, snap["news"], "https://example.com/a")

	// 重启后继续追加不会丢掉旧记录
	reopened.MarkSeen(context.Background(), "acct1", "102")
	again := New(NewFile(path), discard()).LoadAll(context.Background())
	require.Len(t, again["acct1"], 3)
}

func TestFileCorruptStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed_items.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	l := New(NewFile(path), discard())
	require.Empty(t, l.LoadAll(context.Background()))
	require.EqualValues(t, 1, l.Failures())

	// 损坏文件先备份，之后的写入才覆盖
	backups, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	kept, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	require.Equal(t, "{not json", string(kept))

	l.MarkSeen(context.Background(), "acct1", "1")
	snap := New(NewFile(path), discard()).LoadAll(context.Background())
	require.Contains(t, snap["acct1"], "1")
}

// flakyBlob 前 readFailures 次读取失败，之后返回保存的内容
type flakyBlob struct {
	mu           sync.Mutex
	data         []byte
	readFailures int
	reads        int
	writes       int
}

func (b *flakyBlob) Read(context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	if b.readFailures > 0 {
		b.readFailures--
		return nil, errors.New("connection reset")
	}
	return append([]byte(nil), b.data...), nil
}

func (b *flakyBlob) Write(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	b.data = append([]byte(nil), data...)
	return nil
}

func (b *flakyBlob) Backup(context.Context, []byte) error { return nil }
func (b *flakyBlob) Close() error                         { return nil }

func TestDocumentTransientReadKeepsHistory(t *testing.T) {
	blob := &flakyBlob{data: []byte(`{"acct1":["1","2"]}`), readFailures: 1}
	l := New(newDocument("flaky", blob), discard())

	require.Empty(t, l.LoadAll(context.Background()))
	require.EqualValues(t, 1, l.Failures())

	// 首次写入前重读合并，旧记录不会被覆盖
	require.True(t, l.MarkSeen(context.Background(), "acct1", "3"))
	require.EqualValues(t, 1, l.Failures())
	require.Equal(t, 1, blob.writes)

	snap := New(newDocument("flaky", blob), discard()).LoadAll(context.Background())
	require.Len(t, snap["acct1"], 3)
	require.Contains(t, snap["acct1"], "1")
	require.Contains(t, snap["acct1"], "3")
}

func TestDocumentDefersWritesWhileUnreadable(t *testing.T) {
	blob := &flakyBlob{data: []byte(`{"acct1":["1"]}`), readFailures: 3}
	l := New(newDocument("flaky", blob), discard())

	l.LoadAll(context.Background())
	require.True(t, l.MarkSeen(context.Background(), "acct1", "2"))
	require.True(t, l.MarkSeen(context.Background(), "acct1", "3"))
	require.Zero(t, blob.writes)
	require.EqualValues(t, 3, l.Failures())
	require.JSONEq(t, `{"acct1":["1"]}`, string(blob.data))

	// 存储恢复后一次写回，内存里积压的 id 也一起落盘
	require.True(t, l.MarkSeen(context.Background(), "acct1", "4"))
	require.Equal(t, 1, blob.writes)
	require.JSONEq(t, `{"acct1":["1","2","3","4"]}`, string(blob.data))
}

func TestFileEmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed_items.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	l := New(NewFile(path), discard())
	require.Empty(t, l.LoadAll(context.Background()))
	require.Zero(t, l.Failures())
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	b, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, b.Add(ctx, "acct1", "100"))
	require.NoError(t, b.Add(ctx, "acct1", "100"))
	require.NoError(t, b.Add(ctx, "acct2", "7"))
	require.NoError(t, b.Close())

	b, err = NewSQLite(ctx, path)
	require.NoError(t, err)
	defer b.Close()
	data, err := b.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"100"}, data["acct1"])
	require.Equal(t, []string{"7"}, data["acct2"])
}

func TestRedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	b, err := NewRedis(ctx, mr.Addr(), "", "feedrelay:seen:")
	require.NoError(t, err)
	require.NoError(t, b.Add(ctx, "acct1", "100"))
	require.NoError(t, b.Add(ctx, "acct1", "101"))
	require.NoError(t, b.Add(ctx, "acct1", "101"))
	require.NoError(t, b.Add(ctx, "acct2", "5"))
	require.NoError(t, mr.Set("unrelated", "x"))

	ok, err := mr.SIsMember("feedrelay:seen:acct1", "100")
	require.NoError(t, err)
	require.True(t, ok)

	data, err := b.Load(ctx)
	require.NoError(t, err)
	require.Len(t, data, 2)
	require.ElementsMatch(t, []string{"100", "101"}, data["acct1"])
	require.Equal(t, []string{"5"}, data["acct2"])
	require.NoError(t, b.Close())
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(context.Background(), addr, "", "p")
	require.Error(t, err)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, tc := range []struct {
		backend string
		want    string
	}{
		{"memory", "memory"},
		{"file", "file"},
		{"sqlite", "sqlite"},
	} {
		l, err := Open(ctx, config.LedgerConfig{Backend: tc.backend, DataDir: dir}, discard())
		require.NoError(t, err, tc.backend)
		require.Equal(t, tc.want, l.BackendName())
		require.NoError(t, l.Close())
	}

	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("x", "y"))
	_, err := mr.SAdd("feedrelay:seen:acct1", "42")
	require.NoError(t, err)
	l, err := Open(ctx, config.LedgerConfig{Backend: "redis", RedisAddr: mr.Addr(), RedisPrefix: "feedrelay:seen"}, discard())
	require.NoError(t, err)
	require.True(t, l.IsSeen("acct1", "42"))

	_, err = Open(ctx, config.LedgerConfig{Backend: "etcd"}, discard())
	require.Error(t, err)
}
