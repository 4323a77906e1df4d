package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

var errBlobNotFound = errors.New("ledger document not found")

// blobStore 存放整份 JSON 文档的位置：本地文件或 GCS 对象
type blobStore interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Backup 保留一份无法解析的旧文档，之后允许覆盖
	Backup(ctx context.Context, data []byte) error
	Close() error
}

// Document 以 JSON 文档保存 {"sourceID": ["id", ...]}，每次新增都整体重写。
// 在成功读到磁盘上的文档之前不会写回，避免一次读失败把历史记录覆盖掉。
type Document struct {
	name string
	blob blobStore

	mu     sync.Mutex
	data   map[string]map[string]struct{}
	loaded bool
}

// NewFile 本地文件后端，写入时先写临时文件再 rename
func NewFile(path string) *Document {
	return &Document{name: "file", blob: &localBlob{path: path}, data: make(map[string]map[string]struct{})}
}

func newDocument(name string, blob blobStore) *Document {
	return &Document{name: name, blob: blob, data: make(map[string]map[string]struct{})}
}

func (d *Document) Name() string { return d.name }

func (d *Document) Load(ctx context.Context) (map[string][]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readLocked(ctx); err != nil {
		return nil, err
	}
	return toLists(d.data), nil
}

// readLocked 读取并合并已保存的文档。读失败时保持未加载状态；
// 内容损坏时先备份，备份成功后才允许后续写入覆盖。
func (d *Document) readLocked(ctx context.Context) error {
	raw, err := d.blob.Read(ctx)
	if errors.Is(err, errBlobNotFound) || (err == nil && len(raw) == 0) {
		d.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s ledger: %w", d.name, err)
	}

	var saved map[string][]string
	if err := json.Unmarshal(raw, &saved); err != nil {
		if berr := d.blob.Backup(ctx, raw); berr != nil {
			return fmt.Errorf("decode %s ledger: %w (backup failed: %v)", d.name, err, berr)
		}
		d.loaded = true
		return fmt.Errorf("decode %s ledger: %w", d.name, err)
	}

	for sourceID, ids := range saved {
		for _, id := range ids {
			addTo(d.data, sourceID, id)
		}
	}
	d.loaded = true
	return nil
}

func (d *Document) Add(ctx context.Context, sourceID, itemID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	added := addTo(d.data, sourceID, itemID)
	if !d.loaded {
		// 启动时没读到文档，先重读合并，仍失败就只记在内存里
		if err := d.readLocked(ctx); err != nil && !d.loaded {
			return fmt.Errorf("%s ledger not loaded, write deferred: %w", d.name, err)
		}
		added = true
	}
	if !added {
		return nil
	}
	raw, err := d.encode()
	if err != nil {
		return err
	}
	if err := d.blob.Write(ctx, raw); err != nil {
		return fmt.Errorf("write %s ledger: %w", d.name, err)
	}
	return nil
}

func (d *Document) encode() ([]byte, error) {
	out := toLists(d.data)
	for _, ids := range out {
		sort.Strings(ids)
	}
	return json.MarshalIndent(out, "", "  ")
}

func (d *Document) Close() error {
	return d.blob.Close()
}

type localBlob struct {
	path string
}

func (b *localBlob) Read(context.Context) ([]byte, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errBlobNotFound
	}
	return raw, err
}

func (b *localBlob) Write(_ context.Context, data []byte) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *localBlob) Backup(_ context.Context, data []byte) error {
	backup := b.path + ".corrupt-" + strconv.FormatInt(time.Now().Unix(), 10)
	return os.WriteFile(backup, data, 0o644)
}

func (b *localBlob) Close() error { return nil }
