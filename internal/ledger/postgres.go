package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ProcessedItem 已处理条目，(source_id, item_id) 唯一
type ProcessedItem struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	SourceID string `gorm:"size:128;uniqueIndex:idx_processed_source_item" json:"sourceId"`
	ItemID   string `gorm:"type:text;uniqueIndex:idx_processed_source_item" json:"itemId"`

	CreatedAt time.Time `json:"createdAt"`
}

type Postgres struct {
	DB *gorm.DB
}

// NewPostgres 连接数据库并迁移表结构；容器刚启动时数据库可能尚未就绪，连接会重试几次
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	var db *gorm.DB
	err := retry.Do(
		func() error {
			var err error
			db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&ProcessedItem{}); err != nil {
		return nil, fmt.Errorf("migrate processed items: %w", err)
	}
	return &Postgres{DB: db}, nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Load(ctx context.Context) (map[string][]string, error) {
	var rows []ProcessedItem
	if err := p.DB.WithContext(ctx).Select("source_id", "item_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, r := range rows {
		out[r.SourceID] = append(out[r.SourceID], r.ItemID)
	}
	return out, nil
}

func (p *Postgres) Add(ctx context.Context, sourceID, itemID string) error {
	item := &ProcessedItem{SourceID: sourceID, ItemID: itemID}
	return p.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(item).Error
}

func (p *Postgres) Close() error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
