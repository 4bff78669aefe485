// Package gormstore 是订单预占的 MySQL 存储实现（测试中使用 SQLite）。
package gormstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"marketplace/internal/pkg/logger"
	"marketplace/internal/service/order/domain"
	"marketplace/internal/service/order/domain/port"
)

type MySQLOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenMySQL 打开连接池
func OpenMySQL(opts MySQLOptions) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(opts.DSN), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "mysql pool")
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return db, nil
}

// Store 实现 domain.UnitOfWork 和 outbox.Store
type Store struct {
	db    *gorm.DB
	clock port.Clock
	*GormOutbox
}

func NewStore(db *gorm.DB, clock port.Clock) *Store {
	return &Store{db: db, clock: clock, GormOutbox: NewGormOutbox(db, clock)}
}

// AutoMigrate 建表，生产环境也可以交给迁移工具
func (s *Store) AutoMigrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(&OrderModel{}, &OrderLineModel{}, &LedgerEntryModel{}, &OutboxEventModel{})
	return errors.Wrap(err, "auto migrate")
}

func (s *Store) bind(db *gorm.DB) domain.Repositories {
	return domain.Repositories{
		Ledger: NewGormLedger(db, s.clock),
		Orders: NewGormOrderRepository(db),
		Outbox: NewGormOutbox(db, s.clock),
	}
}

func (s *Store) Repositories() domain.Repositories {
	return s.bind(s.db)
}

// WithinTx MySQL 下使用 READ COMMITTED，互斥完全依赖条件 UPDATE 的行锁
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos domain.Repositories) error) error {
	var opts []*sql.TxOptions
	if s.db.Dialector.Name() == "mysql" {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, s.bind(tx))
	}, opts...)
	if err != nil {
		err = classify(err, "transaction")
		if errors.Is(err, domain.ErrTransactionFailure) {
			logger.Ctx(ctx).Warn().Err(err).Msg("transaction aborted")
		}
	}
	return err
}
