package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedpipe/internal/domain"
)

// ErrVersionConflict 版本 CAS 失败（并发写同一聚合）
var ErrVersionConflict = errors.New("version conflict")

// TxRunner 事务边界，测试里可以替换成注入失败的实现
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type gormTxRunner struct{ db *gorm.DB }

func NewTxRunner(db *gorm.DB) TxRunner { return &gormTxRunner{db: db} }

func (r *gormTxRunner) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if fn == nil {
		return nil
	}
	if r == nil || r.db == nil {
		return domain.Configuration("tx", "transaction runner has nil db")
	}
	return r.db.WithContext(ctx).Transaction(fn)
}

// conn 优先使用调用方传入的事务
func conn(ctx context.Context, db, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// MapError 把存储层错误映射到领域错误分类，已分类的错误原样返回
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.NewError(domain.KindNotFound, op, "record not found", err)
	case errors.Is(err, ErrVersionConflict):
		return domain.NewError(domain.KindConflict, op, "concurrent modification", err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return domain.NewError(domain.KindConflict, op, "duplicate key", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505": // unique_violation
			return domain.NewError(domain.KindConflict, op, "duplicate key", err)
		case "40001", "40P01", "55P03": // serialization/deadlock/lock_not_available
			return domain.NewError(domain.KindInfrastructure, op, "transient store failure, retry", err)
		}
	}
	return domain.Infrastructure(op, err)
}

// IsRetryable 事务冲突类错误，整个命令可以重试
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}
