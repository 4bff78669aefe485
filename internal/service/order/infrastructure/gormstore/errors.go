package gormstore

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"marketplace/internal/service/order/domain"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// classify 把驱动错误映射成领域错误：可重试的统一为 ErrTransactionFailure
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		domain.ErrInsufficientStock, domain.ErrOrderConflict, domain.ErrOrderNotFound,
		domain.ErrInvalidOrder, domain.ErrDuplicateRequest, domain.ErrTransactionFailure,
		context.Canceled,
	} {
		if stderrors.Is(err, known) {
			return err
		}
	}

	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDeadlock, mysqlErrLockWaitTimeout:
			return errors.Wrapf(domain.ErrTransactionFailure, "%s: mysql %d: %s", op, myErr.Number, myErr.Message)
		}
		return errors.Wrap(err, op)
	}
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, mysql.ErrInvalidConn) ||
		stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(domain.ErrTransactionFailure, "%s: %v", op, err)
	}
	// sqlite 的写锁冲突
	if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
		return errors.Wrapf(domain.ErrTransactionFailure, "%s: %v", op, err)
	}
	return errors.Wrap(err, op)
}
