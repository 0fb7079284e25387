package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zacharykka/prompt-analytics/internal/domain"
)

// transientMessages 是驱动未提供结构化错误时用于识别瞬时故障的片段。
var transientMessages = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
}

// Classify 将驱动错误归类为可重试或不可重试的存储错误，仓储与启动连接共用。
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrStoreTransient) || errors.Is(err, domain.ErrStoreTerminal) {
		return err
	}
	if isTransient(err) {
		return domain.NewTransientError(op, err)
	}
	return domain.NewTerminalError(op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P03": // admin shutdown, cannot connect now
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
