package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/askledger/askledger/internal/query"
)

// classify maps a store error onto a coarse category using SQLSTATE classes.
func classify(err error) query.Category {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return query.CategoryTimeout
	case errors.Is(err, context.Canceled):
		return query.CategoryCancelled
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case code == "57014":
			return query.CategoryTimeout
		case code == "42501":
			return query.CategoryPermission
		case code == "25006":
			return query.CategoryPermission
		case strings.HasPrefix(code, "23"):
			return query.CategoryConstraint
		case strings.HasPrefix(code, "08"), code == "57P01", code == "57P02", code == "57P03", code == "53300":
			return query.CategoryConnectivity
		case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "22"), strings.HasPrefix(code, "0A"):
			return query.CategoryStatement
		default:
			return query.CategoryUnknown
		}
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || errors.Is(err, driver.ErrBadConn) {
		return query.CategoryConnectivity
	}
	if pgconn.Timeout(err) {
		return query.CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return query.CategoryTimeout
		}
		return query.CategoryConnectivity
	}
	return query.CategoryUnknown
}
