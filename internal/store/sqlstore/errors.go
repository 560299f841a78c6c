package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

// classify wraps err with op, marking connection-class failures as
// domain.ErrTransientStore.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return domain.TransientError(err, op)
	}
	return errors.Wrap(err, op)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"53", // insufficient resources
			"57": // operator intervention, e.g. admin shutdown
			return true
		}
		return false
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
