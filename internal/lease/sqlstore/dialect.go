package sqlstore

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"

	"pkt.systems/chargeq/internal/lease"
)

// Dialect selects the SQL flavour and database/sql driver.
type Dialect string

const (
	// DialectSQLServer uses github.com/microsoft/go-mssqldb.
	DialectSQLServer Dialect = "sqlserver"
	// DialectSQLite uses github.com/mattn/go-sqlite3.
	DialectSQLite Dialect = "sqlite3"
)

func (d Dialect) valid() bool {
	return d == DialectSQLServer || d == DialectSQLite
}

func (d Dialect) schema(prefix string) []string {
	switch d {
	case DialectSQLServer:
		return []string{
			fmt.Sprintf(`IF OBJECT_ID(N'%[1]sleases', N'U') IS NULL
CREATE TABLE %[1]sleases (
  name NVARCHAR(128) NOT NULL PRIMARY KEY,
  kind NVARCHAR(32) NOT NULL,
  owner_id NVARCHAR(256) NOT NULL,
  created_at BIGINT NOT NULL,
  last_heartbeat BIGINT NOT NULL
)`, prefix),
			fmt.Sprintf(`IF OBJECT_ID(N'%[1]stask_leases', N'U') IS NULL
CREATE TABLE %[1]stask_leases (
  task_name NVARCHAR(128) NOT NULL PRIMARY KEY,
  lock_id NVARCHAR(64) NOT NULL,
  owner_id NVARCHAR(256) NOT NULL,
  created_at BIGINT NOT NULL,
  expires_at BIGINT NOT NULL
)`, prefix),
			fmt.Sprintf(`IF OBJECT_ID(N'%[1]sshutdowns', N'U') IS NULL
CREATE TABLE %[1]sshutdowns (
  id BIGINT IDENTITY(1,1) PRIMARY KEY,
  owner_id NVARCHAR(256) NOT NULL,
  host NVARCHAR(256) NOT NULL,
  pid INT NOT NULL,
  reason NVARCHAR(512) NOT NULL,
  was_leader BIT NOT NULL,
  at BIGINT NOT NULL
)`, prefix),
		}
	default:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sleases (
  name TEXT NOT NULL PRIMARY KEY,
  kind TEXT NOT NULL,
  owner_id TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  last_heartbeat INTEGER NOT NULL
)`, prefix),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %stask_leases (
  task_name TEXT NOT NULL PRIMARY KEY,
  lock_id TEXT NOT NULL,
  owner_id TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL
)`, prefix),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sshutdowns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  owner_id TEXT NOT NULL,
  host TEXT NOT NULL,
  pid INTEGER NOT NULL,
  reason TEXT NOT NULL,
  was_leader INTEGER NOT NULL,
  at INTEGER NOT NULL
)`, prefix),
		}
	}
}

func isUniqueViolation(err error) bool {
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		return mssqlErr.Number == 2627 || mssqlErr.Number == 2601
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint &&
			(liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		switch mssqlErr.Number {
		case 1205, 1222, 40197, 40501, 40613:
			return lease.NewTransientError(err)
		}
		return err
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		if liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked {
			return lease.NewTransientError(err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return lease.NewTransientError(err)
	}
	return err
}
