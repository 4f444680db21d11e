package main

import (
	"context"
	"errors"
	"testing"
)

type closerDB struct {
	*ledgerDB
	closed bool
}

func (c *closerDB) Close() { c.closed = true }

func TestMainEntrypoint(t *testing.T) {
	origFatalf := logFatalf
	origOpenDB := openDBFn
	defer func() {
		logFatalf = origFatalf
		openDBFn = origOpenDB
	}()

	t.Run("clean run", func(t *testing.T) {
		var fatal bool
		logFatalf = func(format string, args ...any) { fatal = true }
		db := &closerDB{ledgerDB: newLedgerDB()}
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) { return db, nil }

		main()

		if fatal {
			t.Fatal("clean run must not hit the fatal path")
		}
		if !db.closed {
			t.Fatal("pool must be closed on exit")
		}
	})

	t.Run("db open failure is fatal", func(t *testing.T) {
		var fatal bool
		logFatalf = func(format string, args ...any) { fatal = true }
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return nil, errors.New("connection refused")
		}

		main()

		if !fatal {
			t.Fatal("db open failure must be fatal")
		}
	})

	t.Run("migration failure is fatal", func(t *testing.T) {
		var fatal bool
		logFatalf = func(format string, args ...any) { fatal = true }
		db := &closerDB{ledgerDB: newLedgerDB()}
		db.execErrOn = "CREATE TABLE"
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) { return db, nil }

		main()

		if !fatal {
			t.Fatal("ledger failure must be fatal")
		}
	})
}
