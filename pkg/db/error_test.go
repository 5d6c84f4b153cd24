package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "gorm translated", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), want: true},
		{name: "postgres", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "ux_ledger_transactions_external_ref"}), want: true},
		{name: "postgres other", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "mysql", err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, want: true},
		{name: "sqlite", err: errors.New("UNIQUE constraint failed: ledger_transactions.external_ref"), want: true},
		{name: "other", err: errors.New("connection refused"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsDuplicateKeyErr(tc.err))
		})
	}
}

func TestIsSerializationErr(t *testing.T) {
	assert.False(t, IsSerializationErr(nil))
	assert.True(t, IsSerializationErr(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsSerializationErr(&mysql.MySQLError{Number: 1213}))
	assert.True(t, IsSerializationErr(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsSerializationErr(&pgconn.PgError{Code: "23505"}))
}
