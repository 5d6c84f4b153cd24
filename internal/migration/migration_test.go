package migration

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)
	count := 0
	for {
		up, _, err := src.ReadUp(version)
		require.NoError(t, err)
		up.Close()
		down, _, err := src.ReadDown(version)
		require.NoError(t, err)
		down.Close()
		count++

		version, err = src.Next(version)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, 3, count)
}

func TestSchemaCoversBillingTables(t *testing.T) {
	var schema strings.Builder
	err := fs.WalkDir(embeddedMigrations, migrationsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return err
		}
		data, err := embeddedMigrations.ReadFile(path)
		if err != nil {
			return err
		}
		schema.Write(data)
		return nil
	})
	require.NoError(t, err)

	for _, table := range []string{
		"billing_entities",
		"balances",
		"ledger_transactions",
		"subscription_plans",
		"subscription_quotas",
		"usage_events",
	} {
		assert.Contains(t, schema.String(), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
	assert.Contains(t, schema.String(), "ux_usage_events_idempotency_key")
	assert.Contains(t, schema.String(), "ux_ledger_transactions_external_ref")
	// Quota usage may only be bounded by the conditional increment.
	assert.NotContains(t, schema.String(), "input_used <= input_limit")
	assert.NotContains(t, schema.String(), "output_used <= output_limit")
}

func TestRunMigrationsRequiresHandle(t *testing.T) {
	assert.Error(t, RunMigrations(nil))
}
