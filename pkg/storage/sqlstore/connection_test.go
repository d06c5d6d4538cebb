package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/storage"
)

func fileConfig(t *testing.T, replicas ...string) storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Driver = "sqlite3"
	cfg.URL = "file:" + filepath.Join(t.TempDir(), "primary.db") + "?_foreign_keys=on"
	cfg.ReplicaURLs = replicas
	return cfg
}

func TestOpen_MigratesAndPings(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, fileConfig(t), nil)
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Ping(ctx))
	assert.Equal(t, DialectSQLite, s.dialect)
	assert.Zero(t, s.PruneReplicas(ctx))

	logs, err := s.ListStateLogs(ctx, billing.EntityInvoice, 1)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := fileConfig(t)
	cfg.Driver = "mysql"
	_, err := Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestConnectionManager_Replicas(t *testing.T) {
	ctx := context.Background()
	replica := "file:" + filepath.Join(t.TempDir(), "replica.db")
	cm, err := NewConnectionManager(ctx, fileConfig(t, replica), nil)
	require.NoError(t, err)
	defer cm.Close()

	require.Len(t, cm.replicas, 1)
	assert.NotSame(t, cm.Primary(), cm.Replica())
	assert.NoError(t, cm.HealthCheck(ctx))
	assert.Zero(t, cm.RemoveUnhealthyReplicas(ctx))

	cm.replicas[0].Close()
	assert.Error(t, cm.HealthCheck(ctx))
	assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(ctx))
	assert.Same(t, cm.Primary(), cm.Replica())
	assert.NoError(t, cm.HealthCheck(ctx))
}
