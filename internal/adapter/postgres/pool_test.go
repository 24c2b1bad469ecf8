package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		url          string
		opts         PoolOptions
		wantMax      int32
		wantMin      int32
		wantLifetime time.Duration
		wantApp      string
	}{
		{
			name:         "options applied",
			url:          "postgres://u:p@localhost:5432/db",
			opts:         PoolOptions{MaxConns: 7, MinConns: 2, MaxConnLifetime: time.Minute, ApplicationName: "pgwatch"},
			wantMax:      7,
			wantMin:      2,
			wantLifetime: time.Minute,
			wantApp:      "pgwatch",
		},
		{
			name:         "zero options keep url values",
			url:          "postgres://u:p@localhost:5432/db?pool_max_conns=3&pool_max_conn_lifetime=5m&application_name=reports",
			opts:         PoolOptions{ApplicationName: "pgwatch"},
			wantMax:      3,
			wantMin:      0,
			wantLifetime: 5 * time.Minute,
			wantApp:      "reports",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := poolConfig(tt.url, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMax, cfg.MaxConns)
			assert.Equal(t, tt.wantMin, cfg.MinConns)
			assert.Equal(t, tt.wantLifetime, cfg.MaxConnLifetime)
			assert.Equal(t, tt.wantApp, cfg.ConnConfig.RuntimeParams["application_name"])
		})
	}
}

func TestPoolConfig_Errors(t *testing.T) {
	t.Parallel()
	_, err := poolConfig("postgres://u:p@localhost:notaport/db", PoolOptions{})
	assert.ErrorContains(t, err, "parsing database URL")

	_, err = poolConfig("postgres://u:p@localhost:5432/db", PoolOptions{MaxConns: 1, MinConns: 4})
	assert.ErrorContains(t, err, "exceeds max conns")
}
