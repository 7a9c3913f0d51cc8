package migrations

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	pg, err := Load(PostgresFS, "postgres")
	require.NoError(t, err)
	var names []string
	for _, m := range pg {
		names = append(names, m.String())
	}
	assert.Equal(t, []string{
		"001_processing_records",
		"002_pools",
		"003_amm",
		"004_processing_runs",
	}, names)

	ch, err := Load(ClickhouseFS, "clickhouse")
	require.NoError(t, err)
	require.Len(t, ch, 1)
	assert.Equal(t, "amm_trades", ch[0].Name)
	assert.Len(t, Statements(ch[0].SQL), 1)
}

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_late.sql":  {Data: []byte("SELECT 10;")},
		"m/002_early.sql": {Data: []byte("SELECT 2;")},
		"m/README.md":     {Data: []byte("ignored")},
	}
	all, err := Load(fsys, "m")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].Version)
	assert.Equal(t, "early", all[0].Name)
	assert.Equal(t, 10, all[1].Version)

	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{"no version", fstest.MapFS{"m/init.sql": {}}},
		{"no name", fstest.MapFS{"m/003.sql": {}}},
		{"zero version", fstest.MapFS{"m/000_zero.sql": {}}},
		{"duplicate version", fstest.MapFS{"m/001_a.sql": {}, "m/1_b.sql": {}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.fsys, "m")
			assert.Error(t, err)
		})
	}
}

func TestStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "line comments dropped",
			sql:  "-- header; with semicolon\nCREATE TABLE a (x UInt8) ENGINE = Memory;\n\nCREATE TABLE b (y UInt8)\nENGINE = Memory;\n",
			want: []string{"CREATE TABLE a (x UInt8) ENGINE = Memory", "CREATE TABLE b (y UInt8)\nENGINE = Memory"},
		},
		{
			name: "semicolon in string",
			sql:  "SELECT 'a;b'; SELECT 'it''s;'",
			want: []string{"SELECT 'a;b'", "SELECT 'it''s;'"},
		},
		{
			name: "semicolon in quoted identifier",
			sql:  "SELECT 1 AS \"x;y\"; SELECT `p;q` FROM t",
			want: []string{"SELECT 1 AS \"x;y\"", "SELECT `p;q` FROM t"},
		},
		{
			name: "block comment",
			sql:  "SELECT /* a; b */ 1;",
			want: []string{"SELECT   1"},
		},
		{
			name: "trailing comment after last statement",
			sql:  "SELECT 1; -- done;",
			want: []string{"SELECT 1"},
		},
		{
			name: "empty",
			sql:  " ;; \n",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Statements(tt.sql))
		})
	}
}

func TestTargetDatabase(t *testing.T) {
	db, err := targetDatabase("clickhouse://default:@localhost:9000/analytics")
	require.NoError(t, err)
	assert.Equal(t, "analytics", db)

	_, err = targetDatabase("clickhouse://localhost:9000")
	assert.Error(t, err)

	_, err = targetDatabase("clickhouse://localhost:9000/x;DROP")
	assert.Error(t, err)
}

type fakeLedger struct {
	done         map[int]bool
	appliedOrder []int
	failAt       int
	lostAt       int
}

func (f *fakeLedger) ensure(context.Context) error { return nil }

func (f *fakeLedger) applied(context.Context) (map[int]bool, error) {
	out := make(map[int]bool, len(f.done))
	for k, v := range f.done {
		out[k] = v
	}
	return out, nil
}

func (f *fakeLedger) apply(_ context.Context, m Migration) (bool, error) {
	if m.Version == f.failAt {
		return false, errors.New("syntax error")
	}
	if m.Version == f.lostAt {
		return false, nil
	}
	f.done[m.Version] = true
	f.appliedOrder = append(f.appliedOrder, m.Version)
	return true, nil
}

func TestRun(t *testing.T) {
	all := []Migration{{Version: 1, Name: "a"}, {Version: 2, Name: "b"}, {Version: 3, Name: "c"}, {Version: 4, Name: "d"}}
	var logs bytes.Buffer
	logger := log.New(&logs, "", 0)

	t.Run("skips recorded and concurrently applied", func(t *testing.T) {
		l := &fakeLedger{done: map[int]bool{1: true}, lostAt: 3}
		n, err := run(context.Background(), l, all, logger)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []int{2, 4}, l.appliedOrder)
		assert.Contains(t, logs.String(), "Applied migration 002_b")

		n, err = run(context.Background(), l, all, logger)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "second run is a no-op")
	})

	t.Run("stops at first failure", func(t *testing.T) {
		l := &fakeLedger{done: map[int]bool{}, failAt: 2}
		n, err := run(context.Background(), l, all, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "002_b")
		assert.Equal(t, 1, n)
		assert.Equal(t, []int{1}, l.appliedOrder)
	})
}
