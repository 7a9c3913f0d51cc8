// Package migrations embeds the PostgreSQL and ClickHouse schemas and applies
// them once each, recording applied versions in a schema_migrations table on
// the target database.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Migration is one numbered schema file, e.g. 003_amm.sql.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// String returns the file stem of the migration.
func (m Migration) String() string {
	return fmt.Sprintf("%03d_%s", m.Version, m.Name)
}

// Load reads the NNN_name.sql files of dir in fsys ordered by version.
// Duplicate versions and files without a numeric prefix are errors.
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations %s: %w", dir, err)
	}

	var result []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		stem := strings.TrimSuffix(entry.Name(), ".sql")
		prefix, name, ok := strings.Cut(stem, "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil || version <= 0 || name == "" {
			return nil, fmt.Errorf("migration %s: expected NNN_name.sql", entry.Name())
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", entry.Name(), version, other)
		}
		seen[version] = entry.Name()

		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		result = append(result, Migration{Version: version, Name: name, SQL: string(data)})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Version < result[j].Version })
	return result, nil
}

// Statements splits sql on semicolons that are outside quoted strings,
// quoted identifiers and comments. Comments are dropped and empty statements
// are skipped.
func Statements(sql string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		switch {
		case ch == '\'' || ch == '"' || ch == '`':
			// Quoted text runs to the matching unescaped quote; a doubled
			// quote or a backslash escapes it.
			j := i + 1
			for j < len(sql) {
				if sql[j] == '\\' {
					j += 2
					continue
				}
				if sql[j] == ch {
					if j+1 < len(sql) && sql[j+1] == ch {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j >= len(sql) {
				j = len(sql) - 1
			}
			cur.WriteString(sql[i : j+1])
			i = j
		case ch == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case ch == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 3
			}
			cur.WriteByte(' ')
		case ch == ';':
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return stmts
}

// ledger is a database that records which migrations it has applied.
type ledger interface {
	// ensure creates the schema_migrations table if needed.
	ensure(ctx context.Context) error
	// applied returns the recorded versions.
	applied(ctx context.Context) (map[int]bool, error)
	// apply runs m and records its version. It reports false when another
	// runner recorded m first.
	apply(ctx context.Context, m Migration) (bool, error)
}

// run applies every migration the ledger has not recorded, in version order,
// and returns how many it applied. It stops at the first failure.
func run(ctx context.Context, l ledger, all []Migration, logger *log.Logger) (int, error) {
	if err := l.ensure(ctx); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	done, err := l.applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("read schema_migrations: %w", err)
	}

	count := 0
	for _, m := range all {
		if done[m.Version] {
			continue
		}
		ok, err := l.apply(ctx, m)
		if err != nil {
			return count, fmt.Errorf("apply migration %s: %w", m, err)
		}
		if !ok {
			continue
		}
		count++
		logger.Printf("Applied migration %s", m)
	}
	return count, nil
}
