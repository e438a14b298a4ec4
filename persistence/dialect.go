package persistence

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	// drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect struct {
	name string
	// database/sql driver name
	driver string
	blob   string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// statements run on every new database
	init []string
	// limit the pool to one connection
	singleConn bool
}

var dialects = map[string]dialect{
	"sqlite": {
		name:       "sqlite",
		driver:     "sqlite",
		blob:       "BLOB",
		init:       []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"},
		singleConn: true,
	},
	"postgres": {
		name:     "postgres",
		driver:   "postgres",
		blob:     "BYTEA",
		numbered: true,
	},
	"mysql": {
		name:   "mysql",
		driver: "mysql",
		blob:   "LONGBLOB",
	},
}

func dialectByName(name string) (dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return dialect{}, errors.Errorf("unsupported driver %q", name)
	}
	return d, nil
}

// rebind rewrites ? placeholders for dialects with numbered placeholders.
// Queries must not contain literal question marks.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS hooks (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	cluster_id VARCHAR(255) NOT NULL,
	stage VARCHAR(8) NOT NULL,
	command VARCHAR(255) NOT NULL,
	name VARCHAR(255) NOT NULL,
	content_type VARCHAR(8) NOT NULL,
	checksum VARCHAR(64) NOT NULL,
	content ` + d.blob + `
)`,
		`CREATE TABLE IF NOT EXISTS server_hooks (
	hook_id VARCHAR(64) NOT NULL,
	server_id VARCHAR(255) NOT NULL,
	status VARCHAR(16) NOT NULL,
	checksum VARCHAR(64) NOT NULL,
	content ` + d.blob + `,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (hook_id, server_id)
)`,
	}
}
