package migrate

import (
	"strings"
)

// Dialect selects the placeholder style of the target database.
type Dialect int

const (
	// Postgres uses $1, $2 ... placeholders.
	Postgres Dialect = iota
	// SQLite uses anonymous ? placeholders.
	SQLite
)

// Rebind rewrites $N placeholders for d. Queries must reference each
// parameter once, in ascending order.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
