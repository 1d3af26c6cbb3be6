package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// query accumulates SQL text and positional arguments.
type query struct {
	sb   strings.Builder
	args []any
}

func newQuery(base string, args ...any) *query {
	q := &query{args: args}
	q.sb.WriteString(base)
	return q
}

// bind appends v as the next positional argument and returns its marker.
func (q *query) bind(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) where(cond string, v any) {
	q.sb.WriteString(" AND ")
	q.sb.WriteString(fmt.Sprintf(cond, q.bind(v)))
}

// window restricts col to the Since/Until bounds of opts.
func (q *query) window(col string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.where(col+" >= %s", *opts.Since)
	}
	if opts.Until != nil {
		q.where(col+" <= %s", *opts.Until)
	}
}

// page orders the result and applies Limit/Offset.
func (q *query) page(orderBy string, opts domain.ListOpts) {
	q.sb.WriteString(" ORDER BY " + orderBy)
	if opts.Limit > 0 {
		q.sb.WriteString(" LIMIT " + q.bind(opts.Limit))
	}
	if opts.Offset > 0 {
		q.sb.WriteString(" OFFSET " + q.bind(opts.Offset))
	}
}

func (q *query) String() string { return q.sb.String() }
