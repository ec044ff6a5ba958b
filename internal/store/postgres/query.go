package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
)

var (
	billSearchColumns    = []string{"bill_number", "vendor", "notes"}
	productSearchColumns = []string{"product_name", "category", "vendor", "bill_number"}
)

var comparisonOps = map[store.FilterOp]string{
	store.OpEq:  "=",
	store.OpGte: ">=",
	store.OpLte: "<=",
}

type sqlArgs []any

func (a *sqlArgs) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// selectRows renders q as a keyset-paginated SELECT. Field names were
// checked by Query.Validate, so they are safe to use as identifiers.
func selectRows(ctx context.Context, db queryer, table string, columns string, search []string, q store.Query) (*sql.Rows, error) {
	var args sqlArgs
	where := whereClause(&args, q.Filters, search)

	order := ident(q.Order())
	dir, cmp := "ASC", ">"
	if q.Desc {
		dir, cmp = "DESC", "<"
	}

	if q.Cursor != "" {
		var exists bool
		checkArgs := append(sqlArgs{}, args...)
		cursor := checkArgs.add(q.Cursor)
		check := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s AND id = %s)`, table, where, cursor)
		if err := db.QueryRowContext(ctx, check, checkArgs...).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: cursor %q not in result set", store.ErrInvalidQuery, q.Cursor)
		}
		p := args.add(q.Cursor)
		where += fmt.Sprintf(` AND (%s, id) %s (SELECT %s, id FROM %s WHERE id = %s)`, order, cmp, order, table, p)
	}

	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY %s %s, id %s`, columns, table, where, order, dir, dir)
	if q.Limit > 0 {
		stmt += ` LIMIT ` + args.add(q.Limit)
	}
	return db.QueryContext(ctx, stmt, args...)
}

func whereClause(args *sqlArgs, filters []store.Filter, search []string) string {
	conds := []string{"TRUE"}
	for _, f := range filters {
		if f.Op == store.OpSearch {
			needle := strings.TrimSpace(f.Value.(string))
			if needle == "" {
				continue
			}
			p := args.add("%" + escapeLike(needle) + "%")
			parts := make([]string, 0, len(search))
			for _, col := range search {
				parts = append(parts, ident(col)+" ILIKE "+p)
			}
			conds = append(conds, "("+strings.Join(parts, " OR ")+")")
			continue
		}
		conds = append(conds, ident(f.Field)+" "+comparisonOps[f.Op]+" "+args.add(sqlValue(f.Value)))
	}
	return strings.Join(conds, " AND ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func sqlValue(v any) any {
	switch n := v.(type) {
	case domain.BillStatus:
		return string(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}
