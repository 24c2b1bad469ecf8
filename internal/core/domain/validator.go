package domain

import (
	"errors"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var (
	ErrEmptyQuery     = errors.New("empty query")
	ErrNotAllowed     = errors.New("only SELECT queries are allowed")
	ErrMultiStatement = errors.New("multiple statements are not allowed")
	ErrParseFailed    = errors.New("failed to parse SQL")
	ErrNotFound       = errors.New("not found")
)

// PgQueryValidator admits one read-only statement, parsed with PostgreSQL's
// own parser, before it is run and watched. SELECT and EXPLAIN of a SELECT
// pass. SELECT INTO, row locks and data-modifying CTEs are rejected even
// though they parse as SELECT.
type PgQueryValidator struct{}

func NewPgQueryValidator() *PgQueryValidator {
	return &PgQueryValidator{}
}

func (v *PgQueryValidator) Validate(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return ErrEmptyQuery
	}

	tree, err := pg_query.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrParseFailed, err)
	}

	switch len(tree.GetStmts()) {
	case 0:
		return ErrEmptyQuery
	case 1:
	default:
		return ErrMultiStatement
	}

	stmt := tree.GetStmts()[0].GetStmt()
	if stmt == nil {
		return ErrEmptyQuery
	}
	return checkRead(stmt)
}

func checkRead(n *pg_query.Node) error {
	switch n.GetNode().(type) {
	case *pg_query.Node_SelectStmt:
		return checkSelect(n.GetSelectStmt())
	case *pg_query.Node_ExplainStmt:
		return checkRead(n.GetExplainStmt().GetQuery())
	}
	return fmt.Errorf("%w: got %s", ErrNotAllowed, statementKind(n))
}

func checkSelect(s *pg_query.SelectStmt) error {
	if s.GetIntoClause() != nil {
		return fmt.Errorf("%w: SELECT INTO creates a table", ErrNotAllowed)
	}
	if len(s.GetLockingClause()) > 0 {
		return fmt.Errorf("%w: row locking clause", ErrNotAllowed)
	}
	for _, cte := range s.GetWithClause().GetCtes() {
		if err := checkRead(cte.GetCommonTableExpr().GetCtequery()); err != nil {
			return err
		}
	}
	// UNION, INTERSECT and EXCEPT keep their operands in Larg and Rarg.
	for _, branch := range []*pg_query.SelectStmt{s.GetLarg(), s.GetRarg()} {
		if branch == nil {
			continue
		}
		if err := checkSelect(branch); err != nil {
			return err
		}
	}
	return nil
}

// statementKind names a parse node for error messages, e.g. "InsertStmt".
func statementKind(n *pg_query.Node) string {
	if n.GetNode() == nil {
		return "empty statement"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", n.GetNode()), "*pg_query.Node_")
}
