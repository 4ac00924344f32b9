// helpers_test.go — QueryBuilder 表驱动测试。
package store

import (
	"strings"
	"testing"
)

func TestQueryBuilderEq(t *testing.T) {
	t.Run("skips_empty", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("run_id", "")
		if clause := qb.WhereClause(); clause != "" {
			t.Errorf("expected empty WHERE, got %q", clause)
		}
	})

	t.Run("adds_condition", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("run_id", "run-1")
		clause := qb.WhereClause()
		if !strings.Contains(clause, "run_id = $1") {
			t.Errorf("expected 'run_id = $1' in WHERE, got %q", clause)
		}
		params := qb.Params()
		if len(params) != 1 || params[0] != "run-1" {
			t.Errorf("expected params [run-1], got %v", params)
		}
	})

	t.Run("multiple_conditions", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("workflow_id", "wf-1").Eq("kind", "answer")
		clause := qb.WhereClause()
		if !strings.Contains(clause, "workflow_id = $1") || !strings.Contains(clause, "kind = $2") {
			t.Errorf("expected both conditions, got %q", clause)
		}
	})
}

func TestQueryBuilderGtInt64(t *testing.T) {
	t.Run("skips_zero", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.GtInt64("ts_ms", 0)
		if clause := qb.WhereClause(); clause != "" {
			t.Errorf("since=0 must not add a condition, got %q", clause)
		}
	})

	t.Run("adds_cursor", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("run_id", "run-1").GtInt64("ts_ms", 1000)
		clause := qb.WhereClause()
		if !strings.Contains(clause, "ts_ms > $2") {
			t.Errorf("expected ts_ms cursor, got %q", clause)
		}
	})
}

func TestQueryBuilderKeywordLike(t *testing.T) {
	t.Run("escape_clause", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("deploy", "content")
		if clause := qb.WhereClause(); !strings.Contains(clause, `ESCAPE E'\\'`) {
			t.Errorf("expected ESCAPE clause, got %q", clause)
		}
	})

	t.Run("escapes_percent", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("100%", "content")
		params := qb.Params()
		if len(params) != 1 {
			t.Fatalf("expected 1 param, got %d", len(params))
		}
		if p := params[0].(string); !strings.Contains(p, `\%`) {
			t.Errorf("expected escaped %%, got %q", p)
		}
	})

	t.Run("multi_column_or", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("x", "content", "kind")
		clause := qb.WhereClause()
		if !strings.Contains(clause, "LOWER(content) LIKE $1") || !strings.Contains(clause, "LOWER(kind) LIKE $2") {
			t.Errorf("expected OR over both columns, got %q", clause)
		}
		if !strings.Contains(clause, " OR ") {
			t.Errorf("expected OR join, got %q", clause)
		}
	})
}

func TestQueryBuilderBuild(t *testing.T) {
	qb := NewQueryBuilder().Eq("run_id", "run-1").GtInt64("ts_ms", 50)
	sql, params := qb.Build("SELECT * FROM run_messages", "ts_ms ASC", 100)

	if !strings.HasPrefix(sql, "SELECT * FROM run_messages WHERE ") {
		t.Errorf("unexpected sql prefix: %q", sql)
	}
	if !strings.Contains(sql, "ORDER BY ts_ms ASC") {
		t.Errorf("missing order by: %q", sql)
	}
	if !strings.HasSuffix(sql, "LIMIT $3") {
		t.Errorf("missing limit placeholder: %q", sql)
	}
	if len(params) != 3 || params[2] != 100 {
		t.Errorf("expected 3 params ending with limit, got %v", params)
	}
}

func TestQueryBuilderBuildClampsLimit(t *testing.T) {
	_, params := NewQueryBuilder().Build("SELECT 1", "", 999999)
	if params[len(params)-1] != 2000 {
		t.Errorf("limit should clamp to 2000, got %v", params[len(params)-1])
	}
	_, params = NewQueryBuilder().Build("SELECT 1", "", -5)
	if params[len(params)-1] != 1 {
		t.Errorf("limit should clamp to 1, got %v", params[len(params)-1])
	}
}
