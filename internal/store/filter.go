package store

import (
	"log/slog"
	"strings"
)

// matcher reports whether a record passes a filter.
type matcher func(document string, md Metadata) bool

// compileFilter turns f into a matcher shared by Query and Get. Equality
// clauses and WhereDocument.Contains are honored. Operator-shaped clauses
// ($-prefixed keys, map or list values) cannot be evaluated; they are
// dropped with a warning, so the result is wider than the caller asked for.
// A nil matcher means "match everything".
func compileFilter(collection, op string, f *Filter) matcher {
	if f.IsEmpty() {
		return nil
	}

	type clause struct {
		key   string
		value any
	}
	var clauses []clause
	for key, raw := range f.Where {
		value, ok := normalizeValue(raw)
		if strings.HasPrefix(key, "$") || raw == nil || !ok {
			slog.Warn("filter_clause_ignored",
				slog.String("collection", collection),
				slog.String("op", op),
				slog.String("key", key),
				slog.String("reason", "only equality on scalar metadata values is supported"))
			continue
		}
		clauses = append(clauses, clause{key: key, value: value})
	}

	var contains string
	if f.WhereDocument != nil {
		contains = f.WhereDocument.Contains
	}

	if len(clauses) == 0 && contains == "" {
		return nil
	}

	return func(document string, md Metadata) bool {
		if contains != "" && !strings.Contains(document, contains) {
			return false
		}
		for _, c := range clauses {
			got, ok := md[c.key]
			if !ok || !valuesEqual(got, c.value) {
				return false
			}
		}
		return true
	}
}

// valuesEqual compares normalized scalars; int64 and float64 compare by
// numeric value so JSON-loaded numbers match integer filters.
func valuesEqual(a, b any) bool {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		}
	}
	return a == b
}
