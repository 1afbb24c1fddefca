// Package query defines the serialisable query representation shared by
// every storage back-end: a filter expression tree, projection, ordering,
// pagination, nested expansion, and aggregation.
//
// # Dialects
//
// Two equivalent wire dialects are accepted and normalised on entry:
//
//   - the legacy dialect: "filters", "skip", "limit", "sort" as
//     [field, order] pairs, "aggregate";
//   - the canonical dialect: "where", "offset", "top", "orderBy" as
//     {field, order} objects, "aggregations".
//
// After normalisation a single internal form is used. Filter criteria are
// triplets [field, operator, value]; groupings are lists interleaved with
// "and"/"or" tokens (a bare list is an implicit AND). The object forms
// {$and: [...], $or: [...]} and {field: {$eq: v}} are also accepted.
//
// # Normalisation
//
//	q, err := query.Normalize(map[string]any{
//	    "filters": []any{
//	        []any{"status", "=", "active"},
//	        "and",
//	        []any{"amount", ">", 100},
//	    },
//	    "sort":  []any{[]any{"created_at", "desc"}},
//	    "limit": 20,
//	})
//
// Groupings that interleave both "and" and "or" tokens without explicit
// nesting are ambiguous and rejected rather than guessed at.
//
// # Evaluation
//
// Match evaluates a filter tree against an in-memory record with the same
// operator semantics the drivers compile to native predicates, which keeps
// the in-memory reference driver and the SQL/document compilers aligned.
package query
