package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/richinex/ledgerline/retriever"
	"github.com/richinex/ledgerline/tools"
)

const (
	// DefaultMaxRows is the row cap when the model does not pass max_rows.
	DefaultMaxRows = 1000
	// AbsoluteMaxRows is the hard limit on max_rows.
	AbsoluteMaxRows = 10000
)

func userDataDescriptor() tools.Descriptor {
	return tools.Descriptor{
		Name: UserDataRetrieverName,
		Description: "Retrieve accounting records. The query must include ORDER BY; pagination is handled " +
			"automatically so STARTPOSITION and MAXRESULTS are not allowed. Call size_retriever first for large sets.",
		Parameters: tools.Schema(
			tools.Parameter{Name: "query", ParamType: "string", Description: "Select query, e.g. SELECT * FROM Invoice WHERE Balance > '0' ORDER BY TxnDate", Required: true},
			tools.Parameter{Name: "max_rows", ParamType: "integer", Description: fmt.Sprintf("Maximum rows to return (default: %d, max: %d)", DefaultMaxRows, AbsoluteMaxRows)},
			tools.Parameter{Name: "output_handle", ParamType: "string", Description: "Name to reference the result in later steps"},
		),
		Category: tools.CategoryBulk,
	}
}

type userDataRetriever struct {
	deps      Deps
	inv       tools.Invocation
	statement string
}

func newUserDataRetriever(deps Deps) tools.Factory {
	return func(inv tools.Invocation) (tools.Tool, error) {
		return &userDataRetriever{deps: deps, inv: inv, statement: normalizeStatement(inv.String("query"))}, nil
	}
}

func (t *userDataRetriever) Validate(ctx context.Context) error {
	_, err := t.entity()
	if err != nil {
		return err
	}
	_, err = t.maxRows()
	return err
}

func (t *userDataRetriever) entity() (string, error) {
	entity, err := queryEntity(t.statement)
	if err != nil {
		return "", err
	}
	if countPattern.MatchString(t.statement) {
		return "", tools.Validationf("COUNT(*) queries belong in %s", SizeRetrieverName)
	}
	if !orderByPattern.MatchString(t.statement) {
		return "", tools.Validationf("ORDER BY clause is missing")
	}
	if paginationPattern.MatchString(t.statement) {
		return "", tools.Validationf("STARTPOSITION and MAXRESULTS are not allowed; pagination is automatic")
	}
	return entity, nil
}

func (t *userDataRetriever) maxRows() (int, error) {
	n, present, err := t.inv.Int("max_rows")
	if err != nil {
		return 0, tools.Validationf("%v", err)
	}
	if !present {
		return DefaultMaxRows, nil
	}
	if n < 1 || n > AbsoluteMaxRows {
		return 0, tools.Validationf("max_rows must be between 1 and %d", AbsoluteMaxRows)
	}
	return n, nil
}

// Call returns {"entity", "rows", "row_count", "truncated"}.
func (t *userDataRetriever) Call(ctx context.Context) (any, error) {
	if err := t.Validate(ctx); err != nil {
		return nil, err
	}
	entity, _ := t.entity()
	limit, _ := t.maxRows()

	// One row past the limit tells a full result from a truncated one.
	pages, err := t.deps.Retriever.Retrieve(ctx, retriever.Query{
		Tool:      UserDataRetrieverName,
		Statement: t.statement,
		MaxItems:  limit + 1,
		CallerID:  callerID(t.inv),
	})
	if err != nil {
		return nil, err
	}

	rows := []json.RawMessage{}
	for i, page := range pages {
		pageRows, err := entityRows(page, entity)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d: %w", i+1, err)
		}
		rows = append(rows, pageRows...)
	}

	truncated := len(rows) > limit
	if truncated {
		rows = rows[:limit]
	}
	return map[string]any{
		"entity":    entity,
		"rows":      rows,
		"row_count": len(rows),
		"truncated": truncated,
	}, nil
}

// entityRows extracts QueryResponse.<entity> from one page. A page without
// the entity array has no rows.
func entityRows(page json.RawMessage, entity string) ([]json.RawMessage, error) {
	var envelope struct {
		QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
	}
	if err := json.Unmarshal(page, &envelope); err != nil {
		return nil, fmt.Errorf("invalid query response: %w", err)
	}
	raw, ok := envelope.QueryResponse[entity]
	if !ok {
		return nil, nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("invalid %s list: %w", entity, err)
	}
	return rows, nil
}
