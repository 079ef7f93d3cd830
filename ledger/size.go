package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/richinex/ledgerline/retriever"
	"github.com/richinex/ledgerline/tools"
)

func sizeDescriptor() tools.Descriptor {
	return tools.Descriptor{
		Name: SizeRetrieverName,
		Description: "Count the rows a query would return before retrieving them. " +
			"The query must use COUNT(*) and must not use BETWEEN; express ranges with >= and <=.",
		Parameters: tools.Schema(
			tools.Parameter{Name: "query", ParamType: "string", Description: "Count query, e.g. SELECT COUNT(*) FROM Bill WHERE TxnDate >= '2025-01-01'", Required: true},
		),
		Category: tools.CategoryMetadata,
	}
}

type sizeRetriever struct {
	deps      Deps
	inv       tools.Invocation
	statement string
}

func newSizeRetriever(deps Deps) tools.Factory {
	return func(inv tools.Invocation) (tools.Tool, error) {
		return &sizeRetriever{deps: deps, inv: inv, statement: normalizeStatement(inv.String("query"))}, nil
	}
}

func (t *sizeRetriever) Validate(ctx context.Context) error {
	if _, err := queryEntity(t.statement); err != nil {
		return err
	}
	if !countPattern.MatchString(t.statement) {
		return tools.Validationf("COUNT(*) is missing; size queries must select COUNT(*)")
	}
	if betweenPattern.MatchString(t.statement) {
		return tools.Validationf("BETWEEN is not supported; use >= and <= instead")
	}
	return nil
}

// Call returns the decoded count response, e.g. {"QueryResponse": {"totalCount": 42}}.
func (t *sizeRetriever) Call(ctx context.Context) (any, error) {
	if err := t.Validate(ctx); err != nil {
		return nil, err
	}
	page, err := t.deps.Retriever.FirstPage(ctx, retriever.Query{
		Tool:      SizeRetrieverName,
		Statement: t.statement,
		CallerID:  callerID(t.inv),
	})
	if err != nil {
		return nil, err
	}

	var content map[string]any
	dec := json.NewDecoder(bytes.NewReader(page))
	dec.UseNumber()
	if err := dec.Decode(&content); err != nil {
		return nil, fmt.Errorf("failed to decode count response: %w", err)
	}
	return content, nil
}
