// Package ledger implements the accounting tools published to the model.
//
// Information Hiding:
// - Query statement checks hidden behind each tool's Validate
// - Page flattening and entity detection hidden behind the retriever tools
// - Tool construction hidden behind Register

package ledger

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/richinex/ledgerline/retriever"
	"github.com/richinex/ledgerline/storage"
	"github.com/richinex/ledgerline/tools"
)

// Tool names.
const (
	SchemaRetrieverName   = "schema_retriever"
	SizeRetrieverName     = "size_retriever"
	UserDataRetrieverName = "user_data_retriever"
	TaskStatusName        = "task_status"
)

// Names is the published tool set. The registry is verified against it at startup.
var Names = []string{
	SchemaRetrieverName,
	SizeRetrieverName,
	UserDataRetrieverName,
	TaskStatusName,
}

// Deps are the collaborators shared by every ledger tool.
type Deps struct {
	Retriever *retriever.Retriever
	Tasks     storage.TaskStore
}

// Register adds every ledger tool to reg.
func Register(reg *tools.Registry, deps Deps) error {
	if deps.Retriever == nil {
		return errors.New("ledger tools require a retriever")
	}
	if deps.Tasks == nil {
		return errors.New("ledger tools require a task store")
	}

	entries := []struct {
		desc    tools.Descriptor
		factory tools.Factory
	}{
		{schemaDescriptor(), newSchemaRetriever},
		{sizeDescriptor(), newSizeRetriever(deps)},
		{userDataDescriptor(), newUserDataRetriever(deps)},
		{taskStatusDescriptor(), newTaskStatus(deps)},
	}
	for _, e := range entries {
		if err := reg.Register(e.desc, e.factory); err != nil {
			return fmt.Errorf("failed to register %s: %w", e.desc.Name, err)
		}
	}
	return nil
}

var (
	selectPattern     = regexp.MustCompile(`(?i)^SELECT\s`)
	fromPattern       = regexp.MustCompile(`(?i)\bFROM\s+([A-Za-z]+)`)
	countPattern      = regexp.MustCompile(`(?i)\bCOUNT\s*\(\s*\*\s*\)`)
	betweenPattern    = regexp.MustCompile(`(?i)\bBETWEEN\b`)
	orderByPattern    = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
	paginationPattern = regexp.MustCompile(`(?i)\b(STARTPOSITION|MAXRESULTS)\b`)
)

// normalizeStatement trims whitespace and trailing semicolons.
func normalizeStatement(s string) string {
	s = strings.TrimSpace(s)
	for strings.HasSuffix(s, ";") {
		s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	}
	return s
}

// queryEntity checks the SELECT ... FROM <Entity> shape and returns the entity.
func queryEntity(statement string) (string, error) {
	if statement == "" {
		return "", tools.Validationf("query is required")
	}
	if !selectPattern.MatchString(statement) {
		return "", tools.Validationf("query must start with SELECT")
	}
	m := fromPattern.FindStringSubmatch(statement)
	if m == nil {
		return "", tools.Validationf("FROM clause is missing")
	}
	entity, ok := canonicalEntity(m[1])
	if !ok {
		if near := suggestEntities(m[1]); len(near) > 0 {
			return "", tools.Validationf("unknown entity %q; did you mean %s?", m[1], strings.Join(near, " or "))
		}
		return "", tools.Validationf("unknown entity %q; call %s to list entities", m[1], SchemaRetrieverName)
	}
	return entity, nil
}

// callerID identifies the invocation in retriever logs.
func callerID(inv tools.Invocation) string {
	if inv.CBID != "" {
		return inv.CBID
	}
	return "thread:" + strconv.FormatInt(inv.ThreadID, 10)
}
