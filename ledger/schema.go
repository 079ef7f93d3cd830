package ledger

import (
	"context"
	"sort"
	"strings"

	"github.com/richinex/ledgerline/internal/dsa"
	"github.com/richinex/ledgerline/tools"
)

// Field describes one queryable attribute of an entity.
type Field struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Filterable bool   `json:"filterable"`
	Sortable   bool   `json:"sortable"`
}

var entitySchemas = map[string][]Field{
	"Account": {
		{"Id", "string", true, true},
		{"Name", "string", true, true},
		{"AccountType", "string", true, false},
		{"Classification", "string", true, false},
		{"CurrentBalance", "decimal", true, true},
		{"Active", "boolean", true, false},
		{"MetaData.LastUpdatedTime", "datetime", true, true},
	},
	"Bill": {
		{"Id", "string", true, true},
		{"DocNumber", "string", true, true},
		{"TxnDate", "date", true, true},
		{"DueDate", "date", true, true},
		{"VendorRef", "reference", true, false},
		{"TotalAmt", "decimal", true, true},
		{"Balance", "decimal", true, true},
		{"CurrencyRef", "reference", false, false},
		{"MetaData.LastUpdatedTime", "datetime", true, true},
	},
	"BillPayment": {
		{"Id", "string", true, true},
		{"TxnDate", "date", true, true},
		{"VendorRef", "reference", true, false},
		{"PayType", "string", true, false},
		{"TotalAmt", "decimal", true, true},
	},
	"Customer": {
		{"Id", "string", true, true},
		{"DisplayName", "string", true, true},
		{"CompanyName", "string", true, true},
		{"PrimaryEmailAddr", "string", false, false},
		{"Balance", "decimal", true, true},
		{"Active", "boolean", true, false},
	},
	"Invoice": {
		{"Id", "string", true, true},
		{"DocNumber", "string", true, true},
		{"TxnDate", "date", true, true},
		{"DueDate", "date", true, true},
		{"CustomerRef", "reference", true, false},
		{"TotalAmt", "decimal", true, true},
		{"Balance", "decimal", true, true},
		{"EmailStatus", "string", true, false},
		{"MetaData.LastUpdatedTime", "datetime", true, true},
	},
	"Item": {
		{"Id", "string", true, true},
		{"Name", "string", true, true},
		{"Type", "string", true, false},
		{"UnitPrice", "decimal", false, true},
		{"QtyOnHand", "decimal", false, true},
		{"Active", "boolean", true, false},
	},
	"JournalEntry": {
		{"Id", "string", true, true},
		{"DocNumber", "string", true, true},
		{"TxnDate", "date", true, true},
		{"TotalAmt", "decimal", false, true},
		{"Adjustment", "boolean", true, false},
	},
	"Payment": {
		{"Id", "string", true, true},
		{"TxnDate", "date", true, true},
		{"CustomerRef", "reference", true, false},
		{"TotalAmt", "decimal", true, true},
		{"UnappliedAmt", "decimal", false, true},
	},
	"Purchase": {
		{"Id", "string", true, true},
		{"TxnDate", "date", true, true},
		{"PaymentType", "string", true, false},
		{"AccountRef", "reference", true, false},
		{"EntityRef", "reference", false, false},
		{"TotalAmt", "decimal", true, true},
	},
	"Vendor": {
		{"Id", "string", true, true},
		{"DisplayName", "string", true, true},
		{"CompanyName", "string", true, true},
		{"Balance", "decimal", true, true},
		{"Active", "boolean", true, false},
	},
}

// entityIndex keys canonical entity names by their lower-cased form.
var entityIndex = func() *dsa.Trie[string] {
	idx := dsa.NewTrie[string]()
	for entity := range entitySchemas {
		idx.Insert(strings.ToLower(entity), entity)
	}
	return idx
}()

// canonicalEntity maps a case-insensitive entity name to its canonical form.
func canonicalEntity(name string) (string, bool) {
	return entityIndex.Get(strings.ToLower(name))
}

// suggestEntities lists canonical entities whose name starts with name.
func suggestEntities(name string) []string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil
	}
	var out []string
	for _, key := range entityIndex.WithPrefix(name) {
		entity, _ := entityIndex.Get(key)
		out = append(out, entity)
	}
	return out
}

// Entities returns the supported entity names, sorted.
func Entities() []string {
	names := make([]string, 0, len(entitySchemas))
	for entity := range entitySchemas {
		names = append(names, entity)
	}
	sort.Strings(names)
	return names
}

func schemaDescriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        SchemaRetrieverName,
		Description: "Describe the queryable fields of an accounting entity. Omit entity to list every supported entity.",
		Parameters: tools.Schema(
			tools.Parameter{Name: "entity", ParamType: "string", Description: "Entity name, e.g. Bill or Invoice", Enum: Entities()},
		),
		Category: tools.CategoryMetadata,
	}
}

type schemaRetriever struct {
	entity string
}

func newSchemaRetriever(inv tools.Invocation) (tools.Tool, error) {
	return &schemaRetriever{entity: inv.String("entity")}, nil
}

func (t *schemaRetriever) Validate(ctx context.Context) error {
	if t.entity == "" {
		return nil
	}
	if _, ok := canonicalEntity(t.entity); !ok {
		return tools.Validationf("unknown entity %q; supported: %s", t.entity, strings.Join(Entities(), ", "))
	}
	return nil
}

func (t *schemaRetriever) Call(ctx context.Context) (any, error) {
	if err := t.Validate(ctx); err != nil {
		return nil, err
	}
	if t.entity == "" {
		return map[string]any{"entities": Entities()}, nil
	}
	entity, _ := canonicalEntity(t.entity)
	return map[string]any{
		"entity": entity,
		"fields": entitySchemas[entity],
	}, nil
}
