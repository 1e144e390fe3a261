package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"orgatlas.dev/coalesce"
	"orgatlas.dev/salesforce"
)

// HistoryEnricher attaches the audit trail of custom fields: who created and
// last modified each one, and when. A single coalesced Tooling query over
// the working set covers all objects.
type HistoryEnricher struct {
	client    QueryClient
	coalescer *coalesce.Coalescer
	log       *logrus.Logger
}

func NewHistoryEnricher(client QueryClient, coalescer *coalesce.Coalescer, log *logrus.Logger) *HistoryEnricher {
	return &HistoryEnricher{client: client, coalescer: coalescer, log: log}
}

func (e *HistoryEnricher) Name() string { return "history" }

// Enrich attaches a HistoryBlock to every record that has custom fields.
func (e *HistoryEnricher) Enrich(ctx context.Context, records map[string]*salesforce.ObjectRecord) (map[string]error, error) {
	refs := sortedRefs(records)

	result, err := e.coalescer.Fetch(ctx, "field_history", refs, nil, e.fetchFieldAudits)
	if err != nil {
		return nil, err
	}

	failures := make(map[string]error)
	for ref, fetchErr := range result.Errors {
		failures[ref] = fetchErr
	}
	for ref, payload := range result.Payloads {
		if err := applyFieldAudits(records[ref], payload); err != nil {
			failures[ref] = err
		}
	}
	return failures, nil
}

func (e *HistoryEnricher) fetchFieldAudits(ctx context.Context, refs []string) (map[string][]byte, error) {
	soql := fmt.Sprintf(
		"SELECT DeveloperName, TableEnumOrId, CreatedBy.Name, CreatedDate, LastModifiedBy.Name, LastModifiedDate "+
			"FROM CustomField WHERE TableEnumOrId IN (%s)",
		coalesce.Quote(refs))
	rows, err := e.client.QueryTooling(ctx, soql)
	if err != nil {
		return nil, err
	}
	return coalesce.GroupByRef(rows, "TableEnumOrId")
}

func applyFieldAudits(record *salesforce.ObjectRecord, payload []byte) error {
	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		return fmt.Errorf("decode field history for %s: %w", record.Ref, err)
	}
	if len(rows) == 0 {
		return nil
	}

	block := &salesforce.HistoryBlock{Fields: make(map[string]salesforce.FieldAudit, len(rows))}
	for _, row := range rows {
		name := rowString(row, "DeveloperName")
		if name == "" {
			continue
		}
		if !strings.HasSuffix(name, "__c") {
			name += "__c"
		}
		block.Fields[name] = salesforce.FieldAudit{
			CreatedBy:  rowNested(row, "CreatedBy", "Name"),
			CreatedAt:  rowTime(row, "CreatedDate"),
			ModifiedBy: rowNested(row, "LastModifiedBy", "Name"),
			ModifiedAt: rowTime(row, "LastModifiedDate"),
		}
	}
	record.History = block
	return nil
}
