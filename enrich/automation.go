package enrich

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"orgatlas.dev/coalesce"
	"orgatlas.dev/salesforce"
)

// AutomationEnricher collects the automation artifacts referencing each
// object: flows, Apex triggers, validation rules, and workflow rules. All
// four layers are fetched with coalesced IN-clause queries over the working
// set; trigger complexity is computed locally from the fetched source.
type AutomationEnricher struct {
	client    QueryClient
	coalescer *coalesce.Coalescer
	log       *logrus.Logger
}

// NewAutomationEnricher builds the enricher around a shared coalescer.
func NewAutomationEnricher(client QueryClient, coalescer *coalesce.Coalescer, log *logrus.Logger) *AutomationEnricher {
	return &AutomationEnricher{client: client, coalescer: coalescer, log: log}
}

func (e *AutomationEnricher) Name() string { return "automation" }

// Enrich attaches an AutomationBlock to every record. A failed layer marks
// its refs errored without blocking the other layers.
func (e *AutomationEnricher) Enrich(ctx context.Context, records map[string]*salesforce.ObjectRecord) (map[string]error, error) {
	refs := sortedRefs(records)
	failures := make(map[string]error)

	for _, record := range records {
		record.Automation = &salesforce.AutomationBlock{}
	}

	layers := []struct {
		dataType string
		fetch    coalesce.BatchFn
		apply    func(record *salesforce.ObjectRecord, payload []byte) error
	}{
		{"flows", e.fetchFlows, applyFlows},
		{"triggers", e.fetchTriggers, applyTriggers},
		{"validation_rules", e.fetchValidationRules, applyValidationRules},
		{"workflow_rules", e.fetchWorkflowRules, applyWorkflowRules},
	}

	for _, layer := range layers {
		result, err := e.coalescer.Fetch(ctx, layer.dataType, refs, nil, layer.fetch)
		if err != nil {
			return failures, err
		}
		for ref, layerErr := range result.Errors {
			if _, seen := failures[ref]; !seen {
				failures[ref] = layerErr
			}
		}
		for ref, payload := range result.Payloads {
			if err := layer.apply(records[ref], payload); err != nil {
				failures[ref] = err
			}
		}
	}
	return failures, nil
}

func (e *AutomationEnricher) fetchFlows(ctx context.Context, refs []string) (map[string][]byte, error) {
	soql := fmt.Sprintf(
		"SELECT Label, ProcessType, TriggerObjectOrEvent.QualifiedApiName, ActiveVersionId "+
			"FROM FlowDefinition WHERE TriggerObjectOrEvent.QualifiedApiName IN (%s)",
		coalesce.Quote(refs))
	rows, err := e.client.QueryTooling(ctx, soql)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		row["__ref"] = rowNested(row, "TriggerObjectOrEvent", "QualifiedApiName")
	}
	return coalesce.GroupByRef(rows, "__ref")
}

func (e *AutomationEnricher) fetchTriggers(ctx context.Context, refs []string) (map[string][]byte, error) {
	soql := fmt.Sprintf(
		"SELECT Name, Status, TableEnumOrId, Body FROM ApexTrigger WHERE TableEnumOrId IN (%s)",
		coalesce.Quote(refs))
	rows, err := e.client.QueryTooling(ctx, soql)
	if err != nil {
		return nil, err
	}
	return coalesce.GroupByRef(rows, "TableEnumOrId")
}

func (e *AutomationEnricher) fetchValidationRules(ctx context.Context, refs []string) (map[string][]byte, error) {
	soql := fmt.Sprintf(
		"SELECT ValidationName, Active, ErrorMessage, EntityDefinition.QualifiedApiName "+
			"FROM ValidationRule WHERE EntityDefinition.QualifiedApiName IN (%s)",
		coalesce.Quote(refs))
	rows, err := e.client.QueryTooling(ctx, soql)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		row["__ref"] = rowNested(row, "EntityDefinition", "QualifiedApiName")
	}
	return coalesce.GroupByRef(rows, "__ref")
}

func (e *AutomationEnricher) fetchWorkflowRules(ctx context.Context, refs []string) (map[string][]byte, error) {
	soql := fmt.Sprintf(
		"SELECT Name, TableEnumOrId FROM WorkflowRule WHERE TableEnumOrId IN (%s)",
		coalesce.Quote(refs))
	rows, err := e.client.QueryTooling(ctx, soql)
	if err != nil {
		return nil, err
	}
	return coalesce.GroupByRef(rows, "TableEnumOrId")
}

func applyFlows(record *salesforce.ObjectRecord, payload []byte) error {
	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		return fmt.Errorf("decode flows for %s: %w", record.Ref, err)
	}
	for _, row := range rows {
		status := "Inactive"
		if rowString(row, "ActiveVersionId") != "" {
			status = "Active"
		}
		record.Automation.Flows = append(record.Automation.Flows, salesforce.FlowRef{
			Name:   rowString(row, "Label"),
			Type:   rowString(row, "ProcessType"),
			Status: status,
		})
	}
	return nil
}

func applyTriggers(record *salesforce.ObjectRecord, payload []byte) error {
	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		return fmt.Errorf("decode triggers for %s: %w", record.Ref, err)
	}
	for _, row := range rows {
		total, comment, code := salesforce.TriggerComplexity(rowString(row, "Body"))
		record.Automation.Triggers = append(record.Automation.Triggers, salesforce.TriggerRef{
			Name:         rowString(row, "Name"),
			Status:       rowString(row, "Status"),
			TotalLines:   total,
			CommentLines: comment,
			CodeLines:    code,
		})
	}
	return nil
}

func applyValidationRules(record *salesforce.ObjectRecord, payload []byte) error {
	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		return fmt.Errorf("decode validation rules for %s: %w", record.Ref, err)
	}
	for _, row := range rows {
		record.Automation.ValidationRules = append(record.Automation.ValidationRules, salesforce.ValidationRule{
			Name:         rowString(row, "ValidationName"),
			Active:       rowBool(row, "Active"),
			ErrorMessage: rowString(row, "ErrorMessage"),
		})
	}
	return nil
}

func applyWorkflowRules(record *salesforce.ObjectRecord, payload []byte) error {
	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		return fmt.Errorf("decode workflow rules for %s: %w", record.Ref, err)
	}
	for _, row := range rows {
		record.Automation.WorkflowRules = append(record.Automation.WorkflowRules, salesforce.WorkflowRule{
			Name:   rowString(row, "Name"),
			Active: true,
		})
	}
	return nil
}
