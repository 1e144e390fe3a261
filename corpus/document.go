// Package corpus renders completed object records into the searchable
// corpus: one plain-text document per object split into token-capped chunks
// with deterministic ids, a markdown file per object, and the JSONL file the
// uploader consumes. Rendering is pure; the emitter owns all file output.
package corpus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"orgatlas.dev/salesforce"
)

// RenderText builds the plain-text document for one object. Sections are
// separated by blank lines; the splitter relies on that layout.
func RenderText(record *salesforce.ObjectRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Object: %s\n\n", record.Ref)

	if record.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n\n", record.Description)
	}

	b.WriteString("Fields:\n")
	for _, f := range record.Fields {
		fmt.Fprintf(&b, "- %s: %s", f.Name, f.Type)
		if f.Required {
			b.WriteString(" (required)")
		}
		if len(f.RelationshipTo) > 0 {
			fmt.Fprintf(&b, " -> %s", strings.Join(f.RelationshipTo, ", "))
		}
		if len(f.PicklistValues) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(f.PicklistValues, ", "))
		}
		b.WriteString("\n")
	}

	if auto := record.Automation; auto != nil {
		b.WriteString("\nAutomation:\n")
		fmt.Fprintf(&b, "- Flows: %d\n", len(auto.Flows))
		fmt.Fprintf(&b, "- Triggers: %d\n", len(auto.Triggers))
		for _, trigger := range auto.Triggers {
			fmt.Fprintf(&b, "  - %s (%s): %d code lines\n", trigger.Name, trigger.Status, trigger.CodeLines)
		}
		fmt.Fprintf(&b, "- Validation Rules: %d\n", len(auto.ValidationRules))
		fmt.Fprintf(&b, "- Workflow Rules: %d\n", len(auto.WorkflowRules))
	}

	if sec := record.Security; sec != nil && len(sec.ObjectCRUD) > 0 {
		b.WriteString("\nSecurity:\n")
		for _, grantee := range sortedKeys(sec.ObjectCRUD) {
			crud := sec.ObjectCRUD[grantee]
			fmt.Fprintf(&b, "- %s: Create=%t, Read=%t, Edit=%t, Delete=%t\n",
				grantee, crud.Create, crud.Read, crud.Edit, crud.Delete)
		}
	}

	if stats := record.Stats; stats != nil {
		b.WriteString("\nStatistics:\n")
		fmt.Fprintf(&b, "- Record Count: %s\n", humanize.Comma(stats.RecordCount))
		if stats.FreshnessRatio > 0 {
			fmt.Fprintf(&b, "- Recently Modified: %.0f%%\n", stats.FreshnessRatio*100)
		}
	}

	return b.String()
}

// RenderSecurityText builds the standalone security document for one object.
// It is emitted as a separate corpus entry so permission questions retrieve
// security detail directly instead of the whole object document.
func RenderSecurityText(record *salesforce.ObjectRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Security Information for Object: %s\n\n", record.Ref)

	sec := record.Security
	if sec == nil {
		b.WriteString("No security data extracted.\n")
		return b.String()
	}

	if len(sec.ObjectCRUD) > 0 {
		b.WriteString("Profile Permissions:\n")
		for _, grantee := range sortedKeys(sec.ObjectCRUD) {
			crud := sec.ObjectCRUD[grantee]
			fmt.Fprintf(&b, "- %s: Create=%t, Read=%t, Edit=%t, Delete=%t\n",
				grantee, crud.Create, crud.Read, crud.Edit, crud.Delete)
		}
		b.WriteString("\n")
	}

	if len(sec.FieldAccess) > 0 {
		fmt.Fprintf(&b, "Field-Level Security: %d fields with FLS settings\n", len(sec.FieldAccess))
		for _, field := range sortedKeys(sec.FieldAccess) {
			access := sec.FieldAccess[field]
			fmt.Fprintf(&b, "- %s: editable by %s; read-only for %s\n",
				field, joinOrNone(access.EditableBy), joinOrNone(access.ReadonlyBy))
		}
	}

	return b.String()
}

// RenderMarkdown builds the per-object markdown file written under md/.
func RenderMarkdown(record *salesforce.ObjectRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", record.Ref)
	if record.Label != "" && record.Label != record.Ref {
		fmt.Fprintf(&b, "**Label**: %s\n\n", record.Label)
	}
	if record.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", record.Description)
	}

	b.WriteString("## Fields\n\n")
	b.WriteString("| Name | Type | Required | References |\n")
	b.WriteString("|------|------|----------|------------|\n")
	for _, f := range record.Fields {
		fmt.Fprintf(&b, "| %s | %s | %t | %s |\n",
			f.Name, f.Type, f.Required, strings.Join(f.RelationshipTo, ", "))
	}

	if auto := record.Automation; auto != nil {
		b.WriteString("\n## Automation\n\n")
		for _, flow := range auto.Flows {
			fmt.Fprintf(&b, "- Flow: %s (%s)\n", flow.Name, flow.Status)
		}
		for _, trigger := range auto.Triggers {
			fmt.Fprintf(&b, "- Trigger: %s (%s), %d lines (%d code, %d comment)\n",
				trigger.Name, trigger.Status, trigger.TotalLines, trigger.CodeLines, trigger.CommentLines)
		}
		for _, rule := range auto.ValidationRules {
			fmt.Fprintf(&b, "- Validation Rule: %s (active=%t)\n", rule.Name, rule.Active)
		}
		for _, rule := range auto.WorkflowRules {
			fmt.Fprintf(&b, "- Workflow Rule: %s\n", rule.Name)
		}
	}

	if sec := record.Security; sec != nil && len(sec.ObjectCRUD) > 0 {
		b.WriteString("\n## Security\n\n")
		b.WriteString("| Grantee | Create | Read | Edit | Delete |\n")
		b.WriteString("|---------|--------|------|------|--------|\n")
		for _, grantee := range sortedKeys(sec.ObjectCRUD) {
			crud := sec.ObjectCRUD[grantee]
			fmt.Fprintf(&b, "| %s | %t | %t | %t | %t |\n",
				grantee, crud.Create, crud.Read, crud.Edit, crud.Delete)
		}
	}

	if stats := record.Stats; stats != nil {
		b.WriteString("\n## Statistics\n\n")
		fmt.Fprintf(&b, "- Record count: %s\n", humanize.Comma(stats.RecordCount))
		fmt.Fprintf(&b, "- Sample size: %d\n", stats.SampleSize)
		if stats.FreshnessRatio > 0 {
			fmt.Fprintf(&b, "- Modified in window: %.1f%%\n", stats.FreshnessRatio*100)
		}
	}

	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinOrNone(list []string) string {
	if len(list) == 0 {
		return "none"
	}
	return strings.Join(list, ", ")
}
