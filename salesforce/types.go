// Package salesforce holds the domain model of an extracted org and the
// remote access primitives built on the CLI bridge: the rate-gated query
// client, the object enumerator, and the parallel describer.
package salesforce

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// FieldSpec is one field of an object. Optional numeric attributes are
// pointers so absent and zero stay distinguishable in the canonical form.
type FieldSpec struct {
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Label          string   `json:"label,omitempty"`
	Required       bool     `json:"required"`
	Unique         bool     `json:"unique"`
	ExternalID     bool     `json:"external_id"`
	Length         *int     `json:"length,omitempty"`
	Precision      *int     `json:"precision,omitempty"`
	Scale          *int     `json:"scale,omitempty"`
	Formula        string   `json:"formula,omitempty"`
	RelationshipTo []string `json:"relationship_to,omitempty"`
	PicklistValues []string `json:"picklist_values,omitempty"`
	Custom         bool     `json:"custom"`
}

// Relationship is a child relationship hanging off an object.
type Relationship struct {
	Name        string `json:"name"`
	ChildObject string `json:"child_object"`
	Field       string `json:"field"`
}

// StatsBlock carries sampled usage statistics for one object.
type StatsBlock struct {
	RecordCount    int64                       `json:"record_count"`
	FillRates      map[string]float64          `json:"fill_rates,omitempty"`
	Picklists      map[string]map[string]int64 `json:"picklists,omitempty"`
	FreshnessRatio float64                     `json:"freshness_ratio"`
	TopOwners      []OwnerCount                `json:"top_owners,omitempty"`
	SampleSize     int                         `json:"sample_size"`
}

// OwnerCount pairs an owning profile with its record share.
type OwnerCount struct {
	Profile string `json:"profile"`
	Count   int64  `json:"count"`
}

// FlowRef is a flow that touches the object.
type FlowRef struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
	Type   string `json:"type,omitempty"`
}

// TriggerRef is an Apex trigger on the object with locally computed
// complexity numbers.
type TriggerRef struct {
	Name         string `json:"name"`
	Status       string `json:"status,omitempty"`
	TotalLines   int    `json:"total_lines"`
	CommentLines int    `json:"comment_lines"`
	CodeLines    int    `json:"code_lines"`
}

// ValidationRule and WorkflowRule are declarative automation artifacts.
type ValidationRule struct {
	Name         string `json:"name"`
	Active       bool   `json:"active"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type WorkflowRule struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// AutomationBlock aggregates the automation artifacts referencing an object.
type AutomationBlock struct {
	Flows           []FlowRef        `json:"flows,omitempty"`
	Triggers        []TriggerRef     `json:"triggers,omitempty"`
	ValidationRules []ValidationRule `json:"validation_rules,omitempty"`
	WorkflowRules   []WorkflowRule   `json:"workflow_rules,omitempty"`
}

// FieldAccess lists who can edit and who can only read a field.
type FieldAccess struct {
	EditableBy []string `json:"editable_by,omitempty"`
	ReadonlyBy []string `json:"readonly_by,omitempty"`
}

// CRUD is the object-level permission set of one profile or permission set.
type CRUD struct {
	Create bool `json:"create"`
	Read   bool `json:"read"`
	Edit   bool `json:"edit"`
	Delete bool `json:"delete"`
}

// SecurityBlock is the per-object security model.
type SecurityBlock struct {
	FieldAccess map[string]FieldAccess `json:"field_access,omitempty"`
	ObjectCRUD  map[string]CRUD        `json:"object_crud,omitempty"`
}

// FieldAudit records the audit trail of one custom field.
type FieldAudit struct {
	CreatedBy  string    `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	ModifiedBy string    `json:"modified_by,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// HistoryBlock maps custom field names to their audit records.
type HistoryBlock struct {
	Fields map[string]FieldAudit `json:"fields,omitempty"`
}

// ObjectRecord is the full extracted representation of one object. Enricher
// blocks are optional pointers; absent means the phase did not run.
type ObjectRecord struct {
	Ref           string           `json:"ref"`
	Label         string           `json:"label,omitempty"`
	Description   string           `json:"description,omitempty"`
	Custom        bool             `json:"custom"`
	Fields        []FieldSpec      `json:"fields"`
	Relationships []Relationship   `json:"relationships,omitempty"`
	Stats         *StatsBlock      `json:"stats,omitempty"`
	Automation    *AutomationBlock `json:"automation,omitempty"`
	Security      *SecurityBlock   `json:"security,omitempty"`
	History       *HistoryBlock    `json:"history,omitempty"`
	ContentHash   string           `json:"content_hash,omitempty"`
}

// Profile, PermissionSet, and Role are the org-global security entities.
type Profile struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	UserLicense string          `json:"user_license,omitempty"`
	UserCount   int64           `json:"user_count"`
	ObjectCRUD  map[string]CRUD `json:"object_crud,omitempty"`
}

type PermissionSet struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Label      string          `json:"label,omitempty"`
	ObjectCRUD map[string]CRUD `json:"object_crud,omitempty"`
}

type Role struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ParentID  string `json:"parent_id,omitempty"`
	UserCount int64  `json:"user_count"`
}

// OrgSecurity is the org-wide security snapshot written to security.json.
type OrgSecurity struct {
	Profiles       []Profile       `json:"profiles"`
	PermissionSets []PermissionSet `json:"permission_sets"`
	Roles          []Role          `json:"roles"`
}

// Normalize sorts every semantically unordered collection so serialization
// and hashing are deterministic across runs.
func (r *ObjectRecord) Normalize() {
	sort.Slice(r.Fields, func(i, j int) bool { return r.Fields[i].Name < r.Fields[j].Name })
	for i := range r.Fields {
		sort.Strings(r.Fields[i].RelationshipTo)
	}
	sort.Slice(r.Relationships, func(i, j int) bool {
		if r.Relationships[i].ChildObject != r.Relationships[j].ChildObject {
			return r.Relationships[i].ChildObject < r.Relationships[j].ChildObject
		}
		return r.Relationships[i].Name < r.Relationships[j].Name
	})
	if r.Automation != nil {
		a := r.Automation
		sort.Slice(a.Flows, func(i, j int) bool { return a.Flows[i].Name < a.Flows[j].Name })
		sort.Slice(a.Triggers, func(i, j int) bool { return a.Triggers[i].Name < a.Triggers[j].Name })
		sort.Slice(a.ValidationRules, func(i, j int) bool { return a.ValidationRules[i].Name < a.ValidationRules[j].Name })
		sort.Slice(a.WorkflowRules, func(i, j int) bool { return a.WorkflowRules[i].Name < a.WorkflowRules[j].Name })
	}
	if r.Security != nil {
		for field, access := range r.Security.FieldAccess {
			sort.Strings(access.EditableBy)
			sort.Strings(access.ReadonlyBy)
			r.Security.FieldAccess[field] = access
		}
	}
	if r.Stats != nil {
		sort.Slice(r.Stats.TopOwners, func(i, j int) bool {
			if r.Stats.TopOwners[i].Count != r.Stats.TopOwners[j].Count {
				return r.Stats.TopOwners[i].Count > r.Stats.TopOwners[j].Count
			}
			return r.Stats.TopOwners[i].Profile < r.Stats.TopOwners[j].Profile
		})
	}
}

// CanonicalJSON returns the deterministic serialization used for hashing:
// collections normalized, the content hash field cleared, map keys sorted by
// the encoder.
func (r *ObjectRecord) CanonicalJSON() ([]byte, error) {
	clone := *r
	clone.ContentHash = ""
	clone.Normalize()
	return json.Marshal(&clone)
}

// ComputeHash fills ContentHash from the canonical serialization.
func (r *ObjectRecord) ComputeHash() error {
	canonical, err := r.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("canonicalize %s: %w", r.Ref, err)
	}
	sum := sha256.Sum256(canonical)
	r.ContentHash = hex.EncodeToString(sum[:])
	return nil
}

// TriggerComplexity computes line statistics from an Apex trigger body.
// Comment detection covers line comments and block comment interiors.
func TriggerComplexity(body string) (total, comment, code int) {
	inBlock := false
	for _, line := range strings.Split(body, "\n") {
		total++
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case inBlock:
			comment++
			if strings.Contains(trimmed, "*/") {
				inBlock = false
			}
		case strings.HasPrefix(trimmed, "//"):
			comment++
		case strings.HasPrefix(trimmed, "/*"):
			comment++
			if !strings.Contains(trimmed, "*/") {
				inBlock = true
			}
		default:
			code++
		}
	}
	return total, comment, code
}
