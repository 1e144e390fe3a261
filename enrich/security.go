package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"orgatlas.dev/cache"
	"orgatlas.dev/coalesce"
	"orgatlas.dev/salesforce"
	"orgatlas.dev/worker"
)

// FieldSecurityEnricher derives per-field access lists from one coalesced
// FieldPermissions query over the working set.
type FieldSecurityEnricher struct {
	client    QueryClient
	coalescer *coalesce.Coalescer
	log       *logrus.Logger
}

func NewFieldSecurityEnricher(client QueryClient, coalescer *coalesce.Coalescer, log *logrus.Logger) *FieldSecurityEnricher {
	return &FieldSecurityEnricher{client: client, coalescer: coalescer, log: log}
}

func (e *FieldSecurityEnricher) Name() string { return "security" }

// Enrich attaches a SecurityBlock with field access lists to every record.
func (e *FieldSecurityEnricher) Enrich(ctx context.Context, records map[string]*salesforce.ObjectRecord) (map[string]error, error) {
	refs := sortedRefs(records)

	result, err := e.coalescer.Fetch(ctx, "field_permissions", refs, nil, e.fetchFieldPermissions)
	if err != nil {
		return nil, err
	}

	failures := make(map[string]error)
	for ref, fetchErr := range result.Errors {
		failures[ref] = fetchErr
	}
	for ref, payload := range result.Payloads {
		if err := applyFieldPermissions(records[ref], payload); err != nil {
			failures[ref] = err
		}
	}
	return failures, nil
}

func (e *FieldSecurityEnricher) fetchFieldPermissions(ctx context.Context, refs []string) (map[string][]byte, error) {
	soql := fmt.Sprintf(
		"SELECT SobjectType, Field, PermissionsRead, PermissionsEdit, Parent.Label, Parent.IsOwnedByProfile, Parent.Profile.Name "+
			"FROM FieldPermissions WHERE SobjectType IN (%s)",
		coalesce.Quote(refs))
	rows, err := e.client.Query(ctx, soql)
	if err != nil {
		return nil, err
	}
	return coalesce.GroupByRef(rows, "SobjectType")
}

func applyFieldPermissions(record *salesforce.ObjectRecord, payload []byte) error {
	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		return fmt.Errorf("decode field permissions for %s: %w", record.Ref, err)
	}
	if record.Security == nil {
		record.Security = &salesforce.SecurityBlock{}
	}
	if record.Security.FieldAccess == nil {
		record.Security.FieldAccess = make(map[string]salesforce.FieldAccess)
	}

	for _, row := range rows {
		// Field arrives qualified as "Object.Field".
		field := rowString(row, "Field")
		if idx := strings.IndexByte(field, '.'); idx >= 0 {
			field = field[idx+1:]
		}
		if field == "" {
			continue
		}

		grantee := rowNested(row, "Parent", "Profile", "Name")
		if grantee == "" {
			grantee = rowNested(row, "Parent", "Label")
		}
		if grantee == "" {
			continue
		}

		access := record.Security.FieldAccess[field]
		switch {
		case rowBool(row, "PermissionsEdit"):
			access.EditableBy = appendUnique(access.EditableBy, grantee)
		case rowBool(row, "PermissionsRead"):
			access.ReadonlyBy = appendUnique(access.ReadonlyBy, grantee)
		}
		record.Security.FieldAccess[field] = access
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// OrgSecurityEnricher extracts the org-global security model: all profiles,
// permission sets, and roles, plus per-profile and per-permission-set object
// CRUD detail. The detail calls are individual remote queries under the
// normal rate budget, which makes this the primary quota consumer and the
// usual target of multi-day resumption. Every query runs through the cache
// filler so a resumed run only re-issues what the previous run never got.
type OrgSecurityEnricher struct {
	client QueryClient
	filler *cache.Filler
	pool   *worker.Pool
	log    *logrus.Logger
}

func NewOrgSecurityEnricher(client QueryClient, filler *cache.Filler, workers int, log *logrus.Logger) *OrgSecurityEnricher {
	return &OrgSecurityEnricher{client: client, filler: filler, pool: worker.NewPool(workers, log), log: log}
}

// cachedQuery runs a SOQL query through the cache under the given ref.
func (e *OrgSecurityEnricher) cachedQuery(ctx context.Context, ref, soql string) ([]map[string]any, error) {
	if e.filler == nil {
		return e.client.Query(ctx, soql)
	}
	key := cache.Key{DataType: "org_security", ObjectRef: ref}
	raw, err := e.filler.GetOrFill(ctx, key, func(ctx context.Context) ([]byte, error) {
		rows, err := e.client.Query(ctx, soql)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rows)
	})
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode cached %s rows: %w", ref, err)
	}
	return rows, nil
}

// ListProfiles fetches all profiles with their user counts.
func (e *OrgSecurityEnricher) ListProfiles(ctx context.Context) ([]salesforce.Profile, error) {
	rows, err := e.cachedQuery(ctx, "profiles",
		"SELECT Id, Name, UserLicense.Name, (SELECT Id FROM Users) FROM Profile ORDER BY Name")
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	profiles := make([]salesforce.Profile, 0, len(rows))
	for _, row := range rows {
		profiles = append(profiles, salesforce.Profile{
			ID:          rowString(row, "Id"),
			Name:        rowString(row, "Name"),
			UserLicense: rowNested(row, "UserLicense", "Name"),
			UserCount:   subqueryCount(row, "Users"),
		})
	}
	return profiles, nil
}

// ListPermissionSets fetches all non-profile-owned permission sets.
func (e *OrgSecurityEnricher) ListPermissionSets(ctx context.Context) ([]salesforce.PermissionSet, error) {
	rows, err := e.cachedQuery(ctx, "permission_sets",
		"SELECT Id, Name, Label FROM PermissionSet WHERE IsOwnedByProfile = false ORDER BY Name")
	if err != nil {
		return nil, fmt.Errorf("list permission sets: %w", err)
	}
	sets := make([]salesforce.PermissionSet, 0, len(rows))
	for _, row := range rows {
		sets = append(sets, salesforce.PermissionSet{
			ID:    rowString(row, "Id"),
			Name:  rowString(row, "Name"),
			Label: rowString(row, "Label"),
		})
	}
	return sets, nil
}

// ListRoles fetches the role hierarchy.
func (e *OrgSecurityEnricher) ListRoles(ctx context.Context) ([]salesforce.Role, error) {
	rows, err := e.cachedQuery(ctx, "roles",
		"SELECT Id, Name, ParentRoleId, (SELECT Id FROM Users) FROM UserRole ORDER BY Name")
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	roles := make([]salesforce.Role, 0, len(rows))
	for _, row := range rows {
		roles = append(roles, salesforce.Role{
			ID:        rowString(row, "Id"),
			Name:      rowString(row, "Name"),
			ParentID:  rowString(row, "ParentRoleId"),
			UserCount: subqueryCount(row, "Users"),
		})
	}
	return roles, nil
}

// Extract builds the full org security snapshot. Per-entity detail failures
// are returned per profile/permission-set name without aborting the rest.
func (e *OrgSecurityEnricher) Extract(ctx context.Context) (*salesforce.OrgSecurity, map[string]error, error) {
	profiles, err := e.ListProfiles(ctx)
	if err != nil {
		return nil, nil, err
	}
	permSets, err := e.ListPermissionSets(ctx)
	if err != nil {
		return nil, nil, err
	}
	roles, err := e.ListRoles(ctx)
	if err != nil {
		return nil, nil, err
	}

	security := &salesforce.OrgSecurity{
		Profiles:       profiles,
		PermissionSets: permSets,
		Roles:          roles,
	}

	profileByID := make(map[string]int, len(profiles))
	refs := make([]string, 0, len(profiles)+len(permSets))
	for i, p := range profiles {
		profileByID[p.ID] = i
		refs = append(refs, "profile:"+p.ID)
	}
	setByID := make(map[string]int, len(permSets))
	for i, ps := range permSets {
		setByID[ps.ID] = i
		refs = append(refs, "permset:"+ps.ID)
	}

	failures, err := e.pool.Run(ctx, refs, func(ctx context.Context, ref string) error {
		kind, id, _ := strings.Cut(ref, ":")
		crud, err := e.objectPermissions(ctx, kind, id)
		if err != nil {
			return err
		}
		switch kind {
		case "profile":
			security.Profiles[profileByID[id]].ObjectCRUD = crud
		case "permset":
			security.PermissionSets[setByID[id]].ObjectCRUD = crud
		}
		return nil
	})
	if err != nil {
		return security, failures, err
	}
	return security, failures, nil
}

// objectPermissions fetches the object CRUD matrix of one profile or
// permission set.
func (e *OrgSecurityEnricher) objectPermissions(ctx context.Context, kind, id string) (map[string]salesforce.CRUD, error) {
	var soql string
	if kind == "profile" {
		soql = fmt.Sprintf(
			"SELECT SobjectType, PermissionsCreate, PermissionsRead, PermissionsEdit, PermissionsDelete "+
				"FROM ObjectPermissions WHERE Parent.ProfileId = '%s'", escapeSOQL(id))
	} else {
		soql = fmt.Sprintf(
			"SELECT SobjectType, PermissionsCreate, PermissionsRead, PermissionsEdit, PermissionsDelete "+
				"FROM ObjectPermissions WHERE ParentId = '%s'", escapeSOQL(id))
	}
	rows, err := e.cachedQuery(ctx, kind+":"+id, soql)
	if err != nil {
		return nil, fmt.Errorf("object permissions for %s %s: %w", kind, id, err)
	}

	crud := make(map[string]salesforce.CRUD, len(rows))
	for _, row := range rows {
		obj := rowString(row, "SobjectType")
		if obj == "" {
			continue
		}
		crud[obj] = salesforce.CRUD{
			Create: rowBool(row, "PermissionsCreate"),
			Read:   rowBool(row, "PermissionsRead"),
			Edit:   rowBool(row, "PermissionsEdit"),
			Delete: rowBool(row, "PermissionsDelete"),
		}
	}
	return crud, nil
}

// AttachObjectCRUD projects the org snapshot's per-object CRUD onto each
// record's SecurityBlock.
func AttachObjectCRUD(records map[string]*salesforce.ObjectRecord, security *salesforce.OrgSecurity) {
	for _, record := range records {
		for _, profile := range security.Profiles {
			if crud, ok := profile.ObjectCRUD[record.Ref]; ok {
				if record.Security == nil {
					record.Security = &salesforce.SecurityBlock{}
				}
				if record.Security.ObjectCRUD == nil {
					record.Security.ObjectCRUD = make(map[string]salesforce.CRUD)
				}
				record.Security.ObjectCRUD[profile.Name] = crud
			}
		}
	}
}

// subqueryCount counts rows of a nested subquery result.
func subqueryCount(row map[string]any, relation string) int64 {
	nested, ok := row[relation].(map[string]any)
	if !ok {
		return 0
	}
	if total, ok := nested["totalSize"].(float64); ok {
		return int64(total)
	}
	if records, ok := nested["records"].([]any); ok {
		return int64(len(records))
	}
	return 0
}

// SortOrgSecurity orders the snapshot deterministically for serialization.
func SortOrgSecurity(security *salesforce.OrgSecurity) {
	sort.Slice(security.Profiles, func(i, j int) bool { return security.Profiles[i].Name < security.Profiles[j].Name })
	sort.Slice(security.PermissionSets, func(i, j int) bool { return security.PermissionSets[i].Name < security.PermissionSets[j].Name })
	sort.Slice(security.Roles, func(i, j int) bool { return security.Roles[i].Name < security.Roles[j].Name })
}
