package manifest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManifestRoundTrip(t *testing.T) {
	m := openTestManifest(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, m.RecordUpserts("prod", map[string]Entry{
		"salesforce_object_Account": {ObjectRef: "Account", ContentHash: "h1", UploadedAt: now},
		"security_Account":          {ObjectRef: "Account", ContentHash: "h1", UploadedAt: now},
	}))

	snapshot, err := m.Snapshot("prod")
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "h1", snapshot["salesforce_object_Account"].ContentHash)
	assert.Equal(t, now, snapshot["security_Account"].UploadedAt)
}

func TestManifestNamespacesAreIsolated(t *testing.T) {
	m := openTestManifest(t)

	require.NoError(t, m.RecordUpserts("prod", map[string]Entry{
		"salesforce_object_Account": {ObjectRef: "Account", ContentHash: "h1"},
	}))

	snapshot, err := m.Snapshot("staging")
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestManifestRecordDeletes(t *testing.T) {
	m := openTestManifest(t)

	require.NoError(t, m.RecordUpserts("prod", map[string]Entry{
		"salesforce_object_Account": {ObjectRef: "Account", ContentHash: "h1"},
		"salesforce_object_Contact": {ObjectRef: "Contact", ContentHash: "h2"},
	}))
	require.NoError(t, m.RecordDeletes("prod", []string{"salesforce_object_Account", "missing"}))

	ids, err := m.IDs("prod")
	require.NoError(t, err)
	assert.Equal(t, []string{"salesforce_object_Contact"}, ids)

	// Deleting from a namespace that was never written is fine.
	require.NoError(t, m.RecordDeletes("staging", []string{"x"}))
}

func TestManifestHashesByRef(t *testing.T) {
	m := openTestManifest(t)

	require.NoError(t, m.RecordUpserts("prod", map[string]Entry{
		"salesforce_object_Account":         {ObjectRef: "Account", ContentHash: "h1"},
		"salesforce_object_Order__c_part_1": {ObjectRef: "Order__c", ContentHash: "h3"},
		"salesforce_object_Order__c_part_2": {ObjectRef: "Order__c", ContentHash: "h3"},
	}))

	hashes, err := m.HashesByRef("prod")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Account": "h1", "Order__c": "h3"}, hashes)
}

func TestManifestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.db")

	m, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, m.RecordUpserts("prod", map[string]Entry{
		"salesforce_object_Account": {ObjectRef: "Account", ContentHash: "h1"},
	}))
	require.NoError(t, m.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	ids, err := reopened.IDs("prod")
	require.NoError(t, err)
	assert.Equal(t, []string{"salesforce_object_Account"}, ids)
}
