package salesforce

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultNoisePatterns are object name patterns excluded from the working
// set: share/history/feed shadows, changelog artifacts, and platform
// plumbing nobody asks questions about.
var DefaultNoisePatterns = []string{
	"*Share",
	"*History",
	"*Feed",
	"*ChangeEvent",
	"*Tag",
	"*__e",
	"*__mdt",
	"*__x",
	"Apex*",
	"Auth*",
	"Async*",
	"ContentDocumentLink",
	"ContentVersion",
	"CollaborationGroup*",
	"Dashboard*",
	"EmailMessage*",
	"FieldPermissions",
	"Login*",
	"ObjectPermissions",
	"PermissionSet*",
	"Process*",
	"Setup*",
	"UserApp*",
	"UserLicense",
	"UserLogin",
	"UserPackageLicense",
	"UserPerm*",
	"UserPreference",
	"UserProvisioning*",
	"UserRecordAccess",
}

// Enumerator lists the working set: every first-class object in the org
// minus the noise patterns and excluded namespaces. Output is sorted so
// downstream batching is reproducible.
type Enumerator struct {
	client        *Client
	noisePatterns []string
	excludedNS    []string
	log           *logrus.Logger
}

// NewEnumerator creates an enumerator; nil patterns select the defaults.
func NewEnumerator(client *Client, noisePatterns, excludedNamespaces []string, log *logrus.Logger) *Enumerator {
	if noisePatterns == nil {
		noisePatterns = DefaultNoisePatterns
	}
	return &Enumerator{
		client:        client,
		noisePatterns: noisePatterns,
		excludedNS:    excludedNamespaces,
		log:           log,
	}
}

// Enumerate returns the filtered, lexicographically sorted working set.
func (e *Enumerator) Enumerate(ctx context.Context) ([]string, error) {
	names, err := e.client.ListObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	var working []string
	for _, name := range names {
		if e.Excluded(name) {
			continue
		}
		working = append(working, name)
	}
	sort.Strings(working)

	e.log.WithFields(logrus.Fields{
		"total":       len(names),
		"working_set": len(working),
	}).Info("Enumerated org objects")
	return working, nil
}

// Excluded reports whether an object name is filtered out of the working set.
func (e *Enumerator) Excluded(name string) bool {
	for _, ns := range e.excludedNS {
		if strings.HasPrefix(name, ns+"__") {
			return true
		}
	}
	for _, pattern := range e.noisePatterns {
		if matchPattern(pattern, name) {
			return true
		}
	}
	return false
}

// matchPattern supports a leading or trailing "*" wildcard, which is all the
// noise table needs.
func matchPattern(pattern, name string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(name, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(name, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	default:
		return name == pattern
	}
}
