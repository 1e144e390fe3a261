package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orgatlas.dev/bridge"
	"orgatlas.dev/cache"
	"orgatlas.dev/coalesce"
	"orgatlas.dev/corpus"
	"orgatlas.dev/enrich"
	"orgatlas.dev/progress"
	"orgatlas.dev/ratelimit"
	"orgatlas.dev/retry"
	"orgatlas.dev/salesforce"
	"orgatlas.dev/uploader"
	"orgatlas.dev/vector"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// scriptedRunner routes CLI invocations by argument substring.
type scriptedRunner struct {
	mu     sync.Mutex
	routes []bridgeRoute
	calls  []string
}

type bridgeRoute struct {
	contains string
	stdout   string
	class    bridge.Class
}

func (r *scriptedRunner) Run(ctx context.Context, req bridge.Request) (*bridge.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	joined := strings.Join(req.Args, " ")
	r.calls = append(r.calls, joined)
	for _, route := range r.routes {
		if strings.Contains(joined, route.contains) {
			class := route.class
			if class == "" {
				class = bridge.ClassOK
			}
			return &bridge.Result{Class: class, Stdout: []byte(route.stdout), Stderr: []byte(route.stdout)}, nil
		}
	}
	return &bridge.Result{Class: bridge.ClassOK, Stdout: []byte(`{"status":0,"result":{"records":[],"totalSize":0,"done":true}}`)}, nil
}

const accountDescribe = `{"status":0,"result":{
	"name":"Account","label":"Account","custom":false,
	"fields":[
		{"name":"Name","type":"string","label":"Account Name","nillable":false},
		{"name":"Industry","type":"picklist","label":"Industry","nillable":true,
		 "picklistValues":[{"value":"Tech","active":true}]}
	],
	"childRelationships":[]}}`

type testHarness struct {
	runner   *scriptedRunner
	store    *progress.Store
	orch     *Orchestrator
	policy   *retry.Policy
	index    *vector.MockIndex
	embedder *vector.MockEmbedder
	outDir   string
}

func newHarness(t *testing.T, runner *scriptedRunner) *testHarness {
	t.Helper()
	log := testLogger()

	limiter := ratelimit.New(ratelimit.Config{PerMinute: 6000, Max: 6000, Burst: 100}, log)
	policy := retry.NewPolicy(limiter, log)
	policy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	client := salesforce.NewClient(runner, limiter, policy, log)

	cacheStore, err := cache.NewFileStore(t.TempDir(), time.Hour, log)
	require.NoError(t, err)
	filler := cache.NewFiller(cacheStore)

	store, err := progress.Open(filepath.Join(t.TempDir(), "progress.json"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	outDir := t.TempDir()
	emitter, err := corpus.NewEmitter(outDir, 7000, log)
	require.NoError(t, err)

	index := vector.NewMockIndex()
	embedder := vector.NewMockEmbedder()
	up := uploader.New(index, embedder, policy, uploader.Config{Namespace: "test", Marker: store}, log)

	coalescer := coalesce.New(cacheStore, 200, log)
	orch := &Orchestrator{
		Enumerator: salesforce.NewEnumerator(client, nil, nil, log),
		Describer:  salesforce.NewDescriber(client, filler, 2, log),
		Enrichers: map[string]enrich.Enricher{
			PhaseAutomation: enrich.NewAutomationEnricher(client, coalescer, log),
		},
		OrgSecurity: enrich.NewOrgSecurityEnricher(client, filler, 2, log),
		Emitter:     emitter,
		Uploader:    up,
		Progress:    store,
		Limiter:     limiter,
		Policy:      policy,
		CacheStats:  cacheStore.Stats,
		Log:         log,
	}
	return &testHarness{runner: runner, store: store, orch: orch, policy: policy, index: index, embedder: embedder, outDir: outDir}
}

func TestExpandPhases(t *testing.T) {
	cases := []struct {
		name     string
		selected []string
		want     []string
		wantErr  bool
	}{
		{name: "empty selects all", selected: nil, want: AllPhases},
		{name: "emit pulls describe", selected: []string{"emit"}, want: []string{"describe", "emit"}},
		{name: "upload pulls emit and describe", selected: []string{"upload"}, want: []string{"describe", "emit", "upload"}},
		{name: "stats pulls describe", selected: []string{"stats"}, want: []string{"describe", "stats"}},
		{name: "explicit order is canonicalized", selected: []string{"emit", "enumerate", "describe"}, want: []string{"enumerate", "describe", "emit"}},
		{name: "unknown phase", selected: []string{"transmogrify"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExpandPhases(tc.selected)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRunEnumerateDescribeEmit(t *testing.T) {
	runner := &scriptedRunner{routes: []bridgeRoute{
		{contains: "sobject list", stdout: `{"status":0,"result":["Account","AccountHistory","ApexClass"]}`},
		{contains: "sobject describe --sobject Account", stdout: accountDescribe},
	}}
	h := newHarness(t, runner)

	report, err := h.orch.Run(context.Background(), []string{PhaseEnumerate, PhaseDescribe, PhaseEmit})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Enumerated)
	assert.Equal(t, PhaseResult{Done: 1, Failed: 0}, report.Phases[PhaseDescribe])
	assert.Equal(t, 1, report.Emitted)
	assert.Equal(t, 0, report.Errored())

	record, ok := h.store.Get(PhaseDescribe, "Account")
	require.True(t, ok)
	assert.Equal(t, progress.StateDone, record.State)
}

func TestRunWithAutomationAndUpload(t *testing.T) {
	runner := &scriptedRunner{routes: []bridgeRoute{
		{contains: "sobject list", stdout: `{"status":0,"result":["Account"]}`},
		{contains: "sobject describe --sobject Account", stdout: accountDescribe},
		{contains: "FROM ApexTrigger", stdout: `{"status":0,"result":{"records":[
			{"Name":"AccountTrigger","Status":"Active","TableEnumOrId":"Account",
			 "Body":"trigger AccountTrigger on Account (before insert) {\n// guard\nSystem.debug(1);\n}"}
		],"totalSize":1,"done":true}}`},
	}}
	h := newHarness(t, runner)

	report, err := h.orch.Run(context.Background(),
		[]string{PhaseEnumerate, PhaseDescribe, PhaseAutomation, PhaseEmit, PhaseUpload})
	require.NoError(t, err)

	assert.Equal(t, PhaseResult{Done: 1, Failed: 0}, report.Phases[PhaseAutomation])
	require.NotNil(t, report.Upload)
	assert.Equal(t, 1, report.Upload.RefsNew)
	assert.Equal(t, report.Emitted, report.Upload.ChunksUpserted)
	assert.Equal(t, report.Emitted, h.index.Size("test"))
}

func TestRunSecondUploadSkipsUnchanged(t *testing.T) {
	runner := &scriptedRunner{routes: []bridgeRoute{
		{contains: "sobject list", stdout: `{"status":0,"result":["Account"]}`},
		{contains: "sobject describe --sobject Account", stdout: accountDescribe},
	}}
	h := newHarness(t, runner)
	ctx := context.Background()
	phases := []string{PhaseEnumerate, PhaseDescribe, PhaseEmit, PhaseUpload}

	first, err := h.orch.Run(ctx, phases)
	require.NoError(t, err)
	require.Positive(t, first.Upload.ChunksUpserted)

	second, err := h.orch.Run(ctx, phases)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Upload.ChunksUpserted)
	assert.Equal(t, 1, second.Upload.RefsUnchanged)
}

func TestRunDescribeResumesFromWorkingSet(t *testing.T) {
	runner := &scriptedRunner{routes: []bridgeRoute{
		{contains: "sobject describe --sobject Account", stdout: accountDescribe},
	}}
	h := newHarness(t, runner)
	h.store.Seed(PhaseDescribe, []string{"Account"})

	report, err := h.orch.Run(context.Background(), []string{PhaseDescribe})
	require.NoError(t, err)
	assert.Equal(t, PhaseResult{Done: 1, Failed: 0}, report.Phases[PhaseDescribe])

	// No enumerate call happened.
	for _, call := range runner.calls {
		assert.NotContains(t, call, "sobject list")
	}
}

func TestRunDescribeWithoutWorkingSet(t *testing.T) {
	h := newHarness(t, &scriptedRunner{})
	_, err := h.orch.Run(context.Background(), []string{PhaseDescribe})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enumerate")
}

func TestRunRecordsDescribeFailures(t *testing.T) {
	runner := &scriptedRunner{routes: []bridgeRoute{
		{contains: "sobject list", stdout: `{"status":0,"result":["Account","Broken__c"]}`},
		{contains: "sobject describe --sobject Account", stdout: accountDescribe},
		{contains: "sobject describe --sobject Broken__c", stdout: "INVALID_TYPE: sObject type 'Broken__c' is not supported", class: bridge.ClassSyntactic},
	}}
	h := newHarness(t, runner)

	report, err := h.orch.Run(context.Background(), []string{PhaseEnumerate, PhaseDescribe})
	require.NoError(t, err)

	assert.Equal(t, PhaseResult{Done: 1, Failed: 1}, report.Phases[PhaseDescribe])
	assert.Equal(t, 1, report.Errored())

	record, ok := h.store.Get(PhaseDescribe, "Broken__c")
	require.True(t, ok)
	assert.Equal(t, progress.StateError, record.State)
}

func TestCheckQuotaWall(t *testing.T) {
	h := newHarness(t, &scriptedRunner{})

	quotaErr := func() error {
		return &retry.ClassifiedError{Class: bridge.ClassQuota, Attempts: 5, Err: errors.New("REQUEST_LIMIT_EXCEEDED")}
	}

	below := map[string]error{}
	for i := 0; i < DefaultQuotaWall-1; i++ {
		below[fmt.Sprintf("Object%d", i)] = quotaErr()
	}
	assert.NoError(t, h.orch.checkQuotaWall(PhaseDescribe, below))

	at := map[string]error{}
	for i := 0; i < DefaultQuotaWall; i++ {
		at[fmt.Sprintf("Object%d", i)] = quotaErr()
	}
	err := h.orch.checkQuotaWall(PhaseDescribe, at)
	assert.ErrorIs(t, err, ErrQuotaWall)

	// Non-quota failures never trigger the wall.
	transport := map[string]error{}
	for i := 0; i < DefaultQuotaWall*2; i++ {
		transport[fmt.Sprintf("Object%d", i)] = errors.New("connection reset")
	}
	assert.NoError(t, h.orch.checkQuotaWall(PhaseDescribe, transport))
}

func TestRunQuotaWallHaltsDescribeEarly(t *testing.T) {
	names := make([]string, 20)
	for i := range names {
		names[i] = fmt.Sprintf("Custom%02d__c", i)
	}
	runner := &scriptedRunner{routes: []bridgeRoute{
		{contains: "sobject list", stdout: fmt.Sprintf(`{"status":0,"result":["%s"]}`, strings.Join(names, `","`))},
		{contains: "sobject describe", stdout: "REQUEST_LIMIT_EXCEEDED: TotalRequests Limit exceeded.", class: bridge.ClassQuota},
	}}
	h := newHarness(t, runner)
	h.policy.Attempts = 1

	_, err := h.orch.Run(context.Background(), []string{PhaseEnumerate, PhaseDescribe})
	require.ErrorIs(t, err, ErrQuotaWall)

	// The wall cancelled the sweep mid-phase; most of the working set was
	// never attempted.
	describes := 0
	for _, call := range runner.calls {
		if strings.Contains(call, "sobject describe") {
			describes++
		}
	}
	assert.Less(t, describes, len(names))

	done, failed, remaining := h.store.Counts(PhaseDescribe)
	assert.Zero(t, done)
	assert.GreaterOrEqual(t, failed, DefaultQuotaWall)
	assert.Positive(t, remaining)

	// Interrupted refs went back to pending, not stuck in flight.
	for ref, record := range h.store.Snapshot()[PhaseDescribe] {
		assert.NotEqual(t, progress.StateInFlight, record.State, ref)
	}
}

func TestRunOrgSecurityMarksEntities(t *testing.T) {
	runner := &scriptedRunner{routes: []bridgeRoute{
		{contains: "sobject list", stdout: `{"status":0,"result":["Account"]}`},
		{contains: "sobject describe --sobject Account", stdout: accountDescribe},
		{contains: "FROM ObjectPermissions", stdout: `{"status":0,"result":{"records":[
			{"SobjectType":"Account","PermissionsCreate":true,"PermissionsRead":true,"PermissionsEdit":false,"PermissionsDelete":false}
		],"totalSize":1,"done":true}}`},
		{contains: "FROM Profile", stdout: `{"status":0,"result":{"records":[
			{"Id":"00e1","Name":"Admin","UserLicense":{"Name":"Salesforce"},"Users":{"totalSize":2}}
		],"totalSize":1,"done":true}}`},
	}}
	h := newHarness(t, runner)
	phases := []string{PhaseEnumerate, PhaseDescribe, PhaseOrgSecurity}

	report, err := h.orch.Run(context.Background(), phases)
	require.NoError(t, err)
	assert.Equal(t, PhaseResult{Done: 1, Failed: 0}, report.Phases[PhaseOrgSecurity])

	record, ok := h.store.Get(PhaseOrgSecurity, "profile:00e1")
	require.True(t, ok)
	assert.Equal(t, progress.StateDone, record.State)

	// A second run is served entirely from cache.
	before := len(runner.calls)
	_, err = h.orch.Run(context.Background(), phases)
	require.NoError(t, err)
	for _, call := range runner.calls[before:] {
		assert.NotContains(t, call, "data query")
	}
}

func TestRunCancellation(t *testing.T) {
	runner := &scriptedRunner{routes: []bridgeRoute{
		{contains: "sobject list", stdout: `{"status":0,"result":["Account"]}`},
	}}
	h := newHarness(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orch.Run(ctx, []string{PhaseEnumerate, PhaseDescribe})
	assert.Error(t, err)
}

func TestReportSummary(t *testing.T) {
	report := &Report{
		RunID:      "run-1",
		Enumerated: 1200,
		Emitted:    1500,
		Phases: map[string]PhaseResult{
			PhaseDescribe: {Done: 1195, Failed: 5},
		},
		Cache:   cache.Stats{Hits: 900, Misses: 300, BytesSaved: 2048},
		Elapsed: 90 * time.Second,
	}

	summary := report.Summary()
	assert.Contains(t, summary, "run-1")
	assert.Contains(t, summary, "1,200")
	assert.Contains(t, summary, "describe: 1,195 done, 5 failed")
	assert.Contains(t, summary, "75% hit rate")
	assert.Equal(t, 5, report.Errored())
}
