package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"orgatlas.dev/cache"
	"orgatlas.dev/salesforce"
	"orgatlas.dev/worker"
)

// DefaultSampleSize bounds the per-object sampled read.
const DefaultSampleSize = 100

// DefaultFreshnessDays is the window for the freshness fraction.
const DefaultFreshnessDays = 90

// StatsEnricher computes per-object usage statistics: total record count,
// field fill rates over a bounded sample, picklist value distributions, and
// the fraction of records touched within the freshness window. Counts and
// samples are per-object calls cached individually; batching across objects
// is not possible because each query targets a different table.
type StatsEnricher struct {
	client        QueryClient
	filler        *cache.Filler
	pool          *worker.Pool
	sampleSize    int
	freshnessDays int
	log           *logrus.Logger
}

// NewStatsEnricher builds the enricher; zero sampleSize and freshnessDays
// select the defaults.
func NewStatsEnricher(client QueryClient, filler *cache.Filler, workers, sampleSize, freshnessDays int, log *logrus.Logger) *StatsEnricher {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if freshnessDays <= 0 {
		freshnessDays = DefaultFreshnessDays
	}
	return &StatsEnricher{
		client:        client,
		filler:        filler,
		pool:          worker.NewPool(workers, log),
		sampleSize:    sampleSize,
		freshnessDays: freshnessDays,
		log:           log,
	}
}

func (e *StatsEnricher) Name() string { return "stats" }

// Enrich attaches a StatsBlock to every record.
func (e *StatsEnricher) Enrich(ctx context.Context, records map[string]*salesforce.ObjectRecord) (map[string]error, error) {
	var mu sync.Mutex
	failures, err := e.pool.Run(ctx, sortedRefs(records), func(ctx context.Context, ref string) error {
		block, err := e.statsFor(ctx, records[ref])
		if err != nil {
			return err
		}
		mu.Lock()
		records[ref].Stats = block
		mu.Unlock()
		return nil
	})
	return failures, err
}

func (e *StatsEnricher) statsFor(ctx context.Context, record *salesforce.ObjectRecord) (*salesforce.StatsBlock, error) {
	ref := record.Ref
	params := map[string]string{
		"sample": fmtCount(e.sampleSize),
		"fresh":  fmtCount(e.freshnessDays),
	}

	key := cache.Key{DataType: "stats", ObjectRef: ref, Params: params}
	raw, err := e.filler.GetOrFill(ctx, key, func(ctx context.Context) ([]byte, error) {
		block, err := e.fetchStats(ctx, record)
		if err != nil {
			return nil, err
		}
		return json.Marshal(block)
	})
	if err != nil {
		return nil, err
	}

	var block salesforce.StatsBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("decode cached stats for %s: %w", ref, err)
	}
	return &block, nil
}

func (e *StatsEnricher) fetchStats(ctx context.Context, record *salesforce.ObjectRecord) (*salesforce.StatsBlock, error) {
	ref := record.Ref
	block := &salesforce.StatsBlock{SampleSize: e.sampleSize}

	countRows, err := e.client.Query(ctx, fmt.Sprintf("SELECT COUNT(Id) total FROM %s", ref))
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", ref, err)
	}
	if len(countRows) > 0 {
		block.RecordCount = rowInt(countRows[0], "total")
	}

	if block.RecordCount == 0 {
		return block, nil
	}

	if err := e.sampleFillRates(ctx, record, block); err != nil {
		return nil, err
	}
	if err := e.freshness(ctx, ref, block); err != nil {
		return nil, err
	}
	return block, nil
}

// sampleFillRates reads a bounded sample and derives fill rates plus
// picklist distributions from it.
func (e *StatsEnricher) sampleFillRates(ctx context.Context, record *salesforce.ObjectRecord, block *salesforce.StatsBlock) error {
	fields := sampleFields(record)
	if len(fields) == 0 {
		return nil
	}

	soql := fmt.Sprintf("SELECT %s FROM %s ORDER BY CreatedDate DESC LIMIT %d",
		strings.Join(fields, ", "), record.Ref, e.sampleSize)
	rows, err := e.client.Query(ctx, soql)
	if err != nil {
		return fmt.Errorf("sample %s: %w", record.Ref, err)
	}
	if len(rows) == 0 {
		return nil
	}

	picklists := picklistFields(record)
	block.FillRates = make(map[string]float64, len(fields))
	for _, field := range fields {
		filled := 0
		for _, row := range rows {
			if v, ok := row[field]; ok && v != nil && v != "" {
				filled++
			}
		}
		block.FillRates[field] = float64(filled) / float64(len(rows))

		if picklists[field] {
			dist := make(map[string]int64)
			for _, row := range rows {
				if v := rowString(row, field); v != "" {
					dist[v]++
				}
			}
			if len(dist) > 0 {
				if block.Picklists == nil {
					block.Picklists = make(map[string]map[string]int64)
				}
				block.Picklists[field] = dist
			}
		}
	}
	return nil
}

func (e *StatsEnricher) freshness(ctx context.Context, ref string, block *salesforce.StatsBlock) error {
	soql := fmt.Sprintf("SELECT COUNT(Id) total FROM %s WHERE LastModifiedDate = LAST_N_DAYS:%d", ref, e.freshnessDays)
	rows, err := e.client.Query(ctx, soql)
	if err != nil {
		return fmt.Errorf("freshness %s: %w", ref, err)
	}
	if len(rows) > 0 && block.RecordCount > 0 {
		block.FreshnessRatio = float64(rowInt(rows[0], "total")) / float64(block.RecordCount)
	}
	return nil
}

// sampleFields picks the queryable fields for the sampled read, skipping
// compound and long-text types that inflate the payload without informing
// fill rates.
func sampleFields(record *salesforce.ObjectRecord) []string {
	skip := map[string]bool{
		"address":  true,
		"location": true,
		"base64":   true,
		"textarea": true,
	}
	var fields []string
	for _, f := range record.Fields {
		if f.Name == "Id" || skip[strings.ToLower(f.Type)] {
			continue
		}
		fields = append(fields, f.Name)
	}
	sort.Strings(fields)
	return fields
}

func picklistFields(record *salesforce.ObjectRecord) map[string]bool {
	out := make(map[string]bool)
	for _, f := range record.Fields {
		if strings.EqualFold(f.Type, "picklist") {
			out[f.Name] = true
		}
	}
	return out
}
