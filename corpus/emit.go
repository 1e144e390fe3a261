package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"orgatlas.dev/salesforce"
)

// Emitter writes the output directory: schema.json, the sidecar snapshots,
// per-object markdown files, and the JSONL corpus.
type Emitter struct {
	outDir    string
	maxTokens int
	log       *logrus.Logger
}

// NewEmitter creates the output directory when missing.
func NewEmitter(outDir string, maxTokens int, log *logrus.Logger) (*Emitter, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if err := os.MkdirAll(filepath.Join(outDir, "md"), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Emitter{outDir: outDir, maxTokens: maxTokens, log: log}, nil
}

// Emit renders every record and writes all output files. It returns the full
// chunk set, ordered by (ref, part_index), for the uploader.
func (e *Emitter) Emit(records map[string]*salesforce.ObjectRecord, orgSecurity *salesforce.OrgSecurity) ([]Chunk, error) {
	refs := make([]string, 0, len(records))
	for ref := range records {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	var chunks []Chunk
	for _, ref := range refs {
		record := records[ref]
		if record.ContentHash == "" {
			if err := record.ComputeHash(); err != nil {
				return nil, err
			}
		}

		var recordCount int64
		if record.Stats != nil {
			recordCount = record.Stats.RecordCount
		}

		text := RenderText(record)
		chunks = append(chunks, BuildChunks(
			"salesforce_object", "salesforce_object", ref, text,
			record.ContentHash, len(record.Fields), recordCount, e.maxTokens)...)

		if record.Security != nil {
			secText := RenderSecurityText(record)
			chunks = append(chunks, BuildChunks(
				"security", "security_permissions", ref, secText,
				record.ContentHash, len(record.Fields), recordCount, e.maxTokens)...)
		}

		mdPath := filepath.Join(e.outDir, "md", ref+".md")
		if err := os.WriteFile(mdPath, []byte(RenderMarkdown(record)), 0o644); err != nil {
			return nil, fmt.Errorf("write markdown for %s: %w", ref, err)
		}
	}

	if err := e.writeJSONL(chunks); err != nil {
		return nil, err
	}
	if err := e.writeSnapshots(refs, records, orgSecurity); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"objects": len(refs),
		"chunks":  len(chunks),
	}).Info("Corpus emitted")
	return chunks, nil
}

// writeJSONL writes corpus.jsonl with one chunk per line, ordered by
// (object, type, part_index).
func (e *Emitter) writeJSONL(chunks []Chunk) error {
	sort.Slice(chunks, func(i, j int) bool {
		a, b := chunks[i].Metadata, chunks[j].Metadata
		if a.ObjectName != b.ObjectName {
			return a.ObjectName < b.ObjectName
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.PartIndex < b.PartIndex
	})

	f, err := os.Create(filepath.Join(e.outDir, "corpus.jsonl"))
	if err != nil {
		return fmt.Errorf("create corpus.jsonl: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for i := range chunks {
		if err := enc.Encode(&chunks[i]); err != nil {
			return fmt.Errorf("encode chunk %s: %w", chunks[i].ID, err)
		}
	}
	return f.Sync()
}

// writeSnapshots writes schema.json plus the per-layer sidecar files.
func (e *Emitter) writeSnapshots(refs []string, records map[string]*salesforce.ObjectRecord, orgSecurity *salesforce.OrgSecurity) error {
	schema := make(map[string]*salesforce.ObjectRecord, len(records))
	stats := make(map[string]*salesforce.StatsBlock)
	automation := make(map[string]*salesforce.AutomationBlock)
	security := make(map[string]*salesforce.SecurityBlock)

	for _, ref := range refs {
		record := records[ref]
		schema[ref] = record
		if record.Stats != nil {
			stats[ref] = record.Stats
		}
		if record.Automation != nil {
			automation[ref] = record.Automation
		}
		if record.Security != nil {
			security[ref] = record.Security
		}
	}

	if err := e.writeJSON("schema.json", map[string]any{"objects": schema}); err != nil {
		return err
	}
	if len(stats) > 0 {
		if err := e.writeJSON("stats.json", stats); err != nil {
			return err
		}
	}
	if len(automation) > 0 {
		if err := e.writeJSON("automation.json", automation); err != nil {
			return err
		}
	}
	if len(security) > 0 || orgSecurity != nil {
		doc := map[string]any{"objects": security}
		if orgSecurity != nil {
			doc["org"] = orgSecurity
		}
		if err := e.writeJSON("security.json", doc); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) writeJSON(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(e.outDir, name), raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
