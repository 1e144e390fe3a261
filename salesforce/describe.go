package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"orgatlas.dev/cache"
	"orgatlas.dev/worker"
)

// describePayload mirrors the relevant parts of the sf sobject describe
// result.
type describePayload struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Custom      bool   `json:"custom"`
	Description string `json:"description"`
	Fields      []struct {
		Name              string   `json:"name"`
		Label             string   `json:"label"`
		Type              string   `json:"type"`
		Nillable          bool     `json:"nillable"`
		Unique            bool     `json:"unique"`
		ExternalID        bool     `json:"externalId"`
		Length            int      `json:"length"`
		Precision         int      `json:"precision"`
		Scale             int      `json:"scale"`
		Custom            bool     `json:"custom"`
		CalculatedFormula string   `json:"calculatedFormula"`
		ReferenceTo       []string `json:"referenceTo"`
		PicklistValues    []struct {
			Value  string `json:"value"`
			Active bool   `json:"active"`
		} `json:"picklistValues"`
	} `json:"fields"`
	ChildRelationships []struct {
		RelationshipName string `json:"relationshipName"`
		ChildSObject     string `json:"childSObject"`
		Field            string `json:"field"`
	} `json:"childRelationships"`
}

// Describer fetches full field metadata for each working-set object through
// a bounded pool, caching each describe payload.
type Describer struct {
	client *Client
	filler *cache.Filler
	pool   *worker.Pool
	log    *logrus.Logger

	// OnStart observes each ref as a worker picks it up, before the
	// remote call. Refs still queued when the sweep is cancelled are
	// never reported. Optional.
	OnStart func(ref string)
}

// NewDescriber creates a describer with the given pool width.
func NewDescriber(client *Client, filler *cache.Filler, workers int, log *logrus.Logger) *Describer {
	return &Describer{
		client: client,
		filler: filler,
		pool:   worker.NewPool(workers, log),
		log:    log,
	}
}

// Describe fetches schema detail for every ref. Failures are per-ref; the
// returned map holds the successful records and failures carries the rest.
func (d *Describer) Describe(ctx context.Context, refs []string) (map[string]*ObjectRecord, map[string]error, error) {
	var mu sync.Mutex
	records := make(map[string]*ObjectRecord, len(refs))

	failures, err := d.pool.Run(ctx, refs, func(ctx context.Context, ref string) error {
		if d.OnStart != nil {
			d.OnStart(ref)
		}
		record, err := d.describeOne(ctx, ref)
		if err != nil {
			return err
		}
		mu.Lock()
		records[ref] = record
		mu.Unlock()
		return nil
	})
	if err != nil {
		return records, failures, err
	}
	return records, failures, nil
}

func (d *Describer) describeOne(ctx context.Context, ref string) (*ObjectRecord, error) {
	key := cache.Key{DataType: "describe", ObjectRef: ref}
	raw, err := d.filler.GetOrFill(ctx, key, func(ctx context.Context) ([]byte, error) {
		payload, err := d.client.Describe(ctx, ref)
		if err != nil {
			return nil, err
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return ParseDescribe(ref, raw)
}

// ParseDescribe converts a raw describe payload into an ObjectRecord with
// fields and relationships populated and the content hash unset.
func ParseDescribe(ref string, raw []byte) (*ObjectRecord, error) {
	var payload describePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ErrConsistency{Op: "describe " + ref, Err: err}
	}
	if payload.Name == "" {
		return nil, &ErrConsistency{Op: "describe " + ref, Err: fmt.Errorf("missing object name")}
	}

	record := &ObjectRecord{
		Ref:         payload.Name,
		Label:       payload.Label,
		Description: payload.Description,
		Custom:      payload.Custom,
		Fields:      make([]FieldSpec, 0, len(payload.Fields)),
	}

	for _, f := range payload.Fields {
		spec := FieldSpec{
			Name:           f.Name,
			Label:          f.Label,
			Type:           f.Type,
			Required:       !f.Nillable,
			Unique:         f.Unique,
			ExternalID:     f.ExternalID,
			Formula:        f.CalculatedFormula,
			RelationshipTo: f.ReferenceTo,
			Custom:         f.Custom,
		}
		if f.Length > 0 {
			length := f.Length
			spec.Length = &length
		}
		if f.Precision > 0 {
			precision := f.Precision
			spec.Precision = &precision
		}
		if f.Scale > 0 {
			scale := f.Scale
			spec.Scale = &scale
		}
		for _, pv := range f.PicklistValues {
			if pv.Active {
				spec.PicklistValues = append(spec.PicklistValues, pv.Value)
			}
		}
		record.Fields = append(record.Fields, spec)
	}

	for _, rel := range payload.ChildRelationships {
		if rel.RelationshipName == "" {
			continue
		}
		record.Relationships = append(record.Relationships, Relationship{
			Name:        rel.RelationshipName,
			ChildObject: rel.ChildSObject,
			Field:       rel.Field,
		})
	}

	record.Normalize()
	return record, nil
}
