package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/filter"
	"github.com/lexidb/lexid/internal/indexstore"
	"github.com/lexidb/lexid/internal/meilierr"
	"github.com/lexidb/lexid/internal/scheduler"
	"github.com/lexidb/lexid/internal/tasks"
	"github.com/lexidb/lexid/internal/updatefile"
)

// Config wires a Processor's dependencies: the index registry, the
// update-file store document-addition payloads stream from, and the
// optional embedder dispatched against added/updated documents.
type Config struct {
	Store            *indexstore.Store
	UpdateFiles      *updatefile.Store
	Embedder         Embedder
	EmbedConcurrency int
}

// Processor implements scheduler.Processor for every index-targeted task
// kind (everything except the global kinds, which GlobalProcessor in this
// package handles).
type Processor struct {
	cfg Config
}

// New builds a Processor over cfg.
func New(cfg Config) *Processor {
	if cfg.EmbedConcurrency < 1 {
		cfg.EmbedConcurrency = 4
	}
	return &Processor{cfg: cfg}
}

// Process implements scheduler.Processor.
func (p *Processor) Process(ctx context.Context, _ *bbolt.Tx, batch []*tasks.Task) ([]scheduler.ProcessedTask, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	first := batch[0]
	switch first.Kind {
	case tasks.KindIndexCreation:
		return p.processIndexCreation(first)
	case tasks.KindIndexUpdate:
		return p.processIndexUpdate(first)
	}

	idx, ok := p.cfg.Store.Get(first.IndexUid)
	if !ok {
		return nil, meilierr.New(meilierr.CodeIndexNotFound, fmt.Sprintf("index %q not found", first.IndexUid), nil)
	}

	docBatch := batch
	deleteAfter := false
	if last := batch[len(batch)-1]; last.Kind == tasks.KindIndexDeletion {
		docBatch = batch[:len(batch)-1]
		deleteAfter = true
	}

	var results []scheduler.ProcessedTask
	if len(docBatch) > 0 {
		r, err := p.processDocumentBatch(ctx, idx, docBatch)
		if err != nil {
			return nil, err
		}
		results = r
	}

	if deleteAfter {
		if err := p.cfg.Store.Delete(first.IndexUid); err != nil {
			return nil, err
		}
		results = append(results, scheduler.ProcessedTask{Uid: batch[len(batch)-1].Uid})
	}

	return results, nil
}

// Reindex rebuilds every word/pair/facet posting for idx from its currently
// stored documents, against idx's current settings. Used after
// internal/dump.ImportDump restores raw documents without postings, the
// same import-then-reindex split Meilisearch performs on dump restore.
func (p *Processor) Reindex(idx *indexstore.Index) error {
	settings := idx.Settings()
	tok := New(settings)

	return idx.Env().Update(func(itx *bbolt.Tx) error {
		if err := idx.ClearPostings(itx); err != nil {
			return err
		}
		m := newMerger()
		if err := reextractAll(itx, idx, tok, settings, m); err != nil {
			return err
		}
		if err := m.Flush(itx, idx); err != nil {
			return err
		}
		return idx.TouchUpdatedAt(itx, time.Now().UTC())
	})
}

func (p *Processor) processIndexCreation(t *tasks.Task) ([]scheduler.ProcessedTask, error) {
	var payload IndexLifecyclePayload
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			return nil, meilierr.Wrap(meilierr.CodeInvalidFieldFormat, err)
		}
	}

	idx, err := p.cfg.Store.Create(t.IndexUid)
	if err != nil {
		return nil, err
	}

	err = idx.Env().Update(func(itx *bbolt.Tx) error {
		if payload.PrimaryKey != nil {
			if err := idx.SetPrimaryKeyField(itx, *payload.PrimaryKey); err != nil {
				return err
			}
		}
		return idx.TouchUpdatedAt(itx, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	return []scheduler.ProcessedTask{{Uid: t.Uid}}, nil
}

func (p *Processor) processIndexUpdate(t *tasks.Task) ([]scheduler.ProcessedTask, error) {
	var payload IndexLifecyclePayload
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			return nil, meilierr.Wrap(meilierr.CodeInvalidFieldFormat, err)
		}
	}

	idx, ok := p.cfg.Store.Get(t.IndexUid)
	if !ok {
		return nil, meilierr.New(meilierr.CodeIndexNotFound, fmt.Sprintf("index %q not found", t.IndexUid), nil)
	}

	if payload.PrimaryKey != nil {
		if existing, ok := idx.PrimaryKeyField(); ok && existing != *payload.PrimaryKey {
			count, err := idx.DocumentCount()
			if err != nil {
				return nil, err
			}
			if count > 0 {
				return nil, meilierr.New(meilierr.CodeImmutableField,
					fmt.Sprintf("index %q already has a primary key and contains documents", t.IndexUid), nil)
			}
		}
		err := idx.Env().Update(func(itx *bbolt.Tx) error {
			return idx.SetPrimaryKeyField(itx, *payload.PrimaryKey)
		})
		if err != nil {
			return nil, err
		}
	}

	return []scheduler.ProcessedTask{{Uid: t.Uid}}, nil
}

// processDocumentBatch runs every document/settings task in the batch inside
// a single write transaction against idx's own environment, accumulating a
// shared merger so that e.g. two additions touching the same word only
// trigger one prefix-cache recompute (spec.md §4.4 steps 6-8).
func (p *Processor) processDocumentBatch(ctx context.Context, idx *indexstore.Index, batch []*tasks.Task) ([]scheduler.ProcessedTask, error) {
	var results []scheduler.ProcessedTask

	err := idx.Env().Update(func(itx *bbolt.Tx) error {
		m := newMerger()
		settings := idx.Settings()
		tok := New(settings)

		for _, t := range batch {
			var (
				res *scheduler.ProcessedTask
				err error
			)

			switch t.Kind {
			case tasks.KindDocumentAdditionOrUpdate:
				res, err = p.processAddition(ctx, itx, idx, tok, settings, m, t)
			case tasks.KindDocumentDeletion:
				res, err = p.processDeletion(itx, idx, tok, settings, m, t)
			case tasks.KindDocumentDeletionByFilter:
				res, err = p.processDeletionByFilter(itx, idx, tok, settings, m, t)
			case tasks.KindDocumentClear:
				res, err = p.processClear(itx, idx, t)
			case tasks.KindSettingsUpdate:
				res, tok, settings, err = p.processSettingsUpdate(itx, idx, tok, settings, m, t)
			default:
				err = meilierr.New(meilierr.CodeInvalidTask, fmt.Sprintf("indexer cannot process task kind %q", t.Kind), nil)
			}
			if err != nil {
				return err
			}
			results = append(results, *res)
		}

		if err := m.Flush(itx, idx); err != nil {
			return err
		}
		return idx.TouchUpdatedAt(itx, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Processor) processAddition(ctx context.Context, itx *bbolt.Tx, idx *indexstore.Index, tok *Tokenizer, settings indexstore.Settings, m *merger, t *tasks.Task) (*scheduler.ProcessedTask, error) {
	var payload AdditionPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeInvalidFieldFormat, err)
	}

	var jobs []embedJob
	indexed := 0

	for _, fileID := range payload.UpdateFileIDs {
		r, err := p.cfg.UpdateFiles.Open(fileID)
		if err != nil {
			return nil, err
		}

		dec := json.NewDecoder(r)
		for dec.More() {
			var doc map[string]json.RawMessage
			if err := dec.Decode(&doc); err != nil {
				r.Close()
				return nil, meilierr.Wrap(meilierr.CodeInvalidFieldFormat, err)
			}

			pkField, err := resolvePrimaryKeyField(idx, itx, payload.PrimaryKey, doc)
			if err != nil {
				r.Close()
				return nil, err
			}
			raw, ok := doc[pkField]
			if !ok {
				r.Close()
				return nil, meilierr.New(meilierr.CodeMissingPrimaryKey,
					fmt.Sprintf("document missing primary key field %q", pkField), nil)
			}
			externalID, err := primaryKeyValue(raw)
			if err != nil {
				r.Close()
				return nil, err
			}

			docid, isNew, err := idx.AssignDocID(itx, externalID)
			if err != nil {
				r.Close()
				return nil, err
			}

			if !isNew {
				oldRec, found, err := idx.GetDocument(itx, docid)
				if err != nil {
					r.Close()
					return nil, err
				}
				if found {
					oldDoc := decodeDocument(idx.Fields(), oldRec)
					if _, err := extractDocument(itx, idx.Fields(), tok, settings, docid, oldDoc, signDel, m); err != nil {
						r.Close()
						return nil, err
					}
				}
			}

			rec, err := extractDocument(itx, idx.Fields(), tok, settings, docid, doc, signAdd, m)
			if err != nil {
				r.Close()
				return nil, err
			}
			if err := idx.PutDocument(itx, docid, rec); err != nil {
				r.Close()
				return nil, err
			}
			indexed++

			if p.cfg.Embedder != nil {
				if prompt, ok := embedPrompt(doc); ok {
					jobs = append(jobs, embedJob{docid: docid, prompt: prompt})
				}
			}
		}
		r.Close()

		if err := p.cfg.UpdateFiles.Delete(fileID); err != nil {
			return nil, err
		}
	}

	if len(jobs) > 0 {
		embedded, err := dispatchEmbeddings(ctx, p.cfg.Embedder, jobs, p.cfg.EmbedConcurrency)
		if err != nil {
			return nil, err
		}
		for _, e := range embedded {
			if err := idx.PutVectorEmbedding(itx, e.docid, e.vector); err != nil {
				return nil, err
			}
		}
	}

	details, _ := json.Marshal(map[string]int{"indexedDocuments": indexed})
	return &scheduler.ProcessedTask{Uid: t.Uid, Details: details}, nil
}

func (p *Processor) processDeletion(itx *bbolt.Tx, idx *indexstore.Index, tok *Tokenizer, settings indexstore.Settings, m *merger, t *tasks.Task) (*scheduler.ProcessedTask, error) {
	var payload DeletionPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeInvalidFieldFormat, err)
	}

	deleted := 0
	for _, externalID := range payload.DocumentIDs {
		docid, ok, err := idx.ResolveDocID(itx, externalID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := removeDocument(itx, idx, tok, settings, m, docid, externalID); err != nil {
			return nil, err
		}
		deleted++
	}

	details, _ := json.Marshal(map[string]int{"deletedDocuments": deleted})
	return &scheduler.ProcessedTask{Uid: t.Uid, Details: details}, nil
}

func (p *Processor) processDeletionByFilter(itx *bbolt.Tx, idx *indexstore.Index, tok *Tokenizer, settings indexstore.Settings, m *merger, t *tasks.Task) (*scheduler.ProcessedTask, error) {
	var payload DeletionByFilterPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return nil, meilierr.Wrap(meilierr.CodeInvalidFieldFormat, err)
	}

	expr, err := filter.Parse(payload.Filter)
	if err != nil {
		return nil, meilierr.New(meilierr.CodeInvalidDocumentFilter, err.Error(), err)
	}
	matched, err := filter.Eval(itx, idx, expr)
	if err != nil {
		return nil, err
	}

	pkField, _ := idx.PrimaryKeyField()
	pkFieldID, hasPKField := idx.Fields().ID(pkField)

	deleted := 0
	it := matched.Iterator()
	for it.HasNext() {
		docid := it.Next()

		rec, found, err := idx.GetDocument(itx, docid)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		externalID := ""
		if hasPKField {
			if raw, ok := rec.Get(pkFieldID); ok {
				if v, err := primaryKeyValue(raw); err == nil {
					externalID = v
				}
			}
		}

		doc := decodeDocument(idx.Fields(), rec)
		if _, err := extractDocument(itx, idx.Fields(), tok, settings, docid, doc, signDel, m); err != nil {
			return nil, err
		}
		if err := idx.DeleteDocument(itx, docid); err != nil {
			return nil, err
		}
		if externalID != "" {
			if err := idx.DeleteDocIDMapping(itx, externalID); err != nil {
				return nil, err
			}
		}
		if err := idx.DeleteVectorEmbedding(itx, docid); err != nil {
			return nil, err
		}
		deleted++
	}

	details, _ := json.Marshal(map[string]int{"deletedDocuments": deleted})
	return &scheduler.ProcessedTask{Uid: t.Uid, Details: details}, nil
}

func (p *Processor) processClear(itx *bbolt.Tx, idx *indexstore.Index, t *tasks.Task) (*scheduler.ProcessedTask, error) {
	if err := idx.ClearDocuments(itx); err != nil {
		return nil, err
	}
	details, _ := json.Marshal(map[string]string{"status": "cleared"})
	return &scheduler.ProcessedTask{Uid: t.Uid, Details: details}, nil
}

// processSettingsUpdate returns the (possibly rebuilt) tokenizer and the new
// settings so the caller can keep using them for subsequent tasks in the
// same batch (a SettingsUpdate may precede a DocumentAdditionOrUpdate in the
// same auto-batch).
func (p *Processor) processSettingsUpdate(itx *bbolt.Tx, idx *indexstore.Index, tok *Tokenizer, old indexstore.Settings, m *merger, t *tasks.Task) (*scheduler.ProcessedTask, *Tokenizer, indexstore.Settings, error) {
	var payload SettingsPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return nil, tok, old, meilierr.Wrap(meilierr.CodeInvalidFieldFormat, err)
	}
	next := payload.Settings

	switch {
	case old.AffectsSearchability(next):
		if err := idx.ClearPostings(itx); err != nil {
			return nil, tok, old, err
		}
		newTok := New(next)
		if err := reextractAll(itx, idx, newTok, next, m); err != nil {
			return nil, tok, old, err
		}
		tok = newTok

	case old.AffectsFacets(next):
		if err := idx.ClearFacets(itx); err != nil {
			return nil, tok, old, err
		}
		if err := rebuildFacetsOnly(itx, idx, next, m); err != nil {
			return nil, tok, old, err
		}
	}

	if err := idx.PutSettings(itx, next); err != nil {
		return nil, tok, old, err
	}

	details, _ := json.Marshal(map[string]bool{"settingsUpdated": true})
	return &scheduler.ProcessedTask{Uid: t.Uid, Details: details}, tok, next, nil
}

// removeDocument retracts docid's current postings/facets, then deletes its
// document record, primary-key mapping and embedding.
func removeDocument(itx *bbolt.Tx, idx *indexstore.Index, tok *Tokenizer, settings indexstore.Settings, m *merger, docid uint32, externalID string) error {
	rec, found, err := idx.GetDocument(itx, docid)
	if err != nil {
		return err
	}
	if found {
		doc := decodeDocument(idx.Fields(), rec)
		if _, err := extractDocument(itx, idx.Fields(), tok, settings, docid, doc, signDel, m); err != nil {
			return err
		}
	}
	if err := idx.DeleteDocument(itx, docid); err != nil {
		return err
	}
	if err := idx.DeleteDocIDMapping(itx, externalID); err != nil {
		return err
	}
	return idx.DeleteVectorEmbedding(itx, docid)
}

// reextractAll re-derives every word/pair/facet posting for every stored
// document against a newly rebuilt tokenizer, for a SettingsUpdate that
// affects searchability (spec.md §4.4).
func reextractAll(itx *bbolt.Tx, idx *indexstore.Index, tok *Tokenizer, settings indexstore.Settings, m *merger) error {
	docids, err := idx.AllDocIDs(itx)
	if err != nil {
		return err
	}
	it := docids.Iterator()
	for it.HasNext() {
		docid := it.Next()
		rec, found, err := idx.GetDocument(itx, docid)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		doc := decodeDocument(idx.Fields(), rec)
		if _, err := extractDocument(itx, idx.Fields(), tok, settings, docid, doc, signAdd, m); err != nil {
			return err
		}
	}
	return nil
}

// rebuildFacetsOnly re-derives facet postings without touching word/pair
// postings, for a SettingsUpdate that changes filterable/sortable
// attributes but not searchability.
func rebuildFacetsOnly(itx *bbolt.Tx, idx *indexstore.Index, settings indexstore.Settings, m *merger) error {
	filterable := toSet(settings.FilterableAttributes)
	sortable := toSet(settings.SortableAttributes)

	docids, err := idx.AllDocIDs(itx)
	if err != nil {
		return err
	}
	it := docids.Iterator()
	for it.HasNext() {
		docid := it.Next()
		rec, found, err := idx.GetDocument(itx, docid)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		rec.Each(func(fieldID uint16, raw []byte) {
			name, ok := idx.Fields().Name(fieldID)
			if !ok || !(filterable[name] || sortable[name]) {
				return
			}
			applyFacets(raw, fieldID, docid, signAdd, m)
		})
	}
	return nil
}

func decodeDocument(fields *indexstore.FieldsIDMap, rec indexstore.Obkv) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	rec.Each(func(id uint16, value []byte) {
		if name, ok := fields.Name(id); ok {
			out[name] = append(json.RawMessage(nil), value...)
		}
	})
	return out
}

func resolvePrimaryKeyField(idx *indexstore.Index, itx *bbolt.Tx, payloadPK *string, sample map[string]json.RawMessage) (string, error) {
	if pk, ok := idx.PrimaryKeyField(); ok {
		return pk, nil
	}
	if payloadPK != nil && *payloadPK != "" {
		if err := idx.SetPrimaryKeyField(itx, *payloadPK); err != nil {
			return "", err
		}
		return *payloadPK, nil
	}
	if _, ok := sample["id"]; ok {
		if err := idx.SetPrimaryKeyField(itx, "id"); err != nil {
			return "", err
		}
		return "id", nil
	}
	return "", meilierr.New(meilierr.CodeMissingPrimaryKey, "could not infer a primary key: no primary key set and no \"id\" field present", nil)
}

func primaryKeyValue(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", meilierr.Wrap(meilierr.CodeInvalidPrimaryKey, err)
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", meilierr.New(meilierr.CodeInvalidPrimaryKey, "primary key value must not be empty", nil)
		}
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", meilierr.New(meilierr.CodeInvalidPrimaryKey, "primary key value must be a string or a number", nil)
	}
}

// embedPrompt renders a document's embedding input by concatenating every
// scalar field's text value in field-name order. Per-embedder document
// templates (spec.md §3: "embedders (name -> config)") belong to
// internal/embed's provider configuration and are layered on top of this by
// the caller that constructs a Config's Embedder.
func embedPrompt(doc map[string]json.RawMessage) (string, bool) {
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	prompt := ""
	for _, name := range names {
		text, ok := textValue(doc[name])
		if !ok {
			continue
		}
		if prompt != "" {
			prompt += " "
		}
		prompt += name + ": " + text
	}
	return prompt, prompt != ""
}

