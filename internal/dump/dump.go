// Package dump writes and restores the gzipped tar archive that backs
// DumpCreation tasks and operator-triggered restores: one JSON document per
// line per index plus the task log, laid out the way the scheduler itself
// consumes them rather than the full HTTP-facing export (API keys, network
// config and the instance uuid belong to the auth/transport layer and are
// not part of this archive).
package dump

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lexidb/lexid/internal/indexstore"
	"github.com/lexidb/lexid/internal/meilierr"
	"github.com/lexidb/lexid/internal/tasks"
)

// ArchiveVersion identifies the archive layout written by this package.
const ArchiveVersion = "V1"

// Metadata is the archive's top-level metadata.json.
type Metadata struct {
	DumpVersion string    `json:"dumpVersion"`
	DBVersion   int       `json:"dbVersion"`
	DumpDate    time.Time `json:"dumpDate"`
}

// IndexMetadata is an index's indexes/{uid}/metadata.json entry.
type IndexMetadata struct {
	Uid        string    `json:"uid"`
	PrimaryKey string    `json:"primaryKey,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CreateDump writes every open index's raw documents and settings, plus the
// full task log, to a new archive under destDir, and returns its path. Each
// index is read through its own snapshot transaction so export never blocks
// the scheduler's writer (spec.md: "readers never block writers").
func CreateDump(store *indexstore.Store, queue *tasks.Queue, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}

	dbVersion, err := queue.Version()
	if err != nil {
		return "", err
	}

	path := filepath.Join(destDir, time.Now().UTC().Format("20060102-150405.000000000")+".dump")
	f, err := os.Create(path)
	if err != nil {
		return "", meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	meta := Metadata{DumpVersion: ArchiveVersion, DBVersion: dbVersion, DumpDate: time.Now().UTC()}
	if err := writeJSONEntry(tw, "metadata.json", meta); err != nil {
		return "", err
	}

	uids := store.List()
	sort.Strings(uids)
	for _, uid := range uids {
		idx, ok := store.Get(uid)
		if !ok {
			continue
		}
		if err := writeIndexEntries(tw, idx); err != nil {
			return "", err
		}
	}

	if err := writeTaskQueueEntry(tw, queue); err != nil {
		return "", err
	}

	if err := tw.Close(); err != nil {
		return "", meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	if err := gz.Close(); err != nil {
		return "", meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return path, nil
}

func writeIndexEntries(tw *tar.Writer, idx *indexstore.Index) error {
	meta := idx.Meta()
	pk, _ := idx.PrimaryKeyField()
	idxMeta := IndexMetadata{Uid: idx.Uid, PrimaryKey: pk, CreatedAt: meta.CreatedAt, UpdatedAt: meta.UpdatedAt}
	if err := writeJSONEntry(tw, fmt.Sprintf("indexes/%s/metadata.json", idx.Uid), idxMeta); err != nil {
		return err
	}
	if err := writeJSONEntry(tw, fmt.Sprintf("indexes/%s/settings.json", idx.Uid), idx.Settings()); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	err := idx.Env().View(func(tx *bbolt.Tx) error {
		docids, err := idx.AllDocIDs(tx)
		if err != nil {
			return err
		}
		it := docids.Iterator()
		for it.HasNext() {
			docid := it.Next()
			rec, found, err := idx.GetDocument(tx, docid)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if err := enc.Encode(decodeDocument(idx.Fields(), rec)); err != nil {
				return meilierr.Wrap(meilierr.CodeSerialization, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeEntry(tw, fmt.Sprintf("indexes/%s/documents.jsonl", idx.Uid), buf.Bytes())
}

func writeTaskQueueEntry(tw *tar.Writer, queue *tasks.Queue) error {
	all, err := queue.Query(tasks.Filter{})
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Uid < all[j].Uid })

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range all {
		if err := enc.Encode(t); err != nil {
			return meilierr.Wrap(meilierr.CodeSerialization, err)
		}
	}
	return writeEntry(tw, "tasks/queue.jsonl", buf.Bytes())
}

func writeJSONEntry(tw *tar.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	return writeEntry(tw, name, data)
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: time.Now().UTC()}
	if err := tw.WriteHeader(hdr); err != nil {
		return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	if _, err := tw.Write(data); err != nil {
		return meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	return nil
}

// ImportDump restores every archived index's raw documents and settings into
// store (creating each index fresh) and replays the task log into queue. It
// does not rebuild word or facet postings: the caller runs
// internal/indexer.Processor.Reindex over every returned uid before serving
// search against it, the same import-then-reindex split Meilisearch itself
// performs on --import-dump startup.
func ImportDump(store *indexstore.Store, queue *tasks.Queue, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeKVStoreCorruption, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
	}
	defer gz.Close()

	type indexPayload struct {
		meta     IndexMetadata
		settings indexstore.Settings
		docs     [][]byte
	}
	states := map[string]*indexPayload{}
	var taskLines [][]byte

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
		}

		switch {
		case hdr.Name == "tasks/queue.jsonl":
			taskLines = splitLines(data)

		case strings.HasPrefix(hdr.Name, "indexes/"):
			parts := strings.SplitN(strings.TrimPrefix(hdr.Name, "indexes/"), "/", 2)
			if len(parts) != 2 {
				continue
			}
			uid, rest := parts[0], parts[1]
			st, ok := states[uid]
			if !ok {
				st = &indexPayload{}
				states[uid] = st
			}
			switch rest {
			case "metadata.json":
				if err := json.Unmarshal(data, &st.meta); err != nil {
					return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
				}
			case "settings.json":
				if err := json.Unmarshal(data, &st.settings); err != nil {
					return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
				}
			case "documents.jsonl":
				st.docs = splitLines(data)
			}
		}
	}

	uids := make([]string, 0, len(states))
	for uid := range states {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	restored := make([]string, 0, len(uids))
	for _, uid := range uids {
		st := states[uid]
		idx, err := store.Create(uid)
		if err != nil {
			return nil, err
		}
		if err := restoreIndex(idx, st.meta, st.settings, st.docs); err != nil {
			return nil, err
		}
		restored = append(restored, uid)
	}

	for _, line := range taskLines {
		var t tasks.Task
		if err := json.Unmarshal(line, &t); err != nil {
			return nil, meilierr.Wrap(meilierr.CodeSerialization, err)
		}
		if err := queue.RestoreTask(&t); err != nil {
			return nil, err
		}
	}

	return restored, nil
}

func restoreIndex(idx *indexstore.Index, meta IndexMetadata, settings indexstore.Settings, docLines [][]byte) error {
	return idx.Env().Update(func(tx *bbolt.Tx) error {
		if meta.PrimaryKey != "" {
			if err := idx.SetPrimaryKeyField(tx, meta.PrimaryKey); err != nil {
				return err
			}
		}
		if err := idx.PutSettings(tx, settings); err != nil {
			return err
		}

		for _, line := range docLines {
			var doc map[string]json.RawMessage
			if err := json.Unmarshal(line, &doc); err != nil {
				return meilierr.Wrap(meilierr.CodeSerialization, err)
			}

			raw := map[uint16][]byte{}
			var externalID string
			for name, value := range doc {
				fieldID, err := idx.Fields().GetOrAllocate(tx, name)
				if err != nil {
					return err
				}
				raw[fieldID] = value
				if name == meta.PrimaryKey {
					v, err := primaryKeyValue(value)
					if err != nil {
						return err
					}
					externalID = v
				}
			}
			if externalID == "" {
				return meilierr.New(meilierr.CodeMissingPrimaryKey,
					fmt.Sprintf("document in index %q missing primary key %q", idx.Uid, meta.PrimaryKey), nil)
			}

			docid, _, err := idx.AssignDocID(tx, externalID)
			if err != nil {
				return err
			}
			if err := idx.PutDocument(tx, docid, indexstore.NewObkv(raw)); err != nil {
				return err
			}
		}

		return idx.TouchUpdatedAt(tx, time.Now().UTC())
	})
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

func primaryKeyValue(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", meilierr.Wrap(meilierr.CodeInvalidPrimaryKey, err)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", meilierr.New(meilierr.CodeInvalidPrimaryKey, "primary key value must be a string or a number", nil)
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
