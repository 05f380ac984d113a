package sideindex

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite sidecar connection for one capsule. Callers
// always go through OpenStore, which also brings the schema up to date.
type Store struct {
	db *sqlx.DB
}

// OpenStore opens (creating if absent) the sidecar database at path and
// runs pending goose migrations against it.
func OpenStore(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=off&_journal_mode=WAL")
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "open sidecar %s", path)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "set goose dialect")
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "migrate sidecar %s", path)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Persist writes idx into the sidecar inside a single transaction,
// clearing every table first (spec.md §4.5.2).
func (s *Store) Persist(idx *Index) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "begin sidecar transaction")
	}
	defer tx.Rollback()

	for _, table := range []string{
		"meta", "nodes_by_id", "nodes_by_label", "nodes_by_file",
		"symbols_by_name_normalized", "edges", "edges_by_source_type",
		"edges_by_target_type", "process_steps_by_process_id",
		"fulltext_lexical_index", "hotspots", "community_membership",
	} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "clear table %s", table)
		}
	}

	manifestJSON, err := json.Marshal(idx.Manifest)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal manifest")
	}
	capsJSON, err := json.Marshal(idx.Capabilities)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal capabilities")
	}
	meta := map[string]string{
		"schemaVersion": SchemaVersion,
		"capsulePath":   idx.CapsulePath,
		"generatedAt":   idx.GeneratedAt,
		"manifest":      string(manifestJSON),
		"capabilities":  string(capsJSON),
	}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT INTO meta(key, value) VALUES (?, ?)`, k, v); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "insert meta %s", k)
		}
	}

	for _, n := range idx.Nodes {
		if _, err := tx.Exec(`INSERT INTO nodes_by_id(id,label,name,file_path,line_start,line_end,language,uri,search_text)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			n.ID, n.Label, n.Name, n.FilePath, n.LineStart, n.LineEnd, n.Language, n.URI, n.SearchText); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "insert node %s", n.ID)
		}
		if _, err := tx.Exec(`INSERT INTO nodes_by_label(label, node_id) VALUES (?, ?)`, n.Label, n.ID); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "insert nodes_by_label")
		}
		if n.FilePath != "" {
			if _, err := tx.Exec(`INSERT INTO nodes_by_file(file_path, node_id) VALUES (?, ?)`, n.FilePath, n.ID); err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "insert nodes_by_file")
			}
		}
	}

	for _, s := range idx.Symbols {
		if _, err := tx.Exec(`INSERT INTO symbols_by_name_normalized(normalized_name, node_id) VALUES (?, ?)`, s.NormalizedName, s.NodeID); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "insert symbol")
		}
	}

	for _, e := range idx.Edges {
		if _, err := tx.Exec(`INSERT INTO edges(id,rel_type,source_id,target_id,confidence,reason,step,uri,search_text)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			e.ID, e.RelType, e.SourceID, e.TargetID, e.Confidence, e.Reason, e.Step, e.URI, e.SearchText); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "insert edge %s", e.ID)
		}
		if _, err := tx.Exec(`INSERT INTO edges_by_source_type(source_id, rel_type, edge_id) VALUES (?, ?, ?)`, e.SourceID, e.RelType, e.ID); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "insert edges_by_source_type")
		}
		if _, err := tx.Exec(`INSERT INTO edges_by_target_type(target_id, rel_type, edge_id) VALUES (?, ?, ?)`, e.TargetID, e.RelType, e.ID); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "insert edges_by_target_type")
		}
	}

	for _, st := range idx.Steps {
		if _, err := tx.Exec(`INSERT INTO process_steps_by_process_id(process_id, step, function_id, edge_uri) VALUES (?, ?, ?, ?)`,
			st.ProcessID, st.Step, st.FunctionID, st.EdgeURI); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "insert process step")
		}
	}

	for _, f := range idx.Fulltext {
		if _, err := tx.Exec(`INSERT INTO fulltext_lexical_index(ref_kind, ref_id, uri, track, text) VALUES (?, ?, ?, ?, ?)`,
			f.RefKind, f.RefID, f.URI, f.Track, f.Text); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "insert fulltext entry")
		}
	}

	for _, h := range idx.Hotspots {
		if _, err := tx.Exec(`INSERT INTO hotspots(file_path, calls, nodes, score) VALUES (?, ?, ?, ?)`,
			h.FilePath, h.Calls, h.Nodes, h.Score); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "insert hotspot")
		}
	}

	for _, c := range idx.Communities {
		if _, err := tx.Exec(`INSERT INTO community_membership(community_id, node_id, node_label, node_name) VALUES (?, ?, ?, ?)`,
			c.CommunityID, c.NodeID, c.NodeLabel, c.NodeName); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "insert community membership")
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "commit sidecar transaction")
	}
	return nil
}

// Load reconstructs an Index from the sidecar. Returns a
// CapsuleIncompatible error if the stored schema version does not match
// SchemaVersion, which the cache layer treats as a rebuild signal.
func (s *Store) Load(capsulePath string) (*Index, error) {
	metaRows := map[string]string{}
	rows, err := s.db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "read sidecar meta")
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "scan sidecar meta")
		}
		metaRows[k] = v
	}
	rows.Close()

	if metaRows["schemaVersion"] != SchemaVersion {
		return nil, apperrors.NewCapsuleIncompatibleError(fmt.Sprintf("sidecar schema %q != %q", metaRows["schemaVersion"], SchemaVersion))
	}

	idx := &Index{
		CapsulePath: capsulePath,
		GeneratedAt: metaRows["generatedAt"],
	}
	if metaRows["manifest"] != "" {
		_ = json.Unmarshal([]byte(metaRows["manifest"]), &idx.Manifest)
	}
	if metaRows["capabilities"] != "" {
		_ = json.Unmarshal([]byte(metaRows["capabilities"]), &idx.Capabilities)
	}

	if err := s.db.Select(&idx.Nodes, `SELECT id,label,name,file_path as filepath,line_start as linestart,line_end as lineend,language,uri,search_text as searchtext FROM nodes_by_id`); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "load nodes")
	}
	if err := s.db.Select(&idx.Edges, `SELECT id,rel_type as reltype,source_id as sourceid,target_id as targetid,confidence,reason,step,uri,search_text as searchtext FROM edges`); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "load edges")
	}
	if err := s.db.Select(&idx.Steps, `SELECT process_id as processid, step, function_id as functionid, edge_uri as edgeuri FROM process_steps_by_process_id`); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "load process steps")
	}
	if err := s.db.Select(&idx.Symbols, `SELECT normalized_name as normalizedname, node_id as nodeid FROM symbols_by_name_normalized`); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "load symbols")
	}
	if err := s.db.Select(&idx.Hotspots, `SELECT file_path as filepath, calls, nodes, score FROM hotspots`); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "load hotspots")
	}
	if err := s.db.Select(&idx.Communities, `SELECT community_id as communityid, node_id as nodeid, node_label as nodelabel, node_name as nodename FROM community_membership`); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "load community membership")
	}
	if err := s.db.Select(&idx.Fulltext, `SELECT ref_kind as refkind, ref_id as refid, uri, track, text FROM fulltext_lexical_index`); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "load fulltext entries")
	}

	idx.BuildAdjacency()
	return idx, nil
}
