package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lsst-dm/qserv-ingest/pkg/ingerr"
)

const metadataFilename = "metadata.json"

// FileFormat holds per-extension payload overrides forwarded verbatim to
// the server's file-async ingest endpoint.
type FileFormat struct {
	ColumnSeparator    string `json:"column_separator,omitempty"`
	FieldsEnclosedBy   string `json:"fields_enclosed_by,omitempty"`
	FieldsEscapedBy    string `json:"fields_escaped_by,omitempty"`
	FieldsTerminatedBy string `json:"fields_terminated_by,omitempty"`
	LinesTerminatedBy  string `json:"lines_terminated_by,omitempty"`
}

var defaultFormats = map[string]FileFormat{
	"csv": {ColumnSeparator: ","},
	"tsv": {ColumnSeparator: "\t"},
	"txt": {},
}

type metadataJSON struct {
	Version     int                   `json:"version"`
	Database    string                `json:"database"`
	Tables      []tableEntryJSON      `json:"tables"`
	Formats     map[string]FileFormat `json:"formats"`
	CharsetName string                `json:"charset_name"`
}

type tableEntryJSON struct {
	Schema  string          `json:"schema"`
	Indexes []string        `json:"indexes"`
	Data    []dataEntryJSON `json:"data"`
}

type dataEntryJSON struct {
	Directory string   `json:"directory"`
	Chunks    []int    `json:"chunks,omitempty"`
	Overlaps  []int    `json:"overlaps,omitempty"`
	Files     []string `json:"files,omitempty"`
}

// TableContributionsSpec names one directory of input files for a table,
// plus the chunk/overlap ids (partitioned) or plain filenames (regular)
// found there.
type TableContributionsSpec struct {
	Directory string
	Chunks    []int
	Overlaps  []int
	Files     []string
}

// TableSpec is the static description of one table: its schema, optional
// secondary-index JSONs, whether it is a director table, and the
// directories of input files to load.
type TableSpec struct {
	Name          string
	JSON          map[string]interface{}
	IndexJSON     []map[string]interface{}
	Director      bool
	Contributions []TableContributionsSpec
}

// ContributionSpec is one row of ingest work: one file destined for one
// table and, for partitioned tables, one chunk. ChunkID and IsOverlap are
// -1 when not applicable to a regular (non-partitioned) table.
type ContributionSpec struct {
	Database  string
	Table     string
	ChunkID   int
	FilePath  string
	IsOverlap int
}

// Manifest is the static, read-only description of a dataset, expanded
// from a remote metadata.json and the schema/index JSONs it names.
type Manifest struct {
	version      int
	database     string
	databaseJSON map[string]interface{}
	tables       []TableSpec
	formats      map[string]FileFormat
	charsetName  string
}

// Load fetches metadata.json and every schema/index JSON it references,
// and rejects a manifest whose version falls outside
// [minSupported, maxSupported].
func Load(ctx context.Context, fetcher Fetcher, minSupported, maxSupported int) (*Manifest, error) {
	raw, err := fetcher.Fetch(ctx, metadataFilename)
	if err != nil {
		return nil, fmt.Errorf("manifest: fetch metadata.json: %w", err)
	}
	var meta metadataJSON
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("manifest: decode metadata.json: %w", err)
	}
	if meta.Version < minSupported || meta.Version > maxSupported {
		return nil, &ingerr.ConfigError{Reason: fmt.Sprintf(
			"manifest version %d outside supported range [%d, %d]",
			meta.Version, minSupported, maxSupported)}
	}

	dbRaw, err := fetcher.Fetch(ctx, meta.Database)
	if err != nil {
		return nil, fmt.Errorf("manifest: fetch database json %q: %w", meta.Database, err)
	}
	var dbJSON map[string]interface{}
	if err := json.Unmarshal(dbRaw, &dbJSON); err != nil {
		return nil, fmt.Errorf("manifest: decode database json: %w", err)
	}
	database, _ := dbJSON["database"].(string)
	if database == "" {
		database = meta.Database
	}

	formats := make(map[string]FileFormat, len(defaultFormats)+len(meta.Formats))
	for ext, f := range defaultFormats {
		formats[ext] = f
	}
	for ext, f := range meta.Formats {
		formats[ext] = f
	}

	tables := make([]TableSpec, 0, len(meta.Tables))
	for _, t := range meta.Tables {
		spec, err := loadTable(ctx, fetcher, t)
		if err != nil {
			return nil, err
		}
		tables = append(tables, spec)
	}

	// Director tables are ingested before their dependents; stable sort
	// preserves manifest order within each group.
	sort.SliceStable(tables, func(i, j int) bool {
		return tables[i].Director && !tables[j].Director
	})

	return &Manifest{
		version:      meta.Version,
		database:     database,
		databaseJSON: dbJSON,
		tables:       tables,
		formats:      formats,
		charsetName:  meta.CharsetName,
	}, nil
}

func loadTable(ctx context.Context, fetcher Fetcher, t tableEntryJSON) (TableSpec, error) {
	schemaRaw, err := fetcher.Fetch(ctx, t.Schema)
	if err != nil {
		return TableSpec{}, fmt.Errorf("manifest: fetch schema %q: %w", t.Schema, err)
	}
	var schemaJSON map[string]interface{}
	if err := json.Unmarshal(schemaRaw, &schemaJSON); err != nil {
		return TableSpec{}, fmt.Errorf("manifest: decode schema %q: %w", t.Schema, err)
	}

	indexJSONs := make([]map[string]interface{}, 0, len(t.Indexes))
	for _, idx := range t.Indexes {
		idxRaw, err := fetcher.Fetch(ctx, idx)
		if err != nil {
			return TableSpec{}, fmt.Errorf("manifest: fetch index %q: %w", idx, err)
		}
		var idxJSON map[string]interface{}
		if err := json.Unmarshal(idxRaw, &idxJSON); err != nil {
			return TableSpec{}, fmt.Errorf("manifest: decode index %q: %w", idx, err)
		}
		indexJSONs = append(indexJSONs, idxJSON)
	}

	name, _ := schemaJSON["table"].(string)
	contribs := make([]TableContributionsSpec, 0, len(t.Data))
	for _, d := range t.Data {
		contribs = append(contribs, TableContributionsSpec{
			Directory: d.Directory,
			Chunks:    d.Chunks,
			Overlaps:  d.Overlaps,
			Files:     d.Files,
		})
	}

	return TableSpec{
		Name:          name,
		JSON:          schemaJSON,
		IndexJSON:     indexJSONs,
		Director:      isDirector(schemaJSON),
		Contributions: contribs,
	}, nil
}

// isDirector reports whether a table's schema marks it as a director
// table: no director_table field, or an empty one.
func isDirector(schema map[string]interface{}) bool {
	dt, ok := schema["director_table"]
	if !ok {
		return true
	}
	s, ok := dt.(string)
	if !ok {
		return false
	}
	return s == ""
}

// Database returns the target database name.
func (m *Manifest) Database() string { return m.database }

// DatabaseJSON returns the database-level JSON document, passed through to
// the server's registration endpoint unchanged.
func (m *Manifest) DatabaseJSON() map[string]interface{} { return m.databaseJSON }

// Family returns the partitioning layout identifier derived from the
// database's stripe configuration, e.g. "layout_85_12".
func (m *Manifest) Family() string {
	stripes, _ := asInt(m.databaseJSON["num_stripes"])
	subStripes, _ := asInt(m.databaseJSON["num_sub_stripes"])
	return fmt.Sprintf("layout_%d_%d", stripes, subStripes)
}

// CharsetName returns the dataset's declared charset, if any.
func (m *Manifest) CharsetName() string { return m.charsetName }

// TableNames returns every table name, director tables first.
func (m *Manifest) TableNames() []string {
	names := make([]string, len(m.tables))
	for i, t := range m.tables {
		names[i] = t.Name
	}
	return names
}

// OrderedTablesJSON returns each table's schema JSON in load order
// (directors first), to be passed through to the server unchanged.
func (m *Manifest) OrderedTablesJSON() []map[string]interface{} {
	out := make([]map[string]interface{}, len(m.tables))
	for i, t := range m.tables {
		out[i] = t.JSON
	}
	return out
}

// JSONIndexes returns every secondary-index JSON across all tables, in
// table load order. Index creation itself is out of scope here; this
// exists so a downstream indexing step can consume the same manifest.
func (m *Manifest) JSONIndexes() []map[string]interface{} {
	var out []map[string]interface{}
	for _, t := range m.tables {
		out = append(out, t.IndexJSON...)
	}
	return out
}

// FileFormats returns the per-extension payload overrides: built-in
// defaults merged with any dataset-level overrides from metadata.json.
func (m *Manifest) FileFormats() map[string]FileFormat {
	out := make(map[string]FileFormat, len(m.formats))
	for k, v := range m.formats {
		out[k] = v
	}
	return out
}

// Version returns the manifest's declared protocol version.
func (m *Manifest) Version() int { return m.version }

// Tables returns the ordered table specs, director tables first.
func (m *Manifest) Tables() []TableSpec { return m.tables }

func asInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("manifest: expected numeric value, got %T", v)
	}
}
