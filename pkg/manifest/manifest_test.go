package manifest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/lsst-dm/qserv-ingest/pkg/ingerr"
	"github.com/stretchr/testify/require"
)

type memFetcher map[string][]byte

func (m memFetcher) Fetch(_ context.Context, relativePath string) ([]byte, error) {
	b, ok := m[relativePath]
	if !ok {
		panic("manifest_test: unregistered fixture " + relativePath)
	}
	return b, nil
}

func jsonBytes(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func baseFixture(t *testing.T, version int, tables []tableEntryJSON) memFetcher {
	t.Helper()
	return memFetcher{
		"metadata.json": jsonBytes(t, metadataJSON{
			Version:  version,
			Database: "db.json",
			Tables:   tables,
		}),
		"db.json": jsonBytes(t, map[string]interface{}{
			"database":        "test_db",
			"num_stripes":     85,
			"num_sub_stripes": 12,
		}),
	}
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	f := baseFixture(t, 0, nil)
	_, err := Load(context.Background(), f, 1, 25)
	require.Error(t, err)
	require.True(t, ingerr.IsConfigError(err))
}

func TestLoadHappyPathSingleRegularFile(t *testing.T) {
	f := baseFixture(t, 1, []tableEntryJSON{
		{
			Schema: "logs.json",
			Data: []dataEntryJSON{
				{Directory: "logs/", Files: []string{"logs.tsv"}},
			},
		},
	})
	f["logs.json"] = jsonBytes(t, map[string]interface{}{"table": "Logs"})

	m, err := Load(context.Background(), f, 1, 25)
	require.NoError(t, err)
	require.Equal(t, "test_db", m.Database())
	require.Equal(t, "layout_85_12", m.Family())
	require.Equal(t, []string{"Logs"}, m.TableNames())

	var specs []ContributionSpec
	for s := range m.Contributions(context.Background()) {
		specs = append(specs, s)
	}
	require.Len(t, specs, 1)
	require.Equal(t, ContributionSpec{
		Database: "test_db", Table: "Logs", ChunkID: -1,
		FilePath: "logs/logs.tsv", IsOverlap: -1,
	}, specs[0])
}

func TestLoadDirectorFirstOrdering(t *testing.T) {
	f := baseFixture(t, 1, []tableEntryJSON{
		{Schema: "source.json", Data: []dataEntryJSON{{Directory: "source/", Chunks: []int{1}}}},
		{Schema: "object.json", Data: []dataEntryJSON{{Directory: "object/", Chunks: []int{1}}}},
	})
	f["source.json"] = jsonBytes(t, map[string]interface{}{"table": "Source", "director_table": "Object"})
	f["object.json"] = jsonBytes(t, map[string]interface{}{"table": "Object"})

	m, err := Load(context.Background(), f, 1, 25)
	require.NoError(t, err)
	require.Equal(t, "Object", m.OrderedTablesJSON()[0]["table"])
	require.Equal(t, []string{"Object", "Source"}, m.TableNames())
}

func TestPartitionedContributionsWithDirectorOverlaps(t *testing.T) {
	f := baseFixture(t, 1, []tableEntryJSON{
		{
			Schema: "object.json",
			Data: []dataEntryJSON{
				{Directory: "object/", Chunks: []int{1, 2}, Overlaps: []int{1}},
			},
		},
	})
	f["object.json"] = jsonBytes(t, map[string]interface{}{"table": "Object"})

	m, err := Load(context.Background(), f, 1, 25)
	require.NoError(t, err)

	var specs []ContributionSpec
	for s := range m.Contributions(context.Background()) {
		specs = append(specs, s)
	}
	require.Len(t, specs, 3)
	require.Equal(t, "object/chunk_1.txt", specs[0].FilePath)
	require.Equal(t, 0, specs[0].IsOverlap)
	require.Equal(t, "object/chunk_2.txt", specs[1].FilePath)
	require.Equal(t, "object/chunk_1_overlap.txt", specs[2].FilePath)
	require.Equal(t, 1, specs[2].IsOverlap)
}

func TestPartitionedContributionsOverlapsDefaultToChunks(t *testing.T) {
	f := baseFixture(t, 1, []tableEntryJSON{
		{
			Schema: "object.json",
			Data:   []dataEntryJSON{{Directory: "object/", Chunks: []int{1, 2}}},
		},
	})
	f["object.json"] = jsonBytes(t, map[string]interface{}{"table": "Object"})

	m, err := Load(context.Background(), f, 1, 25)
	require.NoError(t, err)

	var specs []ContributionSpec
	for s := range m.Contributions(context.Background()) {
		specs = append(specs, s)
	}
	// 2 chunk rows + 2 overlap rows (director table, Overlaps absent -> Chunks)
	require.Len(t, specs, 4)
}

func TestNonDirectorTableHasNoOverlaps(t *testing.T) {
	f := baseFixture(t, 1, []tableEntryJSON{
		{
			Schema: "source.json",
			Data:   []dataEntryJSON{{Directory: "source/", Chunks: []int{1, 2}}},
		},
	})
	f["source.json"] = jsonBytes(t, map[string]interface{}{"table": "Source", "director_table": "Object"})

	m, err := Load(context.Background(), f, 1, 25)
	require.NoError(t, err)

	var specs []ContributionSpec
	for s := range m.Contributions(context.Background()) {
		specs = append(specs, s)
	}
	require.Len(t, specs, 2)
	for _, s := range specs {
		require.Equal(t, 0, s.IsOverlap)
	}
}

func TestFileFormatDefaultsAndOverrides(t *testing.T) {
	f := baseFixture(t, 1, nil)
	meta := metadataJSON{
		Version:  1,
		Database: "db.json",
		Formats: map[string]FileFormat{
			"tsv": {ColumnSeparator: "|"},
		},
	}
	f["metadata.json"] = jsonBytes(t, meta)

	m, err := Load(context.Background(), f, 1, 25)
	require.NoError(t, err)

	formats := m.FileFormats()
	require.Equal(t, ",", formats["csv"].ColumnSeparator)
	require.Equal(t, "|", formats["tsv"].ColumnSeparator)
	require.Equal(t, "", formats["txt"].ColumnSeparator)
}

func TestJSONIndexesPassThrough(t *testing.T) {
	f := baseFixture(t, 1, []tableEntryJSON{
		{Schema: "object.json", Indexes: []string{"idx1.json"}},
	})
	f["object.json"] = jsonBytes(t, map[string]interface{}{"table": "Object"})
	f["idx1.json"] = jsonBytes(t, map[string]interface{}{"index": "idx1"})

	m, err := Load(context.Background(), f, 1, 25)
	require.NoError(t, err)
	require.Len(t, m.JSONIndexes(), 1)
	require.Equal(t, "idx1", m.JSONIndexes()[0]["index"])
}
