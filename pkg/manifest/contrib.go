package manifest

import (
	"context"
	"fmt"
	"path"
)

// Contributions streams every Contribution Spec for the dataset, table by
// table in load order (directors first), directory by directory within a
// table. The channel closes once enumeration completes or ctx is done;
// callers must drain it to avoid leaking the producer goroutine.
func (m *Manifest) Contributions(ctx context.Context) <-chan ContributionSpec {
	out := make(chan ContributionSpec)
	go func() {
		defer close(out)
		for _, t := range m.tables {
			for _, c := range t.Contributions {
				for _, spec := range contributionsFor(m.database, t, c) {
					select {
					case out <- spec:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

func contributionsFor(database string, t TableSpec, c TableContributionsSpec) []ContributionSpec {
	if len(c.Files) > 0 {
		return regularContributions(database, t, c)
	}
	return partitionedContributions(database, t, c)
}

// regularContributions handles non-partitioned tables: one contribution
// per named file, no chunk or overlap distinction.
func regularContributions(database string, t TableSpec, c TableContributionsSpec) []ContributionSpec {
	specs := make([]ContributionSpec, 0, len(c.Files))
	for _, f := range c.Files {
		specs = append(specs, ContributionSpec{
			Database:  database,
			Table:     t.Name,
			ChunkID:   -1,
			FilePath:  path.Join(c.Directory, f),
			IsOverlap: -1,
		})
	}
	return specs
}

// partitionedContributions handles chunked tables: one contribution per
// chunk, plus, for director tables, one overlap contribution per entry in
// Overlaps (defaulting to Chunks when Overlaps is absent).
func partitionedContributions(database string, t TableSpec, c TableContributionsSpec) []ContributionSpec {
	specs := make([]ContributionSpec, 0, len(c.Chunks)+len(c.Overlaps))
	for _, chunkID := range c.Chunks {
		specs = append(specs, ContributionSpec{
			Database:  database,
			Table:     t.Name,
			ChunkID:   chunkID,
			FilePath:  path.Join(c.Directory, fmt.Sprintf("chunk_%d.txt", chunkID)),
			IsOverlap: 0,
		})
	}
	if !t.Director {
		return specs
	}

	overlaps := c.Overlaps
	if overlaps == nil {
		overlaps = c.Chunks
	}
	for _, chunkID := range overlaps {
		specs = append(specs, ContributionSpec{
			Database:  database,
			Table:     t.Name,
			ChunkID:   chunkID,
			FilePath:  path.Join(c.Directory, fmt.Sprintf("chunk_%d_overlap.txt", chunkID)),
			IsOverlap: 1,
		})
	}
	return specs
}
