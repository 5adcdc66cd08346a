package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/lsst-dm/qserv-ingest/pkg/respparser"
)

// FelisMerge is the interface contract with an external Felis schema
// merger: given a table's schema JSON, it returns the schema with a
// Felis-sourced column list merged in. The merger itself is out of scope
// here; this package only needs to type-check the seam and call it.
type FelisMerge func(schemaJSON []byte) ([]byte, error)

func applyMerge(tableJSON map[string]interface{}, merge FelisMerge) (respparser.JSON, error) {
	raw, err := json.Marshal(tableJSON)
	if err != nil {
		return nil, fmt.Errorf("ingest: marshal table schema for felis merge: %w", err)
	}
	merged, err := merge(raw)
	if err != nil {
		return nil, fmt.Errorf("ingest: felis merge: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("ingest: decode felis-merged schema: %w", err)
	}
	return respparser.JSON(out), nil
}
