package codebase

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/spachava753/gcmrun/internal/models"
	"github.com/spachava753/gcmrun/internal/util"
)

// ReadSegmentRecords returns the records of the completed segments of an
// experiment, ordered by index. Partial directories and run directories
// without a record are ignored. A missing data directory yields no records.
func ReadSegmentRecords(dataRoot, experiment string) ([]models.SegmentRecord, error) {
	dir := filepath.Join(dataRoot, experiment)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading data directory: %w", err)
	}

	var records []models.SegmentRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := util.ParseRunDirName(e.Name()); !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name(), recordFile))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s record: %w", e.Name(), err)
		}
		var rec models.SegmentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parsing %s record: %w", e.Name(), err)
		}
		records = append(records, rec)
	}

	slices.SortFunc(records, func(a, b models.SegmentRecord) int { return a.Index - b.Index })
	return records, nil
}
