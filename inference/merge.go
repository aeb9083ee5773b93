package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/RedisAI/llmbench/workload"
	"github.com/sirupsen/logrus"
)

const workerResultsFmt = "results_wid%d.json"

// WorkerResultsPath returns the file a worker writes its records to.
func WorkerResultsPath(dir string, wid int) string {
	return filepath.Join(dir, fmt.Sprintf(workerResultsFmt, wid))
}

func writeWorkerResults(dir string, wid int, records []RequestRecord) error {
	if records == nil {
		records = []RequestRecord{}
	}
	return writeJSON(WorkerResultsPath(dir, wid), records)
}

// clearWorkerResults removes the result files of a previous run so that a
// worker which writes nothing is merged as missing.
func clearWorkerResults(dir string, numUsers int) error {
	for wid := 0; wid < numUsers; wid++ {
		if err := os.Remove(WorkerResultsPath(dir, wid)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing stale results of worker %d: %w", wid, err)
		}
	}
	return nil
}

// MergeWorkerResults concatenates the per-worker result files of numUsers
// workers in worker order and derives consistency against pool. Missing or
// unreadable files are logged and skipped.
func MergeWorkerResults(dir string, numUsers int, pool []workload.SampledRequest) []RequestRecord {
	var all []RequestRecord
	for wid := 0; wid < numUsers; wid++ {
		path := WorkerResultsPath(dir, wid)
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logrus.Warnf("no results from worker %d", wid)
			} else {
				logrus.Warnf("reading results of worker %d: %v", wid, err)
			}
			continue
		}
		var records []RequestRecord
		if err := json.Unmarshal(b, &records); err != nil {
			logrus.Warnf("decoding %s: %v", path, err)
			continue
		}
		all = append(all, records...)
	}
	if all == nil {
		all = []RequestRecord{}
	}
	CheckConsistency(all, pool)
	return all
}
