package workload

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const defaultReadSize = 4 << 20 // 4 MB

// scanner decodes a JSON array of SampledRequests element by element.
type scanner struct {
	r     io.Reader
	limit uint64
}

// newScanner returns a new scanner reading at most limit requests, 0 = no limit.
func newScanner(r io.Reader, limit uint64) *scanner {
	return &scanner{r: r, limit: limit}
}

// scan decodes requests, calling fn for each one in order.
func (s *scanner) scan(fn func(n uint64, req SampledRequest) error) (uint64, error) {
	decoder := json.NewDecoder(s.r)
	tok, err := decoder.Token()
	if err != nil {
		return 0, fmt.Errorf("reading request pool: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, fmt.Errorf("request pool must be a JSON array, got %v", tok)
	}

	n := uint64(0)
	for decoder.More() {
		if s.limit > 0 && n >= s.limit {
			break
		}
		var req SampledRequest
		if err := decoder.Decode(&req); err != nil {
			return n, fmt.Errorf("decoding request %d: %w", n, err)
		}
		if err := fn(n, req); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Load reads the request pool stored at path.
func Load(path string, limit uint64) ([]SampledRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pool []SampledRequest
	_, err = newScanner(bufio.NewReaderSize(f, defaultReadSize), limit).scan(func(_ uint64, req SampledRequest) error {
		pool = append(pool, req)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("%s: request pool is empty", path)
	}
	return pool, nil
}

// Save writes the request pool to path, creating parent directories.
func Save(path string, pool []SampledRequest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if pool == nil {
		pool = []SampledRequest{}
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	err = enc.Encode(pool)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return os.Rename(tmp, path)
}
