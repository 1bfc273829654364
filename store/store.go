package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/sirupsen/logrus"

	"price-extractor/internal/types"
)

const (
	recordsDir = "records"
	runsDir    = "runs"
)

// Store is a directory of CSV record files plus JSON run reports:
//
//	<root>/records/<target-id>/<YYYY-MM-DD>.csv
//	<root>/runs/<started>_<run-id>.json
//
// Record files are kept sorted by item id so that a new observation shows up
// as an added line in a diff.
type Store struct {
	root   string
	policy string
	logger logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store rooted at dir using the given merge policy.
func New(dir, policy string, logger logrus.FieldLogger) (*Store, error) {
	switch policy {
	case types.MergeReject, types.MergeOverwrite, types.MergeAppendVersioned:
	default:
		return nil, fmt.Errorf("unknown merge policy %q", policy)
	}
	return &Store{
		root:   dir,
		policy: policy,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Policy returns the merge policy applied to every write.
func (s *Store) Policy() string { return s.policy }

// Check makes sure the store directory exists and is a directory.
func (s *Store) Check() error {
	info, err := os.Stat(s.root)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(s.root, 0755); err != nil {
			return unavailable(fmt.Errorf("failed to create out_path: %w", err))
		}
		return nil
	}
	if err != nil {
		return unavailable(err)
	}
	if !info.IsDir() {
		return unavailable(fmt.Errorf("out_path is not a directory: %s", s.root))
	}
	return nil
}

// Write merges records into the store. Records are grouped by file; each
// file is rewritten atomically and synced before Write returns.
func (s *Store) Write(ctx context.Context, records []types.PriceRecord) (*types.WriteResult, error) {
	groups := make(map[string][]types.PriceRecord)
	var paths []string
	for _, r := range records {
		p := s.recordPath(r.TargetID, r.ObservationDate)
		if _, ok := groups[p]; !ok {
			paths = append(paths, p)
		}
		groups[p] = append(groups[p], r)
	}
	sort.Strings(paths)

	result := &types.WriteResult{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := s.writeFile(p, groups[p])
		if err != nil {
			return result, err
		}
		result.Add(res)
	}
	return result, nil
}

func (s *Store) writeFile(path string, incoming []types.PriceRecord) (*types.WriteResult, error) {
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	existing, err := readRecords(path)
	if err != nil {
		return nil, unavailable(err)
	}

	merged, result := merge(existing, incoming, s.policy)
	if result.Written == 0 && result.Superseded == 0 {
		return result, nil
	}

	if err := writeRecords(path, merged); err != nil {
		return nil, unavailable(err)
	}
	s.logger.WithFields(logrus.Fields{
		"file":       path,
		"written":    result.Written,
		"superseded": result.Superseded,
	}).Debug("Records committed")
	return result, nil
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// merge applies the policy to incoming records. A record with the same
// observed values as a stored one is unchanged under every policy.
func merge(existing, incoming []types.PriceRecord, policy string) ([]types.PriceRecord, *types.WriteResult) {
	result := &types.WriteResult{}
	merged := append([]types.PriceRecord(nil), existing...)

	// latest holds the index of the newest version of each key.
	latest := make(map[types.Key]int, len(merged))
	for i := range merged {
		k := merged[i].Key()
		if j, ok := latest[k]; !ok || merged[i].ScrapedAt.After(merged[j].ScrapedAt) {
			latest[k] = i
		}
	}

	for _, rec := range incoming {
		k := rec.Key()
		i, ok := latest[k]
		if !ok {
			merged = append(merged, rec)
			latest[k] = len(merged) - 1
			result.Written++
			continue
		}
		stored := &merged[i]
		if stored.SameObservation(&rec) {
			result.Unchanged++
			continue
		}
		switch policy {
		case types.MergeReject:
			result.Conflicts = append(result.Conflicts, types.Conflict{
				Key:      k,
				Stored:   stored.Price,
				Incoming: rec.Price,
			})
		case types.MergeOverwrite:
			*stored = rec
			result.Superseded++
		case types.MergeAppendVersioned:
			merged = append(merged, rec)
			latest[k] = len(merged) - 1
			result.Written++
		}
	}

	sortRecords(merged)
	return merged, result
}

func sortRecords(records []types.PriceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.ItemID != b.ItemID {
			return lessItemID(a.ItemID, b.ItemID)
		}
		return a.ScrapedAt.Before(b.ScrapedAt)
	})
}

// lessItemID orders numeric ids numerically and everything else lexically.
func lessItemID(a, b string) bool {
	ai, aerr := strconv.ParseUint(a, 10, 64)
	bi, berr := strconv.ParseUint(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}

func (s *Store) recordPath(targetID, date string) string {
	return filepath.Join(s.root, recordsDir, targetID, date+".csv")
}

// Records returns every stored record of a target, ordered by date and item.
func (s *Store) Records(targetID string) ([]types.PriceRecord, error) {
	files, err := filepath.Glob(filepath.Join(s.root, recordsDir, targetID, "*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var all []types.PriceRecord
	for _, f := range files {
		recs, err := readRecords(f)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// Keys returns the set of keys present in the store.
func (s *Store) Keys() (map[types.Key]int, error) {
	dirs, err := os.ReadDir(filepath.Join(s.root, recordsDir))
	if errors.Is(err, os.ErrNotExist) {
		return map[types.Key]int{}, nil
	}
	if err != nil {
		return nil, err
	}

	keys := make(map[types.Key]int)
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		recs, err := s.Records(d.Name())
		if err != nil {
			return nil, err
		}
		for i := range recs {
			keys[recs[i].Key()]++
		}
	}
	return keys, nil
}

// WriteReport persists a finalized run report.
func (s *Store) WriteReport(report *types.RunReport) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal run report: %w", err)
	}
	data = append(data, '\n')

	name := fmt.Sprintf("%s_%s.json", report.StartedAt.UTC().Format("20060102T150405Z"), shortID(report.RunID))
	path := filepath.Join(s.root, runsDir, name)
	if err := writeFileAtomic(path, data); err != nil {
		return "", unavailable(err)
	}
	return path, nil
}

// LatestReport loads the most recent run report.
func (s *Store) LatestReport() (*types.RunReport, string, error) {
	files, err := filepath.Glob(filepath.Join(s.root, runsDir, "*.json"))
	if err != nil {
		return nil, "", err
	}
	if len(files) == 0 {
		return nil, "", fmt.Errorf("no run reports in %s", filepath.Join(s.root, runsDir))
	}
	sort.Strings(files)
	path := files[len(files)-1]

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	var report types.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, "", fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &report, path, nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func unavailable(err error) error {
	return &types.WriteError{Kind: types.KindStorageUnavailable, Err: err}
}

// row is the on-disk CSV shape of a PriceRecord.
type row struct {
	TargetID        string `csv:"target_id"`
	ItemID          string `csv:"item_id"`
	ObservationDate string `csv:"observation_date"`
	Price           string `csv:"price"`
	Currency        string `csv:"currency"`
	Unit            string `csv:"unit"`
	Name            string `csv:"name"`
	Brand           string `csv:"brand"`
	Category        string `csv:"category"`
	URI             string `csv:"uri"`
	ScrapedAt       string `csv:"scraped_at"`
}

func toRow(r *types.PriceRecord) row {
	return row{
		TargetID:        r.TargetID,
		ItemID:          r.ItemID,
		ObservationDate: r.ObservationDate,
		Price:           strconv.FormatFloat(r.Price, 'f', -1, 64),
		Currency:        r.Currency,
		Unit:            r.Unit,
		Name:            r.Name,
		Brand:           r.Brand,
		Category:        r.Category,
		URI:             r.URI,
		ScrapedAt:       r.ScrapedAt.UTC().Format(time.RFC3339),
	}
}

func fromRow(w *row) (types.PriceRecord, error) {
	price, err := strconv.ParseFloat(w.Price, 64)
	if err != nil {
		return types.PriceRecord{}, fmt.Errorf("bad price %q: %w", w.Price, err)
	}
	scraped, err := time.Parse(time.RFC3339, w.ScrapedAt)
	if err != nil {
		return types.PriceRecord{}, fmt.Errorf("bad scraped_at %q: %w", w.ScrapedAt, err)
	}
	return types.PriceRecord{
		TargetID:        w.TargetID,
		ItemID:          w.ItemID,
		ObservationDate: w.ObservationDate,
		Price:           price,
		Currency:        w.Currency,
		Unit:            w.Unit,
		Name:            w.Name,
		Brand:           w.Brand,
		Category:        w.Category,
		URI:             w.URI,
		ScrapedAt:       scraped,
	}, nil
}

func readRecords(path string) ([]types.PriceRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var rows []row
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	records := make([]types.PriceRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+2, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func writeRecords(path string, records []types.PriceRecord) error {
	rows := make([]row, 0, len(records))
	for i := range records {
		rows = append(rows, toRow(&records[i]))
	}
	data, err := csvutil.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes data next to path, syncs it, renames it into place
// and syncs the directory so the rename survives a crash.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", dir, err)
	}
	return nil
}
