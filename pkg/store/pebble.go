package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"condenser/pkg/logger"
	"condenser/pkg/models"
)

var db *pebble.DB
var dbPath string
var dbReady atomic.Bool

// Open opens (or creates) the pebble store at path.
func Open(path string) error {
	d, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("store_open_failed", "path", path, "error", err)
		return err
	}
	db = d
	dbPath = path
	dbReady.Store(true)
	logger.Info("store_opened", "path", path)
	return nil
}

func Close() error {
	if db == nil {
		return nil
	}
	dbReady.Store(false)
	err := db.Close()
	db = nil
	return err
}

// Ready reports whether the store is open and usable.
func Ready() bool { return dbReady.Load() && db != nil }

// SaveRecord persists an input record. Used by seed tooling and tests.
func SaveRecord(rec *models.Record) error {
	if db == nil {
		return fmt.Errorf("store not open")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return db.Set(recordKey(rec.ID), b, pebble.Sync)
}

func GetRecord(id string) (*models.Record, error) {
	if db == nil {
		return nil, fmt.Errorf("store not open")
	}
	v, closer, err := db.Get(recordKey(id))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var rec models.Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// NextRecords returns up to limit records whose keys sort strictly after
// afterKey (pass "" to start from the beginning), plus the key of the last
// record returned. An empty slice means the scan is exhausted.
func NextRecords(afterKey string, limit int) ([]models.Record, string, error) {
	if db == nil {
		return nil, "", fmt.Errorf("store not open")
	}
	if limit <= 0 {
		limit = 64
	}
	prefix := []byte(recordPrefix)
	start := prefix
	if afterKey != "" {
		start = append([]byte(afterKey), 0)
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, "", err
	}
	defer iter.Close()

	out := make([]models.Record, 0, limit)
	last := afterKey
	for iter.SeekGE(start); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		var rec models.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			logger.Warn("store_record_decode_failed", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, rec)
		last = string(iter.Key())
		if len(out) >= limit {
			break
		}
	}
	return out, last, iter.Error()
}

// SetCursor durably records the scan position so a restart resumes after
// the last acknowledged page.
func SetCursor(key string) error {
	if db == nil {
		return fmt.Errorf("store not open")
	}
	return db.Set([]byte(cursorKey), []byte(key), pebble.Sync)
}

// Cursor returns the persisted scan position, or "" when none exists.
func Cursor() (string, error) {
	if db == nil {
		return "", fmt.Errorf("store not open")
	}
	v, closer, err := db.Get([]byte(cursorKey))
	if err == pebble.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	out := string(v)
	return out, nil
}

// SaveResult persists a summary keyed by record id. Redelivered records
// overwrite their previous entry, so duplicate processing is harmless.
func SaveResult(res *models.InferenceResult) error {
	if db == nil {
		return fmt.Errorf("store not open")
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return db.Set(summaryKey(res.RecordID), b, pebble.NoSync)
}

func GetResult(recordID string) (*models.InferenceResult, error) {
	if db == nil {
		return nil, fmt.Errorf("store not open")
	}
	v, closer, err := db.Get(summaryKey(recordID))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var res models.InferenceResult
	if err := json.Unmarshal(v, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SaveFailure persists a terminal failure keyed by record id.
func SaveFailure(f *models.ProcessingFailure) error {
	if db == nil {
		return fmt.Errorf("store not open")
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return db.Set(failureKey(f.RecordID), b, pebble.NoSync)
}

// ScanPrefix walks live keys under a prefix in order, invoking fn with a
// copy of each value until fn errors, limit entries were seen, or the
// prefix ends. limit <= 0 means no limit.
func ScanPrefix(prefix string, limit int, fn func(key string, value []byte) error) error {
	if db == nil {
		return fmt.Errorf("store not open")
	}
	p := []byte(prefix)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	n := 0
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), p) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		if err := fn(string(iter.Key()), v); err != nil {
			return err
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return iter.Error()
}

// CountPrefix counts live keys under a prefix. Walks the keyspace, so keep
// it off hot paths.
func CountPrefix(prefix string) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("store not open")
	}
	p := []byte(prefix)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), p) {
			break
		}
		n++
	}
	return n, iter.Error()
}

// PurgeProducedBefore deletes summaries and failures whose ProducedTS (or
// CreatedTS for failures) is older than cutoff nanoseconds. Returns the
// number of keys removed.
func PurgeProducedBefore(cutoffNS int64) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("store not open")
	}
	removed := 0
	for _, prefix := range []string{summaryPrefix, failurePrefix} {
		n, err := purgePrefixBefore(prefix, cutoffNS)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func purgePrefixBefore(prefix string, cutoffNS int64) (int, error) {
	p := []byte(prefix)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	batch := db.NewBatch()
	defer batch.Close()
	removed := 0
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), p) {
			break
		}
		var stamped struct {
			ProducedTS int64 `json:"produced_ts"`
			CreatedTS  int64 `json:"created_ts"`
		}
		if err := json.Unmarshal(iter.Value(), &stamped); err != nil {
			continue
		}
		ts := stamped.ProducedTS
		if ts == 0 {
			ts = stamped.CreatedTS
		}
		if ts == 0 || ts >= cutoffNS {
			continue
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return removed, err
		}
		removed++
	}
	if err := iter.Error(); err != nil {
		return removed, err
	}
	if removed > 0 {
		if err := batch.Commit(pebble.Sync); err != nil {
			return 0, err
		}
	}
	return removed, nil
}
