// Package persist implements the PersistenceLayer: an embedded ordered
// key-value store holding two logical tables — samples, range-queryable
// per agent by time, and agent_latest, a per-agent latest-timestamp
// pointer. It is built on go.etcd.io/bbolt, whose bucket/cursor model
// maps directly onto that layout and whose single-writer serializable
// transactions give the BatchWriter and RetentionSweeper the short,
// isolated transactions they need.
package persist

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"iris/internal/models"
)

var (
	samplesBucketName     = []byte("samples")
	agentLatestBucketName = []byte("agent_latest")
)

const tsWidth = 20 // decimal timestamp, zero-padded, so byte order == numeric order

// Layer wraps a single bbolt database file. It is exclusively owned by
// one Storage instance for its lifetime; only the batch writer and the
// retention sweeper mutate it.
type Layer struct {
	db *bbolt.DB
}

// Open creates the database file (and its parent directory) if absent,
// and initializes the two logical tables. A corrupt or unreadable file
// is a fatal condition for the caller to surface to the process entry
// point.
func Open(path string) (*Layer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("persist: mkdir data dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(samplesBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(agentLatestBucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persist: init buckets: %w", err)
	}
	return &Layer{db: db}, nil
}

// Close flushes and releases the database file.
func (l *Layer) Close() error {
	return l.db.Close()
}

// sampleKey builds the modern key: agent_id \x00 ts20 \x00 nonce.
func sampleKey(agentID string, ts int64, nonce uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString(agentID)
	buf.WriteByte(0)
	fmt.Fprintf(&buf, "%0*d", tsWidth, ts)
	buf.WriteByte(0)
	fmt.Fprintf(&buf, "%010d", nonce)
	return buf.Bytes()
}

// modernPrefix is the key prefix shared by all of one agent's modern
// sample keys.
func modernPrefix(agentID string) []byte {
	return append([]byte(agentID), 0)
}

// tsPrefix is the key prefix shared by all modern sample keys for one
// agent at one exact timestamp.
func tsPrefix(agentID string, ts int64) []byte {
	p := modernPrefix(agentID)
	p = fmt.Appendf(p, "%0*d", tsWidth, ts)
	return append(p, 0)
}

// parseModernKey extracts the timestamp encoded in a modern sample key
// known to have the given agent's prefix.
func parseModernKey(key []byte, agentID string) (int64, bool) {
	prefix := modernPrefix(agentID)
	if !bytes.HasPrefix(key, prefix) {
		return 0, false
	}
	rest := key[len(prefix):]
	sep := bytes.IndexByte(rest, 0)
	if sep < 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(string(rest[:sep]), 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// WriteBatch atomically inserts the given reports into samples and
// advances agent_latest to the max timestamp observed per agent. The
// nonce disambiguating same-(agent,ts) keys is the item's index within
// this batch, giving stable intra-batch ordering.
func (l *Layer) WriteBatch(reports []models.MetricsReport) error {
	if len(reports) == 0 {
		return nil
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		samples := tx.Bucket(samplesBucketName)
		latest := tx.Bucket(agentLatestBucketName)
		for i, r := range reports {
			val, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("persist: marshal report: %w", err)
			}
			key := sampleKey(r.AgentID, r.Timestamp, uint32(i))
			if err := samples.Put(key, val); err != nil {
				return fmt.Errorf("persist: put sample: %w", err)
			}
			cur := int64(0)
			if v := latest.Get([]byte(r.AgentID)); len(v) == 8 {
				cur = int64(binary.BigEndian.Uint64(v))
			}
			if r.Timestamp > cur {
				buf := make([]byte, 8)
				binary.BigEndian.PutUint64(buf, uint64(r.Timestamp))
				if err := latest.Put([]byte(r.AgentID), buf); err != nil {
					return fmt.Errorf("persist: put agent_latest: %w", err)
				}
			}
		}
		return nil
	})
}

// lastWithPrefix returns the last (highest-keyed) entry under prefix,
// decoded as a MetricsReport.
func lastWithPrefix(b *bbolt.Bucket, prefix []byte) (models.MetricsReport, bool) {
	c := b.Cursor()
	upper := append(append([]byte{}, prefix...), 0xFF)
	k, v := c.Seek(upper)
	if k != nil {
		k, v = c.Prev()
	} else {
		k, v = c.Last()
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return models.MetricsReport{}, false
	}
	var r models.MetricsReport
	if err := json.Unmarshal(v, &r); err != nil {
		return models.MetricsReport{}, false
	}
	return r, true
}

// legacyLatest scans the pre-migration "agent_id:ts" key form and
// returns the entry with the largest numeric suffix, since those keys
// are not zero-padded and so do not sort numerically.
func legacyLatest(b *bbolt.Bucket, agentID string) (models.MetricsReport, bool) {
	prefix := []byte(agentID + ":")
	c := b.Cursor()
	var best models.MetricsReport
	bestTS := int64(-1)
	found := false
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		ts, err := strconv.ParseInt(string(k[len(prefix):]), 10, 64)
		if err != nil {
			continue
		}
		if found && ts <= bestTS {
			continue
		}
		var r models.MetricsReport
		if err := json.Unmarshal(v, &r); err != nil {
			continue
		}
		best, bestTS, found = r, ts, true
	}
	return best, found
}

// Latest reads agent_latest to find the newest timestamp, then the
// corresponding samples row. Falls back to a modern reverse scan, and
// then to the legacy "agent_id:ts" key form, if agent_latest is absent
// or stale.
func (l *Layer) Latest(agentID string) (models.MetricsReport, bool, error) {
	var out models.MetricsReport
	var found bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		samples := tx.Bucket(samplesBucketName)
		latest := tx.Bucket(agentLatestBucketName)

		if v := latest.Get([]byte(agentID)); len(v) == 8 {
			ts := int64(binary.BigEndian.Uint64(v))
			if r, ok := lastWithPrefix(samples, tsPrefix(agentID, ts)); ok {
				out, found = r, true
				return nil
			}
		}
		if r, ok := lastWithPrefix(samples, modernPrefix(agentID)); ok {
			out, found = r, true
			return nil
		}
		if r, ok := legacyLatest(samples, agentID); ok {
			out, found = r, true
		}
		return nil
	})
	return out, found, err
}

// History returns up to limit most-recent samples in ascending
// timestamp order, implemented as a reverse range scan over the
// modern key prefix followed by a reversal.
func (l *Layer) History(agentID string, limit int) ([]models.MetricsReport, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []models.MetricsReport
	err := l.db.View(func(tx *bbolt.Tx) error {
		samples := tx.Bucket(samplesBucketName)
		c := samples.Cursor()
		prefix := modernPrefix(agentID)
		upper := append(append([]byte{}, prefix...), 0xFF)

		k, v := c.Seek(upper)
		if k != nil {
			k, v = c.Prev()
		} else {
			k, v = c.Last()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, v = c.Prev() {
			var r models.MetricsReport
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("persist: unmarshal sample: %w", err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Agents iterates agent_latest producing (agent_id, last_seen) pairs.
func (l *Layer) Agents() ([]models.AgentDescriptor, error) {
	var out []models.AgentDescriptor
	err := l.db.View(func(tx *bbolt.Tx) error {
		latest := tx.Bucket(agentLatestBucketName)
		return latest.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return nil
			}
			out = append(out, models.AgentDescriptor{
				AgentID:  string(k),
				LastSeen: int64(binary.BigEndian.Uint64(v)),
			})
			return nil
		})
	})
	return out, err
}

// DeleteOlderThan removes samples for agentID with timestamp strictly
// less than cutoff. Modern keys sort by timestamp ascending within an
// agent's prefix, so the scan can stop at the first key whose
// timestamp is no longer below cutoff.
func (l *Layer) DeleteOlderThan(agentID string, cutoff int64) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		samples := tx.Bucket(samplesBucketName)
		c := samples.Cursor()
		prefix := modernPrefix(agentID)
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ts, ok := parseModernKey(k, agentID)
			if !ok || ts >= cutoff {
				break
			}
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			if err := samples.Delete(k); err != nil {
				return fmt.Errorf("persist: delete sample: %w", err)
			}
		}
		return nil
	})
}

// TrimToCount removes the oldest samples for agentID until at most max
// remain.
func (l *Layer) TrimToCount(agentID string, max int) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		samples := tx.Bucket(samplesBucketName)
		c := samples.Cursor()
		prefix := modernPrefix(agentID)
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		if max < 0 {
			max = 0
		}
		if len(keys) <= max {
			return nil
		}
		excess := keys[:len(keys)-max]
		for _, k := range excess {
			if err := samples.Delete(k); err != nil {
				return fmt.Errorf("persist: delete sample: %w", err)
			}
		}
		return nil
	})
}

// CountSamples returns the number of modern sample rows stored for
// agentID, used by the retention sweeper to decide whether to also
// drop the agent_latest pointer.
func (l *Layer) CountSamples(agentID string) (int, error) {
	count := 0
	err := l.db.View(func(tx *bbolt.Tx) error {
		samples := tx.Bucket(samplesBucketName)
		c := samples.Cursor()
		prefix := modernPrefix(agentID)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// DeleteAgentLatest removes the agent_latest pointer for agentID.
func (l *Layer) DeleteAgentLatest(agentID string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(agentLatestBucketName).Delete([]byte(agentID))
	})
}

// AgentIDs returns the set of agent ids known to agent_latest, used by
// the retention sweeper to iterate every agent.
func (l *Layer) AgentIDs() ([]string, error) {
	var out []string
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(agentLatestBucketName).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}
