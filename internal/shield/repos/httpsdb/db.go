// Package httpsdb stores HTTPS upgrade rulesets in a bbolt database and
// answers "what is the https form of this http URL" lookups against it.
//
// Layout:
//
//	targets:  host pattern -> list of 4-byte big-endian ruleset ids
//	rulesets: 4-byte id    -> YAML-encoded Ruleset
//	meta:     "count"      -> number of rulesets
package httpsdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	bbolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/haukened/rr-shield/internal/shield/common/utils"
	"github.com/haukened/rr-shield/internal/shield/domain"
)

var (
	bucketTargets  = []byte("targets")
	bucketRulesets = []byte("rulesets")
	bucketMeta     = []byte("meta")
	keyCount       = []byte("count")
)

const openTimeout = time.Second

// DB is a read-only handle on a ruleset database. It is safe for concurrent
// use.
type DB struct {
	db   *bbolt.DB
	path string

	// compiled caches regexps by pattern across lookups.
	compiled sync.Map
}

// Build writes rulesets into a fresh database at path, replacing any file
// already there.
func Build(path string, rulesets []Ruleset) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("httpsdb: removing old db: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return fmt.Errorf("httpsdb: creating %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		targets, err := tx.CreateBucket(bucketTargets)
		if err != nil {
			return err
		}
		sets, err := tx.CreateBucket(bucketRulesets)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}

		for i, rs := range rulesets {
			id := idKey(uint32(i))
			val, err := yaml.Marshal(rs)
			if err != nil {
				return fmt.Errorf("encoding ruleset %q: %w", rs.Name, err)
			}
			if err := sets.Put(id, val); err != nil {
				return err
			}
			for _, t := range rs.Targets {
				k := []byte(t)
				ids := append(append([]byte(nil), targets.Get(k)...), id...)
				if err := targets.Put(k, ids); err != nil {
					return err
				}
			}
		}
		return meta.Put(keyCount, idKey(uint32(len(rulesets))))
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("httpsdb: building %s: %w", path, err)
	}
	return nil
}

// Open opens the database at path read-only. A file that is not a ruleset
// database is reported as domain.ErrCorruptData.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: true, Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: httpsdb: opening %s: %w", domain.ErrCorruptData, path, err)
	}
	err = db.View(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTargets, bucketRulesets, bucketMeta} {
			if tx.Bucket(b) == nil {
				return fmt.Errorf("missing bucket %q", b)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: httpsdb: %s: %w", domain.ErrCorruptData, path, err)
	}
	return &DB{db: db, path: path}, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close releases the database.
func (d *DB) Close() error { return d.db.Close() }

// Count returns the number of stored rulesets.
func (d *DB) Count() int {
	var n int
	_ = d.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyCount); len(v) == 4 {
			n = int(binary.BigEndian.Uint32(v))
		}
		return nil
	})
	return n
}

// TryUpgrade returns the https form of u when a ruleset covers it. Only
// http URLs are considered; the result always has the https scheme. u is
// never modified.
func (d *DB) TryUpgrade(u *url.URL) (*url.URL, bool) {
	if u == nil || !strings.EqualFold(u.Scheme, "http") {
		return nil, false
	}
	host := utils.CanonicalHost(u.Hostname())
	if host == "" {
		return nil, false
	}
	raw := u.String()

	var out *url.URL
	_ = d.db.View(func(tx *bbolt.Tx) error {
		targets := tx.Bucket(bucketTargets)
		sets := tx.Bucket(bucketRulesets)

		seen := make(map[uint32]struct{})
		for _, pattern := range targetPatterns(host) {
			ids := targets.Get([]byte(pattern))
			for i := 0; i+4 <= len(ids); i += 4 {
				id := binary.BigEndian.Uint32(ids[i : i+4])
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}

				var rs Ruleset
				if err := yaml.Unmarshal(sets.Get(ids[i:i+4]), &rs); err != nil {
					continue
				}
				if upgraded, ok := d.apply(rs, raw); ok {
					out = upgraded
					return nil
				}
			}
		}
		return nil
	})
	return out, out != nil
}

// apply runs one ruleset against raw.
func (d *DB) apply(rs Ruleset, raw string) (*url.URL, bool) {
	for _, e := range rs.Exclusions {
		if re := d.regexp(e); re != nil && re.MatchString(raw) {
			return nil, false
		}
	}
	for _, r := range rs.Rules {
		re := d.regexp(r.From)
		if re == nil || !re.MatchString(raw) {
			continue
		}
		rewritten := re.ReplaceAllString(raw, expandTemplate(r.To))
		nu, err := url.Parse(rewritten)
		if err != nil || nu.Scheme != "https" || nu.Host == "" {
			continue
		}
		return nu, true
	}
	return nil, false
}

func (d *DB) regexp(pattern string) *regexp.Regexp {
	if v, ok := d.compiled.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	v, _ := d.compiled.LoadOrStore(pattern, re)
	return v.(*regexp.Regexp)
}

// targetPatterns lists the stored keys that can cover host, most specific
// first: the host itself, then "*.<parent>" for every parent domain.
func targetPatterns(host string) []string {
	out := []string{host}
	for rest := host; ; {
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			break
		}
		rest = rest[i+1:]
		if !strings.Contains(rest, ".") {
			break
		}
		out = append(out, "*."+rest)
	}
	return out
}

func idKey(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}
