package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/safeio"
)

const descriptorFile = "dataset.json"

// Directory resolves dataset keys to descriptors.
type Directory interface {
	Get(ctx context.Context, key string) (Dataset, error)
}

// CacheConfig bounds the in-process descriptor cache.
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxEntries: 256, TTL: 30 * time.Second}
}

// FileDirectory reads descriptors from <raw>/<key>/dataset.json.
type FileDirectory struct {
	fs    *safeio.SafeFS
	cache *expirable.LRU[string, Dataset]

	createMu sync.Mutex
	pick     func(n int) int
}

func NewFileDirectory(rawRoot string, cfg CacheConfig) (*FileDirectory, error) {
	sfs, err := safeio.NewSafeFS(rawRoot)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "open raw dataset root")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultCacheConfig().MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	return &FileDirectory{
		fs:    sfs,
		cache: expirable.NewLRU[string, Dataset](cfg.MaxEntries, nil, cfg.TTL),
		pick:  rand.IntN,
	}, nil
}

// Get returns the descriptor for key. Unknown keys are NotFound.
func (d *FileDirectory) Get(_ context.Context, key string) (Dataset, error) {
	key = strings.TrimSpace(key)
	if !ValidKey(key) {
		return Dataset{}, apperr.Errorf(apperr.ErrNotFound, "dataset %q not found", key)
	}
	if ds, ok := d.cache.Get(key); ok {
		return ds, nil
	}
	ds, err := d.read(key)
	if err != nil {
		return Dataset{}, err
	}
	d.cache.Add(key, ds)
	return ds, nil
}

// IDs lists dataset directory names in lexicographic order.
func (d *FileDirectory) IDs(_ context.Context) ([]string, error) {
	entries, err := d.fs.ReadDir(".")
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "list raw datasets")
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && ValidKey(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// List returns every readable descriptor sorted by id. Unreadable
// descriptors are skipped.
func (d *FileDirectory) List(ctx context.Context) ([]Dataset, error) {
	ids, err := d.IDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Dataset, 0, len(ids))
	for _, id := range ids {
		ds, err := d.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, ds)
	}
	return out, nil
}

// Create allocates a free dataset number at random and writes dataset.json.
func (d *FileDirectory) Create(ctx context.Context, def Definition) (Dataset, error) {
	if err := def.validate(); err != nil {
		return Dataset{}, err
	}
	d.createMu.Lock()
	defer d.createMu.Unlock()

	ids, err := d.IDs(ctx)
	if err != nil {
		return Dataset{}, err
	}
	name := strings.TrimSpace(def.Name)
	used := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		m := keyPattern.FindStringSubmatch(id)
		if strings.EqualFold(m[2], name) {
			return Dataset{}, apperr.Errorf(apperr.ErrValidationFailed, "dataset %q already exists", name)
		}
		if n, ok := Number(id); ok {
			used[n] = struct{}{}
		}
	}
	free := make([]int, 0, 999)
	for n := 1; n < 1000; n++ {
		if _, taken := used[n]; !taken {
			free = append(free, n)
		}
	}
	if len(free) == 0 {
		return Dataset{}, apperr.Errorf(apperr.ErrStoreUnavailable, "no dataset numbers left")
	}
	key := formatKey(free[d.pick(len(free))], name)

	if _, err := d.fs.MkdirExclusive(key); err != nil {
		return Dataset{}, apperr.Wrap(apperr.ErrStoreUnavailable, err, "create dataset directory")
	}
	ds := def.toDataset("")
	raw, err := json.MarshalIndent(ds, "", "    ")
	if err != nil {
		return Dataset{}, err
	}
	if err := d.fs.WriteFileAtomic(filepath.Join(key, descriptorFile), raw); err != nil {
		_ = d.fs.RemoveAll(key)
		return Dataset{}, apperr.Wrap(apperr.ErrStoreUnavailable, err, "write dataset.json")
	}
	ds.ID = key
	d.cache.Remove(key)
	return ds, nil
}

func (d *FileDirectory) read(key string) (Dataset, error) {
	raw, err := d.fs.ReadFile(filepath.Join(key, descriptorFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Dataset{}, apperr.Errorf(apperr.ErrNotFound, "dataset %q not found", key)
		}
		return Dataset{}, apperr.Wrap(apperr.ErrStoreUnavailable, err, "read dataset.json")
	}
	var ds Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return Dataset{}, apperr.Wrap(apperr.ErrValidationFailed, err, "parse dataset.json for "+key)
	}
	ds.ID = key
	return ds, nil
}

// MemoryDirectory is a fixed set of descriptors.
type MemoryDirectory struct {
	mu   sync.RWMutex
	byID map[string]Dataset
}

func NewMemoryDirectory(datasets ...Dataset) *MemoryDirectory {
	m := &MemoryDirectory{byID: make(map[string]Dataset, len(datasets))}
	for _, ds := range datasets {
		m.Put(ds)
	}
	return m
}

func (m *MemoryDirectory) Put(ds Dataset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[ds.ID] = ds
}

func (m *MemoryDirectory) Get(_ context.Context, key string) (Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.byID[strings.TrimSpace(key)]
	if !ok {
		return Dataset{}, apperr.Errorf(apperr.ErrNotFound, "dataset %q not found", key)
	}
	return ds, nil
}
