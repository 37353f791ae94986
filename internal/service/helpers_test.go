package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/repository"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testPrefix = "magento2_"

var testStores = []config.StoreConfig{
	{ID: 1, Code: "default", Name: "Default Store View"},
	{ID: 2, Code: "fr", Name: "French Store View"},
}

// newTestDB opens a private in-memory database with every table migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps every query on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(repository.Models()...))
	return db
}

func newTestConnector(api SearchAPI) *Connector {
	return NewConnector(api, NewRecordPreparer(10000, nil, nil), ConnectorConfig{PollMaxRetries: 3})
}

func newTestQueue(t *testing.T, enabled bool) (*Queue, *repository.JobRepository) {
	t.Helper()
	jobs := repository.NewJobRepository(newTestDB(t))
	q := NewQueue(jobs, QueueConfig{
		Enabled:           enabled,
		NumberOfJobsToRun: 5,
		MaxRetries:        3,
		PageSize:          300,
		LockTimeout:       time.Hour,
	})
	return q, jobs
}

// memCollection is an in-memory catalog source shared by every store.
type memCollection[T any] struct {
	items []T
	id    func(T) int
	err   error
}

func (m *memCollection[T]) GetSourceID() string { return "memory" }

func (m *memCollection[T]) Count(ctx context.Context, storeID int) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return len(m.items), nil
}

func (m *memCollection[T]) FetchPage(ctx context.Context, storeID, page, pageSize int) ([]T, error) {
	if m.err != nil {
		return nil, m.err
	}
	start := (page - 1) * pageSize
	if start >= len(m.items) || start < 0 {
		return nil, nil
	}
	end := min(start+pageSize, len(m.items))
	return m.items[start:end], nil
}

func (m *memCollection[T]) FetchByIDs(ctx context.Context, storeID int, ids []int) ([]T, error) {
	if m.err != nil {
		return nil, m.err
	}
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []T
	for _, item := range m.items {
		if want[m.id(item)] {
			out = append(out, item)
		}
	}
	return out, nil
}

func productCollection(products ...domain.Product) *memCollection[domain.Product] {
	return &memCollection[domain.Product]{
		items: products,
		id:    func(p domain.Product) int { return p.ID },
	}
}

func testProduct(id int) domain.Product {
	return domain.Product{
		ID:         id,
		SKU:        "SKU-" + string(rune('A'+id%26)),
		Name:       "Product",
		Price:      10,
		Enabled:    true,
		Visibility: domain.VisibilityBoth,
		InStock:    true,
	}
}

func testProducts(n int) []domain.Product {
	out := make([]domain.Product, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, testProduct(i))
	}
	return out
}

// countingEmulator records how often emulation starts and stops.
type countingEmulator struct {
	inner   StoreEmulator
	mu      sync.Mutex
	started int
	stopped int
}

func newCountingEmulator() *countingEmulator {
	return &countingEmulator{inner: NewContextEmulator(testStores)}
}

func (e *countingEmulator) StartEmulation(ctx context.Context, storeID int) (context.Context, error) {
	e.mu.Lock()
	e.started++
	e.mu.Unlock()
	return e.inner.StartEmulation(ctx, storeID)
}

func (e *countingEmulator) StopEmulation(ctx context.Context) {
	e.mu.Lock()
	e.stopped++
	e.mu.Unlock()
	e.inner.StopEmulation(ctx)
}

// memStorage is an in-memory object storage.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (s *memStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStorage) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
