package citystore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(&Config{DatabasePath: filepath.Join(t.TempDir(), "cities.db")}, logx.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var sample = []pkg.CityRecord{
	{Name: "Paris", State: "Île-de-France", Country: "FR", Latitude: 48.8566, Longitude: 2.3522},
	{Name: "Lyon", State: "Auvergne-Rhône-Alpes", Country: "FR", Latitude: 45.7640, Longitude: 4.8357},
	{Name: "Versailles", State: "Île-de-France", Country: "FR", Latitude: 48.8049, Longitude: 2.1204},
}

func TestBulkInsertAndCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	has, err := s.HasData(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.BulkInsert(ctx, sample))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	has, err = s.HasData(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	// empty batch is a no-op
	require.NoError(t, s.BulkInsert(ctx, nil))
}

func TestQueryBoundingBox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BulkInsert(ctx, sample))

	got, err := s.Query(ctx, 48.36, 49.36, 1.85, 2.85)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Paris", got[0].Name)
	assert.Equal(t, "Versailles", got[1].Name)

	none, err := s.Query(ctx, 10, 11, 10, 11)
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBulkInsertIsAllOrNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`CREATE TRIGGER reject_boom BEFORE INSERT ON cities
		WHEN NEW.name = 'boom' BEGIN SELECT RAISE(ABORT, 'boom rejected'); END;`)
	require.NoError(t, err)

	batch := append([]pkg.CityRecord{}, sample...)
	batch = append(batch, pkg.CityRecord{Name: "boom", Country: "FR"})

	err = s.BulkInsert(ctx, batch)
	require.Error(t, err)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a failed batch must not leave partial rows")
}

func TestIndexExists(t *testing.T) {
	s := openTestStore(t)

	var name string
	err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_coords'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "idx_coords", name)
}

func TestConcurrentReadDuringInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BulkInsert(ctx, sample[:1]))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			batch := make([]pkg.CityRecord, 50)
			for j := range batch {
				batch[j] = pkg.CityRecord{Name: fmt.Sprintf("c%d-%d", i, j), Country: "FR", Latitude: 10, Longitude: 10}
			}
			assert.NoError(t, s.BulkInsert(ctx, batch))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			got, err := s.Query(ctx, 48, 49, 2, 3)
			assert.NoError(t, err)
			assert.Len(t, got, 1)
		}
	}()
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1+20*50, n)
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BulkInsert(ctx, sample))
	require.NoError(t, s.Clear(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
