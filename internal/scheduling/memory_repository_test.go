package scheduling

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/clinic-timeline/pkg/types"
)

// assertNoActiveOverlap checks that active events on each resource are pairwise disjoint
func assertNoActiveOverlap(t *testing.T, events []*types.ScheduledEvent) {
	t.Helper()
	for i, a := range events {
		for _, b := range events[i+1:] {
			if !a.IsActive() || !b.IsActive() || a.ResourceID != b.ResourceID {
				continue
			}
			assert.False(t, a.Overlaps(b.StartTime, b.EndTime), "%s overlaps %s", a.ID, b.ID)
		}
	}
}

func TestMemoryRepository_CreateRejectsOverlap(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, event("s1", "dr-1", types.KindSurgery, at(10, 0), at(12, 0)))
	require.NoError(t, err)

	before, err := repo.Query(ctx, nil)
	require.NoError(t, err)

	_, err = repo.Create(ctx, event("a1", "dr-1", types.KindAppointment, at(11, 0), at(11, 30)))
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))
	assert.Equal(t, "s1", types.ConflictingEvent(err).ID)

	after, err := repo.Query(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMemoryRepository_UpdateOverlappingOnlyItself(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, event("a1", "dr-1", types.KindAppointment, at(9, 0), at(10, 0)))
	require.NoError(t, err)

	end := at(10, 30)
	updated, err := repo.Update(ctx, "a1", &types.EventPatch{EndTime: &end})
	require.NoError(t, err)
	assert.Equal(t, end, updated.EndTime)
}

func TestMemoryRepository_UpdateRevalidatesStoredRow(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, event("a1", "dr-1", types.KindAppointment, at(10, 0), at(12, 0)))
	require.NoError(t, err)

	// a concurrent move lands first; a start-only patch computed against the old row now inverts it
	earlier, earlierEnd := at(8, 0), at(9, 0)
	_, err = repo.Update(ctx, "a1", &types.EventPatch{StartTime: &earlier, EndTime: &earlierEnd})
	require.NoError(t, err)

	start := at(11, 0)
	_, err = repo.Update(ctx, "a1", &types.EventPatch{StartTime: &start})
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	stored, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, at(8, 0), stored.StartTime)
	assert.Equal(t, at(9, 0), stored.EndTime)
}

func TestMemoryRepository_CancelFreesSlot(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, event("a1", "dr-1", types.KindAppointment, at(9, 0), at(10, 0)))
	require.NoError(t, err)

	cancelled, err := repo.Cancel(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	_, err = repo.Create(ctx, event("a2", "dr-1", types.KindAppointment, at(9, 0), at(10, 0)))
	require.NoError(t, err)

	_, err = repo.Cancel(ctx, "a1")
	assert.True(t, types.IsNotFound(err))

	_, err = repo.Cancel(ctx, "missing")
	assert.True(t, types.IsNotFound(err))
}

func TestMemoryRepository_ReactivationIsChecked(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, event("a1", "dr-1", types.KindAppointment, at(9, 0), at(10, 0)))
	require.NoError(t, err)
	_, err = repo.Cancel(ctx, "a1")
	require.NoError(t, err)
	_, err = repo.Create(ctx, event("a2", "dr-1", types.KindAppointment, at(9, 30), at(10, 30)))
	require.NoError(t, err)

	active := types.StatusActive
	_, err = repo.Update(ctx, "a1", &types.EventPatch{Status: &active})
	assert.True(t, types.IsConflict(err))
}

func TestMemoryRepository_QueryOrderAndFilters(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for _, e := range []*types.ScheduledEvent{
		event("s1", "dr-1", types.KindSurgery, at(13, 0), at(14, 0)),
		event("a1", "dr-1", types.KindAppointment, at(9, 0), at(10, 0)),
		event("a2", "dr-2", types.KindAppointment, at(9, 0), at(10, 0)),
	} {
		_, err := repo.Create(ctx, e)
		require.NoError(t, err)
	}

	all, err := repo.Query(ctx, &types.EventFilters{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a1", "a2", "s1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	surgeries, err := repo.Query(ctx, &types.EventFilters{Kind: types.KindSurgery})
	require.NoError(t, err)
	require.Len(t, surgeries, 1)
	assert.Equal(t, "s1", surgeries[0].ID)

	window, err := repo.Query(ctx, &types.EventFilters{ResourceID: "dr-1", From: at(10, 0), To: at(13, 0)})
	require.NoError(t, err)
	assert.Empty(t, window)
}

func TestMemoryRepository_RandomizedWritesKeepInvariant(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	resources := []string{"dr-1", "dr-2", "or-1"}
	var ids []string

	for i := 0; i < 500; i++ {
		start := at(8, 0).Add(time.Duration(rng.Intn(40)) * 15 * time.Minute)
		end := start.Add(time.Duration(1+rng.Intn(8)) * 15 * time.Minute)
		resource := resources[rng.Intn(len(resources))]

		switch op := rng.Intn(10); {
		case op < 5 || len(ids) == 0:
			id := fmt.Sprintf("e%d", i)
			kind := types.KindAppointment
			if rng.Intn(2) == 0 {
				kind = types.KindSurgery
			}
			if _, err := repo.Create(ctx, event(id, resource, kind, start, end)); err == nil {
				ids = append(ids, id)
			} else {
				require.True(t, types.IsConflict(err), "unexpected error %v", err)
			}
		case op < 8:
			id := ids[rng.Intn(len(ids))]
			_, err := repo.Update(ctx, id, &types.EventPatch{ResourceID: &resource, StartTime: &start, EndTime: &end})
			if err != nil {
				require.True(t, types.IsConflict(err), "unexpected error %v", err)
			}
		default:
			_, _ = repo.Cancel(ctx, ids[rng.Intn(len(ids))])
		}
	}

	all, err := repo.Query(ctx, nil)
	require.NoError(t, err)
	assertNoActiveOverlap(t, all)
}

func TestMemoryRepository_ConcurrentCreatesOneWinner(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Create(ctx, event(fmt.Sprintf("c%d", i), "or-1", types.KindSurgery, at(10, 0), at(12, 0)))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		if err == nil {
			ok++
		} else if types.IsConflict(err) {
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 19, conflicts)
}

func TestMemoryRepository_CancelledContext(t *testing.T) {
	repo := NewMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.Create(ctx, event("a1", "dr-1", types.KindAppointment, at(9, 0), at(10, 0)))
	assert.True(t, types.IsTransient(err))

	ctx, cancel = context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	_, err = repo.Query(ctx, nil)
	assert.True(t, types.IsTimeout(err))
}
