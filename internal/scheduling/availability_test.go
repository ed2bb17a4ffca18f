package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/types"
)

func TestFreeSlots_EmptyDay(t *testing.T) {
	slots := FreeSlots("dr-1", day, DefaultSlotLength, DefaultWorkingHours, nil)

	// 9-12 and 13-17 in half hours
	require.Len(t, slots, 14)
	assert.Equal(t, at(9, 0), slots[0].StartTime)
	assert.Equal(t, at(11, 30), slots[5].StartTime)
	assert.Equal(t, at(13, 0), slots[6].StartTime)
	assert.Equal(t, at(17, 0), slots[13].EndTime)
}

func TestFreeSlots_SkipsBookedAndIgnoresCancelled(t *testing.T) {
	surgery := event("s1", "dr-1", types.KindSurgery, at(10, 0), at(11, 15))
	cancelled := event("a1", "dr-1", types.KindAppointment, at(14, 0), at(15, 0))
	cancelled.Status = types.StatusCancelled

	slots := FreeSlots("dr-1", day, DefaultSlotLength, DefaultWorkingHours, []*types.ScheduledEvent{surgery, cancelled})

	var starts []time.Time
	for _, s := range slots {
		starts = append(starts, s.StartTime)
	}
	assert.NotContains(t, starts, at(10, 0))
	assert.NotContains(t, starts, at(11, 0))
	assert.Contains(t, starts, at(11, 30), "slot starting at the surgery end is free")
	assert.Contains(t, starts, at(14, 0))
	assert.Len(t, slots, 11)
}

func TestService_Availability(t *testing.T) {
	service := NewService(NewMemoryRepository(), nil, logger.Discard())
	ctx := context.Background()

	_, err := service.Create(ctx, booking("or-1", types.KindSurgery, at(13, 0), at(17, 0)))
	require.NoError(t, err)

	slots, err := service.Availability(ctx, "or-1", day, time.Hour)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	assert.Equal(t, at(11, 0), slots[2].StartTime)

	_, err = service.Availability(ctx, "", day, 0)
	assert.True(t, types.IsValidation(err))
	_, err = service.Availability(ctx, "or-1", day, 5*time.Hour)
	assert.True(t, types.IsValidation(err))
}
