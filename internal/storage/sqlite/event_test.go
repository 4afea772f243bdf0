package sqlite_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
)

func TestAppendEvent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)
	require.NoError(repo.CreateTask(ctx, testTask("task-1")))

	ev, err := repo.AppendEvent(ctx, "task-1", storage.NewEvent{
		Level:   model.EventLevelInfo,
		Type:    model.EventTypeTaskStarted,
		Message: "Task execution started.",
		Data:    map[string]any{"owner": "poller-1"},
	})
	require.NoError(err)

	// The create event took seq 1.
	assert.Equal(int64(2), ev.Seq)
	assert.Equal("task-1", ev.TaskID)
	assert.Equal("poller-1", ev.Data["owner"])
	assert.False(ev.TS.IsZero())

	_, err = repo.AppendEvent(ctx, "missing", storage.NewEvent{
		Level: model.EventLevelInfo,
		Type:  model.EventTypeTaskStarted,
	})
	assert.ErrorIs(err, model.ErrNotFound)
}

func TestEventSequencesArePerTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ctx := context.Background()
	repo := getTestRepository(t)
	require.NoError(repo.CreateTask(ctx, testTask("task-1")))
	require.NoError(repo.CreateTask(ctx, testTask("task-2")))

	for i := 0; i < 3; i++ {
		_, err := repo.AppendEvent(ctx, "task-1", storage.NewEvent{
			Level:   model.EventLevelInfo,
			Type:    model.EventTypeCycleCompleted,
			Message: fmt.Sprintf("Cycle %d finished.", i+1),
		})
		require.NoError(err)
	}

	events1, err := repo.ListEvents(ctx, "task-1", 0, 10)
	require.NoError(err)
	require.Len(events1, 4)
	for i, ev := range events1 {
		assert.Equal(int64(i+1), ev.Seq)
	}

	// The second task's sequence is independent.
	events2, err := repo.ListEvents(ctx, "task-2", 0, 10)
	require.NoError(err)
	require.Len(events2, 1)
	assert.Equal(int64(1), events2[0].Seq)
}

func TestListEvents(t *testing.T) {
	tests := map[string]struct {
		afterSeq int64
		limit    int
		expSeqs  []int64
	}{
		"Listing from the start should return everything in order": {
			afterSeq: 0,
			limit:    10,
			expSeqs:  []int64{1, 2, 3, 4},
		},

		"Listing after a sequence should skip older events": {
			afterSeq: 2,
			limit:    10,
			expSeqs:  []int64{3, 4},
		},

		"Limit should bound the page": {
			afterSeq: 0,
			limit:    2,
			expSeqs:  []int64{1, 2},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			ctx := context.Background()
			repo := getTestRepository(t)
			require.NoError(repo.CreateTask(ctx, testTask("task-1")))
			for i := 0; i < 3; i++ {
				_, err := repo.AppendEvent(ctx, "task-1", storage.NewEvent{
					Level: model.EventLevelInfo,
					Type:  model.EventTypeCycleCompleted,
				})
				require.NoError(err)
			}

			events, err := repo.ListEvents(ctx, "task-1", test.afterSeq, test.limit)
			require.NoError(err)

			seqs := make([]int64, 0, len(events))
			for _, ev := range events {
				seqs = append(seqs, ev.Seq)
			}
			assert.Equal(test.expSeqs, seqs)
		})
	}
}
