package aggregate_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aneshas/sourcing"
	"github.com/aneshas/sourcing/aggregate"
)

func accountStore(t *testing.T, es *sourcing.EventStore) *aggregate.Store[Account] {
	t.Helper()

	rec, err := aggregate.NewReconstructor(es, reduceAccount)
	require.NoError(t, err)

	return aggregate.NewStore(es, rec)
}

func TestStoreExecCreatesNewStream(t *testing.T) {
	es := eventStore(t)
	store := accountStore(t, es)

	ctx := context.Background()

	err := store.Exec(ctx, "acc-1", func(acc Account, version int) ([]sourcing.EventToStore, error) {
		assert.Equal(t, 0, acc.Balance)
		assert.Equal(t, 0, version)

		return []sourcing.EventToStore{
			{Event: Deposited{Amount: 100}},
		}, nil
	})
	require.NoError(t, err)

	res, err := store.ByID(ctx, "acc-1")
	require.NoError(t, err)

	assert.Equal(t, 100, res.State.Balance)
	assert.Equal(t, 1, res.Version)
}

func TestStoreExecSeesCurrentState(t *testing.T) {
	es := eventStore(t)
	store := accountStore(t, es)

	ctx := context.Background()

	appendAccountEvents(t, es, "acc-1", 0, Deposited{100})

	err := store.Exec(ctx, "acc-1", func(acc Account, version int) ([]sourcing.EventToStore, error) {
		if acc.Balance < 50 {
			return nil, fmt.Errorf("insufficient funds")
		}

		return []sourcing.EventToStore{
			{Event: Withdrawn{Amount: 50}},
		}, nil
	})
	require.NoError(t, err)

	res, err := store.ByID(ctx, "acc-1")
	require.NoError(t, err)

	assert.Equal(t, 50, res.State.Balance)
}

func TestStoreByIDReportsMissingAggregate(t *testing.T) {
	es := eventStore(t)
	store := accountStore(t, es)

	_, err := store.ByID(context.Background(), "ghost")

	assert.True(t, errors.Is(err, sourcing.ErrStreamNotFound))
}

func TestStoreExecCommandErrorsPropagate(t *testing.T) {
	es := eventStore(t)
	store := accountStore(t, es)

	anErr := fmt.Errorf("insufficient funds")

	err := store.Exec(context.Background(), "acc-1", func(Account, int) ([]sourcing.EventToStore, error) {
		return nil, anErr
	})

	assert.True(t, errors.Is(err, anErr))
}

func TestStoreExecWithoutEventsWritesNothing(t *testing.T) {
	es := eventStore(t)
	store := accountStore(t, es)

	err := store.Exec(context.Background(), "acc-1", func(Account, int) ([]sourcing.EventToStore, error) {
		return nil, nil
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), es.LatestPosition())
}

func TestStoreSaveEnforcesExpectedVersion(t *testing.T) {
	es := eventStore(t)
	store := accountStore(t, es)

	ctx := context.Background()

	appendAccountEvents(t, es, "acc-1", 0, Deposited{100}, Deposited{10})

	err := store.Save(ctx, "acc-1", 1, []sourcing.EventToStore{
		{Event: Withdrawn{Amount: 10}},
	})

	assert.True(t, errors.Is(err, sourcing.ErrConcurrencyCheckFailed))
}

func TestStoreExecLosesRaceToConcurrentWriter(t *testing.T) {
	es := eventStore(t)
	store := accountStore(t, es)

	ctx := context.Background()

	appendAccountEvents(t, es, "acc-1", 0, Deposited{100})

	err := store.Exec(ctx, "acc-1", func(acc Account, version int) ([]sourcing.EventToStore, error) {
		// another writer sneaks in between load and append
		appendAccountEvents(t, es, "acc-1", version, Deposited{1})

		return []sourcing.EventToStore{
			{Event: Withdrawn{Amount: 10}},
		}, nil
	})

	assert.True(t, errors.Is(err, sourcing.ErrConcurrencyCheckFailed))
}
