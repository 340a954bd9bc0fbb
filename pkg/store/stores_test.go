package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LitBomb/meshcore-ha/pkg/models"
)

func openTestStores(t *testing.T) *Stores {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSubscription(prefix string) *models.RepeaterSubscription {
	return &models.RepeaterSubscription{
		Name:            "Hilltop",
		PubkeyPrefix:    prefix,
		FirmwareVersion: "v1.4.2",
		Password:        "hunter2",
		UpdateInterval:  300,
		Enabled:         true,
	}
}

func TestSubscriptionRoundTrip(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	require.NoError(t, s.Subscriptions.Add(ctx, testSubscription("123456789abc")))

	subs, err := s.Subscriptions.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "Hilltop", subs[0].Name)
	require.Equal(t, "v1.4.2", subs[0].FirmwareVersion)
	require.True(t, subs[0].Enabled)

	got, err := s.Subscriptions.GetByPrefix(ctx, "123456789abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "hunter2", got.Password)

	require.NoError(t, s.Subscriptions.Remove(ctx, "123456789abc"))
	got, err = s.Subscriptions.GetByPrefix(ctx, "123456789abc")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSubscriptionDuplicatePrefix(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	require.NoError(t, s.Subscriptions.Add(ctx, testSubscription("123456789abc")))

	dupe := testSubscription("123456789abc")
	dupe.Name = "Impostor"
	err := s.Subscriptions.Add(ctx, dupe)
	require.True(t, errors.Is(err, ErrDuplicatePrefix), "err = %v", err)

	// The original record is untouched.
	got, err := s.Subscriptions.GetByPrefix(ctx, "123456789abc")
	require.NoError(t, err)
	require.Equal(t, "Hilltop", got.Name)
}

func TestSubscriptionUpdates(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	require.NoError(t, s.Subscriptions.Add(ctx, testSubscription("123456789abc")))

	require.NoError(t, s.Subscriptions.SetEnabled(ctx, "123456789abc", false))
	require.NoError(t, s.Subscriptions.SetUpdateInterval(ctx, "123456789abc", 600))

	got, err := s.Subscriptions.GetByPrefix(ctx, "123456789abc")
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.Equal(t, 600, got.UpdateInterval)
	require.Equal(t, 10*time.Minute, got.Interval())
}

func TestGetByPrefixMissing(t *testing.T) {
	s := openTestStores(t)

	got, err := s.Subscriptions.GetByPrefix(context.Background(), "deadbeef0000")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMessageLog(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	prefix := "123456789abc"
	for i := 0; i < 3; i++ {
		msg := &models.MeshMessage{
			Direction:    models.DirectionInbound,
			PubkeyPrefix: &prefix,
			Text:         "hello",
			ReceivedAt:   time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Messages.Append(ctx, msg))
		require.NotZero(t, msg.ID)
	}

	channel := 2
	require.NoError(t, s.Messages.Append(ctx, &models.MeshMessage{
		Direction:  models.DirectionOutbound,
		ChannelIdx: &channel,
		Text:       "on the air",
		ReceivedAt: time.Now().UTC().Add(time.Hour),
	}))

	msgs, err := s.Messages.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "on the air", msgs[0].Text)
	require.True(t, msgs[0].IsChannel())
	require.Nil(t, msgs[0].PubkeyPrefix)

	msgs, err = s.Messages.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
}

func TestMessagePrune(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.Messages.Append(ctx, &models.MeshMessage{
		Direction:  models.DirectionInbound,
		Text:       "stale",
		ReceivedAt: old,
	}))
	require.NoError(t, s.Messages.Append(ctx, &models.MeshMessage{
		Direction:  models.DirectionInbound,
		Text:       "fresh",
		ReceivedAt: time.Now().UTC(),
	}))

	pruned, err := s.Messages.PruneBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	msgs, err := s.Messages.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "fresh", msgs[0].Text)
}
