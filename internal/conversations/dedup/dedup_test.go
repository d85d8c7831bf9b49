package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"aurum_backend/platform/logger"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewStore(client, logger.New("test")), mr
}

func TestFirstOccurrenceClaimsOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if !store.FirstOccurrence(ctx, "msg-1", time.Hour) {
		t.Fatal("first call should claim the id")
	}
	if store.FirstOccurrence(ctx, "msg-1", time.Hour) {
		t.Fatal("second call should see the id as already claimed")
	}
	if !store.FirstOccurrence(ctx, "msg-2", time.Hour) {
		t.Fatal("different id should be a first occurrence")
	}
}

func TestFirstOccurrenceExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if !store.FirstOccurrence(ctx, "msg-1", time.Minute) {
		t.Fatal("first call should claim the id")
	}

	mr.FastForward(2 * time.Minute)

	if !store.FirstOccurrence(ctx, "msg-1", time.Minute) {
		t.Fatal("expired id should be claimable again")
	}
}

func TestFirstOccurrenceFailsOpen(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.Close()

	if !store.FirstOccurrence(ctx, "msg-1", time.Hour) {
		t.Fatal("unreachable Redis must treat the message as new")
	}
}

func TestFirstOccurrenceNilClient(t *testing.T) {
	store := NewStore(nil, logger.New("test"))

	if !store.FirstOccurrence(context.Background(), "msg-1", time.Hour) {
		t.Fatal("nil client must treat every message as new")
	}
}
