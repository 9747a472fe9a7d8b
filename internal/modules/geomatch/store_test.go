package geomatch

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("SWIFTRIDE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SWIFTRIDE_TEST_REDIS_ADDR not set; skipping Redis integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	store := NewRedisStore(rdb)
	ctx := context.Background()
	id := fmt.Sprintf("driver_test_%d", time.Now().UnixNano())
	at := time.Now().Truncate(time.Millisecond)

	d := activeDriver(id, 1, 0)
	d.LocationAt = at
	if err := store.Upsert(ctx, d); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	t.Cleanup(func() {
		rdb.ZRem(ctx, driverGeoKey, id)
		rdb.Del(ctx, driverKey(d.ID))
	})

	got, err := store.Within(ctx, pickup, 3)
	if err != nil {
		t.Fatalf("within: %v", err)
	}
	var found *Driver
	for i := range got {
		if got[i].ID == d.ID {
			found = &got[i]
		}
	}
	if found == nil {
		t.Fatalf("expected driver %s within 3km", id)
	}
	if !found.LocationAt.Equal(at) || !found.HasClass("car") || !found.Available {
		t.Fatalf("unexpected driver snapshot: %+v", found)
	}

	if err := store.SetAvailable(ctx, d.ID, false); err != nil {
		t.Fatalf("set available: %v", err)
	}
	again, err := store.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Available {
		t.Fatalf("expected available=false")
	}
}
