package media

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestURLCacheFetchesOnceWithinTTL(t *testing.T) {
	calls := 0
	cache := NewURLCache(func(ctx context.Context, mediaID string) (string, error) {
		calls++
		return "https://cdn.example/" + mediaID, nil
	}, time.Hour, 10)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		url, err := cache.GetOrFetch(ctx, "m1")
		if err != nil {
			t.Fatalf("GetOrFetch() error: %v", err)
		}
		if url != "https://cdn.example/m1" {
			t.Errorf("url = %s", url)
		}
	}
	if calls != 1 {
		t.Errorf("backend calls = %d, want 1", calls)
	}
}

func TestURLCacheRefetchesAfterExpiry(t *testing.T) {
	calls := 0
	cache := NewURLCache(func(ctx context.Context, mediaID string) (string, error) {
		calls++
		return fmt.Sprintf("url-%d", calls), nil
	}, time.Hour, 10)

	current := time.Now()
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	url, _ := cache.GetOrFetch(ctx, "m1")
	if url != "url-1" {
		t.Errorf("url = %s, want url-1", url)
	}

	current = current.Add(61 * time.Minute)
	url, _ = cache.GetOrFetch(ctx, "m1")
	if url != "url-2" {
		t.Errorf("url after expiry = %s, want url-2", url)
	}
	if calls != 2 {
		t.Errorf("backend calls = %d, want 2", calls)
	}
}

func TestURLCacheSweepsExpiredOnRead(t *testing.T) {
	cache := NewURLCache(func(ctx context.Context, mediaID string) (string, error) {
		return "u", nil
	}, time.Hour, 10)

	current := time.Now()
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	cache.GetOrFetch(ctx, "m1")
	cache.GetOrFetch(ctx, "m2")
	if cache.Len() != 2 {
		t.Fatalf("len = %d, want 2", cache.Len())
	}

	current = current.Add(2 * time.Hour)
	cache.GetOrFetch(ctx, "m3")
	if cache.Len() != 1 {
		t.Errorf("len after sweep = %d, want 1", cache.Len())
	}
}

func TestURLCacheBounded(t *testing.T) {
	cache := NewURLCache(func(ctx context.Context, mediaID string) (string, error) {
		return "u-" + mediaID, nil
	}, time.Hour, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cache.GetOrFetch(ctx, fmt.Sprintf("m%d", i))
	}
	if cache.Len() > 3 {
		t.Errorf("len = %d, want at most 3", cache.Len())
	}
}

func TestURLCacheDelete(t *testing.T) {
	calls := 0
	cache := NewURLCache(func(ctx context.Context, mediaID string) (string, error) {
		calls++
		return "u", nil
	}, time.Hour, 10)
	ctx := context.Background()

	cache.GetOrFetch(ctx, "m1")
	cache.Delete("m1")
	cache.GetOrFetch(ctx, "m1")
	if calls != 2 {
		t.Errorf("backend calls = %d, want 2 after delete", calls)
	}
}

func TestURLCacheFetchError(t *testing.T) {
	backendErr := errors.New("backend down")
	cache := NewURLCache(func(ctx context.Context, mediaID string) (string, error) {
		return "", backendErr
	}, time.Hour, 10)

	_, err := cache.GetOrFetch(context.Background(), "m1")
	if !errors.Is(err, backendErr) {
		t.Errorf("error = %v, want wrapped backend error", err)
	}
	if cache.Len() != 0 {
		t.Error("failed fetch left a cache entry")
	}
}
