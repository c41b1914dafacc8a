package ratelimit

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/relayhub/wagateway/internal/privacy"
)

func TestRemaining(t *testing.T) {
	cases := []struct {
		limit int
		count int64
		want  int
	}{
		{10, 1, 9},
		{10, 10, 0},
		{10, 11, 0},
		{10, 0, 10},
	}
	for _, tc := range cases {
		if got := remaining(tc.limit, tc.count); got != tc.want {
			t.Errorf("remaining(%d, %d) = %d, want %d", tc.limit, tc.count, got, tc.want)
		}
	}
}

func TestCheckDualAxis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	hasher := privacy.NewHasher("test-salt-at-least-32-characters-long")
	limiter := New(rdb, hasher, Config{
		MaxPhoneRequests:   2,
		PhoneWindowSeconds: 60,
		MaxIPRequests:      100,
		IPWindowSeconds:    60,
	})

	phone := "+15559998888-ratelimit-test"
	ip := "203.0.113.9"
	defer rdb.Del(ctx, phoneKeyPrefix+hasher.Hash(phone), ipKeyPrefix+ip)

	d1 := limiter.Check(ctx, phone, ip)
	if !d1.Allowed {
		t.Fatalf("request 1 should be allowed: %+v", d1)
	}
	d2 := limiter.Check(ctx, phone, ip)
	if !d2.Allowed {
		t.Fatalf("request 2 should be allowed: %+v", d2)
	}
	d3 := limiter.Check(ctx, phone, ip)
	if d3.Allowed || d3.Exceeded != "phone" {
		t.Fatalf("request 3 should exceed phone axis: %+v", d3)
	}
}
