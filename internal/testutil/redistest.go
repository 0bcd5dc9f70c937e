package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisTest returns a client to a flushed Redis. REDIS_URL selects an
// existing server; otherwise a container is started for the test.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		container, err := testcontainers.Run(ctx, "redis:7-alpine",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
			),
		)
		if err != nil {
			t.Skipf("redistest: redis container unavailable: %v", err)
		}
		t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

		endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "redis")
		if err != nil {
			t.Fatalf("redistest: endpoint: %v", err)
		}
		url = endpoint
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("redistest: parse url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.FlushDB(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: flush: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
