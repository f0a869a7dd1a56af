package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"authsession-service/internal/client"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *client.RedisClient) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	rc := client.NewRedisClientFromClient(goredis.NewClient(&goredis.Options{Addr: s.Addr()}))
	t.Cleanup(func() { _ = rc.Client.Close() })
	return s, rc
}
