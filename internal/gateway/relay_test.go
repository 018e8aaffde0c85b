package gateway

import (
	"context"
	"testing"
	"time"

	"chat-gateway/internal/models"
	"chat-gateway/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T, client redis.UniversalClient, tg *testGateway) *RedisRelay {
	t.Helper()
	relay := NewRedisRelay(client, "gateway:fanout", tg.Gateway, logger.Discard())
	require.NoError(t, relay.Start(context.Background()))
	tg.SetRelay(relay)
	t.Cleanup(func() { relay.Close() })
	return relay
}

func TestRedisRelayAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	east := newTestGateway(t, testOptions())
	west := newTestGateway(t, testOptions())
	for _, tg := range []*testGateway{east, west} {
		tg.store.addUser("A", models.StatusOnline, 0)
		tg.store.addUser("B", models.StatusOnline, 0)
		tg.store.addGuild("G1", "A", "B")
	}
	startRelay(t, client, east)
	startRelay(t, client, west)

	_, connA, _ := east.identify(t, "A")
	_, connB, _ := west.identify(t, "B")

	require.NoError(t, east.PublishToTopic("G1", NewDispatch("MESSAGE_CREATE", nil)))

	connB.waitFrame(t, 1, isEvent("MESSAGE_CREATE"))
	connA.waitFrame(t, 1, isEvent("MESSAGE_CREATE"))

	// the origin instance ignores its own relayed copy
	connA.sync(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, connA.count(isEvent("MESSAGE_CREATE")))

	east.CloseAllSessionsForUser("B")
	f := connB.waitFrame(t, 1, isOp(OpInvalidSession))
	assert.JSONEq(t, `false`, string(f.D))
}

func TestRedisRelayIgnoresGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tg := newTestGateway(t, testOptions())
	tg.store.addUser("A", models.StatusOnline, 0)
	tg.store.addGuild("G1", "A")
	startRelay(t, client, tg)
	_, conn, _ := tg.identify(t, "A")

	require.NoError(t, client.Publish(context.Background(), "gateway:fanout", "not json").Err())
	require.NoError(t, client.Publish(context.Background(), "gateway:fanout",
		`{"origin":"elsewhere","kind":"publish","topic":"G1","payload":{"op":0,"t":"INVITE_CODE_USE"}}`).Err())

	conn.waitFrame(t, 1, isEvent("INVITE_CODE_USE"))
}

// twoInstances builds east and west gateways sharing one redis for the relay
// and the presence directory. Both know users A and B in guild G1.
func twoInstances(t *testing.T, statusA models.UserStatus) (east, west *testGateway) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	east = newTestGateway(t, testOptions(), withDirectory(NewRedisDirectory(client, "east", logger.Discard())))
	west = newTestGateway(t, testOptions(), withDirectory(NewRedisDirectory(client, "west", logger.Discard())))
	for _, tg := range []*testGateway{east, west} {
		tg.store.addUser("A", statusA, 0)
		tg.store.addUser("B", models.StatusOnline, 0)
		tg.store.addGuild("G1", "A", "B")
	}
	startRelay(t, client, east)
	startRelay(t, client, west)
	return east, west
}

func TestUserStaysOnlineWhileConnectedToAnotherInstance(t *testing.T) {
	east, west := twoInstances(t, models.StatusOnline)

	sEast, _, _ := east.identify(t, "A")
	sWest, _, _ := west.identify(t, "A")
	_, connB, _ := west.identify(t, "B")

	sEast.Close()
	require.Eventually(t, func() bool { return east.SessionCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	connB.sync(t)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, connB.count(isPresence("A", models.StatusUnavailable)), "A is still connected to west")

	status, n := east.UserPresence("A")
	assert.Equal(t, models.StatusOnline, status)
	assert.Zero(t, n)

	sWest.Close()
	connB.waitFrame(t, 1, isPresence("A", models.StatusUnavailable))

	status, _ = east.UserPresence("A")
	assert.Equal(t, models.StatusUnavailable, status)
}

func TestReadyListsUsersOnlineOnAnotherInstance(t *testing.T) {
	east, west := twoInstances(t, models.StatusDND)

	east.identify(t, "A")
	_, _, ready := west.identify(t, "B")

	found := false
	for _, p := range ready.Presences {
		if p.ID == "A" {
			found = true
			assert.Equal(t, models.StatusDND, p.Status)
		}
	}
	assert.True(t, found, "A is connected to east")
}

func TestPresenceUpdateReachesDirectory(t *testing.T) {
	east, west := twoInstances(t, models.StatusOnline)

	_, connA, _ := east.identify(t, "A")
	connA.push(`{"op":3,"d":{"status":"IDLE"}}`)
	connA.sync(t)

	_, _, ready := west.identify(t, "B")
	statuses := make(map[string]models.UserStatus)
	for _, p := range ready.Presences {
		statuses[p.ID] = p.Status
	}
	assert.Equal(t, models.StatusIdle, statuses["A"])
}
