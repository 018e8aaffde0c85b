package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"chat-gateway/internal/models"
	"chat-gateway/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectSendsHello(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	_, conn := tg.connect(t, "")

	hello := conn.frames()[0]
	assert.Equal(t, OpHello, hello.Op)
	assert.JSONEq(t, `{"heartbeat_interval":30000}`, string(hello.D))
}

func TestHeartbeatIsAcknowledged(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	_, conn := tg.connect(t, "")

	conn.push(`{"op":1,"d":null}`)
	conn.waitFrame(t, 1, isOp(OpHeartbeatAck))

	conn.push(`{"op":1,"d":7}`)
	conn.waitFrame(t, 2, isOp(OpHeartbeatAck))
}

func TestProtocolViolationKeepsConnectionOpen(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	s, conn := tg.connect(t, "")

	conn.push(`not json`)
	conn.push(`{"op":42}`)
	conn.push(`{"op":10}`)
	conn.sync(t)

	assert.False(t, s.IsClosed())
	assert.False(t, conn.isClosed())
}

func TestIdentify(t *testing.T) {
	t.Run("SubscribesToGuildTopics", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusOnline, 0)
		tg.store.addUser("B", models.StatusOnline, 0)
		tg.store.addGuild("G1", "A", "B")
		tg.store.addGuild("G2", "A")
		tg.store.addGuild("G3", "B")

		s, _, ready := tg.identify(t, "A")

		topics := s.Topics()
		sort.Strings(topics)
		assert.Equal(t, []string{"G1", "G2"}, topics)
		assert.True(t, tg.Bus().IsSubscribed("G1", s))
		assert.False(t, tg.Bus().IsSubscribed("G3", s))
		assert.False(t, tg.Bus().IsSubscribed(TopicAdmins, s))
		assert.True(t, tg.Registry().Has("A"))
		assert.Equal(t, models.StatusOnline, tg.Presence().Get("A"))

		assert.Equal(t, "A", ready.Account.ID)
		assert.Equal(t, "A@example.com", ready.Account.Email)
		assert.Equal(t, "A", ready.User.ID)
		assert.Len(t, ready.Guilds, 2)
		assert.Nil(t, ready.AppSettings)
	})

	t.Run("DefaultSettings", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusOnline, 0)

		_, _, ready := tg.identify(t, "A")

		assert.Equal(t, models.ThemeLight, ready.Settings.Theme)
		assert.False(t, ready.Settings.CompactMode)
		assert.True(t, ready.Settings.CompactShowAvatars)
		assert.Nil(t, ready.Settings.PendingDeletion)
	})

	t.Run("AdminGetsAdminTopicAndInviteCodes", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("root", models.StatusOnline, models.UserFlagAdmin)
		tg.store.addGuild("G1", "root")
		tg.store.inviteCodes = []models.InviteCode{{ID: "1", Code: "WELCOME", CreatedBy: "root"}}

		s, _, ready := tg.identify(t, "root")

		assert.True(t, tg.Bus().IsSubscribed(TopicAdmins, s))
		assert.True(t, tg.Bus().IsSubscribed("G1", s))
		require.NotNil(t, ready.AppSettings)
		require.Len(t, ready.AppSettings.InviteCodes, 1)
		assert.Equal(t, "WELCOME", ready.AppSettings.InviteCodes[0].Code)
	})

	t.Run("BroadcastsOwnStatusToCoMembers", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusOnline, 0)
		tg.store.addUser("B", models.StatusIdle, 0)
		tg.store.addGuild("G1", "A", "B")

		_, connB, _ := tg.identify(t, "B")
		_, connA, readyA := tg.identify(t, "A")

		connB.waitFrame(t, 1, isPresence("A", models.StatusOnline))
		connA.sync(t)
		assert.Zero(t, connA.count(presencesFor("A")), "originator must not receive its own broadcast")

		byID := map[string]models.UserStatus{}
		for _, p := range readyA.Presences {
			byID[p.ID] = p.Status
		}
		assert.Equal(t, models.StatusIdle, byID["B"])
		assert.Equal(t, models.StatusOnline, byID["A"])
		assert.Len(t, readyA.Presences, 2)
	})

	t.Run("UnavailableUserIsNotBroadcast", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusUnavailable, 0)
		tg.store.addUser("B", models.StatusOnline, 0)
		tg.store.addGuild("G1", "A", "B")

		_, connB, _ := tg.identify(t, "B")
		_, _, readyA := tg.identify(t, "A")

		connB.sync(t)
		assert.Zero(t, connB.count(presencesFor("A")))
		for _, p := range readyA.Presences {
			assert.NotEqual(t, "A", p.ID)
		}
	})

	t.Run("SecondIdentifyIsDropped", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusOnline, 0)

		s, conn, _ := tg.identify(t, "A")
		conn.push(`{"op":2}`)
		conn.sync(t)

		assert.Equal(t, 1, conn.count(isEvent(EventReady)))
		assert.Equal(t, 1, tg.Registry().Count("A"))
		assert.False(t, s.IsClosed())
	})

	t.Run("PersistenceFailureLeavesNoState", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusOnline, 0)
		tg.store.membershipErr = errors.New("database is down")

		s, conn := tg.connect(t, tg.token(t, "A"))
		conn.push(`{"op":2}`)
		conn.sync(t)

		assert.Zero(t, conn.count(isEvent(EventReady)))
		assert.Empty(t, s.UserID())
		assert.False(t, tg.Registry().Has("A"))
		assert.Empty(t, s.Topics())
		assert.False(t, s.IsClosed())
	})
}

func TestIdentifyWithInvalidToken(t *testing.T) {
	cases := map[string]func(tg *testGateway) string{
		"Garbage": func(*testGateway) string { return "ABC" },
		"Missing": func(*testGateway) string { return "" },
		"UnknownAccount": func(tg *testGateway) string {
			token, _ := tg.tokens.GenerateToken("ghost", 0)
			return token
		},
		"RevokedVersion": func(tg *testGateway) string {
			token, _ := tg.tokens.GenerateToken("A", 3)
			return token
		},
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			tg := newTestGateway(t, testOptions())
			tg.store.addUser("A", models.StatusOnline, 0)

			s, conn := tg.connect(t, token(tg))
			conn.push(`{"op":2}`)

			f := conn.waitFrame(t, 1, isOp(OpInvalidSession))
			assert.JSONEq(t, `false`, string(f.D))

			require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
			assert.True(t, s.IsClosed())
			assert.Empty(t, tg.Registry().Users())
			require.Eventually(t, func() bool { return tg.SessionCount() == 0 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestPendingDeletion(t *testing.T) {
	t.Run("JobExists", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusOnline, 0)
		tg.store.schedules["A"] = &models.AccountDeleteSchedule{ID: "A", JobID: "job-1", DeleteAt: "1700000000000"}
		tg.jobs.jobs["job-1"] = &scheduler.Job{ID: "job-1"}

		_, _, ready := tg.identify(t, "A")

		require.NotNil(t, ready.Settings.PendingDeletion)
		assert.True(t, *ready.Settings.PendingDeletion)
		assert.Equal(t, "1700000000000", ready.Settings.DeleteAt)
		assert.True(t, tg.store.hasSchedule("A"))
	})

	t.Run("StaleScheduleIsCleared", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusOnline, 0)
		tg.store.schedules["A"] = &models.AccountDeleteSchedule{ID: "A", JobID: "gone", DeleteAt: "1700000000000"}

		_, _, ready := tg.identify(t, "A")

		require.NotNil(t, ready.Settings.PendingDeletion)
		assert.False(t, *ready.Settings.PendingDeletion)
		assert.Empty(t, ready.Settings.DeleteAt)
		assert.False(t, tg.store.hasSchedule("A"))
	})

	t.Run("BotsSkipLookup", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("bot", models.StatusOnline, 0)
		tg.store.setBot("bot")
		tg.store.schedules["bot"] = &models.AccountDeleteSchedule{ID: "bot", JobID: "gone"}

		_, _, ready := tg.identify(t, "bot")

		assert.Nil(t, ready.Settings.PendingDeletion)
		assert.True(t, tg.store.hasSchedule("bot"))
	})
}

func TestUpdatePresence(t *testing.T) {
	t.Run("BroadcastsToGuildExceptOriginator", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusOnline, 0)
		tg.store.addUser("B", models.StatusOnline, 0)
		tg.store.addGuild("G123", "A", "B")

		_, connB, _ := tg.identify(t, "B")
		_, connA, _ := tg.identify(t, "A")
		connB.waitFrame(t, 1, isPresence("A", models.StatusOnline))

		connA.push(`{"op":3,"d":{"status":"DND"}}`)
		connA.sync(t)
		connB.sync(t)

		assert.Equal(t, 1, connB.count(isPresence("A", models.StatusDND)))
		assert.Zero(t, connA.count(presencesFor("A")))
		assert.Equal(t, models.StatusDND, tg.store.status("A"))
		assert.Equal(t, models.StatusDND, tg.Presence().Get("A"))

		// a new session reports the persisted status
		_, _, ready := tg.identify(t, "A")
		assert.Equal(t, models.StatusDND, ready.User.Status)
	})

	t.Run("SameStatusIsNoop", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusOnline, 0)
		tg.store.addUser("B", models.StatusOnline, 0)
		tg.store.addGuild("G1", "A", "B")

		_, connB, _ := tg.identify(t, "B")
		_, connA, _ := tg.identify(t, "A")
		connB.waitFrame(t, 1, isPresence("A", models.StatusOnline))

		connA.push(`{"op":3,"d":{"status":"ONLINE"}}`)
		connA.push(`{"op":3,"d":{"status":"ONLINE"}}`)
		connA.sync(t)
		connB.sync(t)

		assert.Equal(t, 1, connB.count(presencesFor("A")))
		assert.Zero(t, tg.store.updates())
	})

	t.Run("OtherSessionsOfSameUserReceiveIt", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusOnline, 0)
		tg.store.addGuild("G1", "A")

		_, first, _ := tg.identify(t, "A")
		_, second, _ := tg.identify(t, "A")

		first.push(`{"op":3,"d":{"status":"IDLE"}}`)
		first.sync(t)
		second.sync(t)

		assert.Zero(t, first.count(isPresence("A", models.StatusIdle)))
		assert.Equal(t, 1, second.count(isPresence("A", models.StatusIdle)))
	})

	t.Run("RequiresIdentify", func(t *testing.T) {
		tg := newTestGateway(t, testOptions())
		tg.store.addUser("A", models.StatusOnline, 0)

		s, conn := tg.connect(t, tg.token(t, "A"))
		conn.push(`{"op":3,"d":{"status":"DND"}}`)
		conn.sync(t)

		assert.Zero(t, tg.store.updates())
		assert.False(t, s.IsClosed())
	})
}

func TestMultiSessionDisconnect(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	tg.store.addUser("A", models.StatusOnline, 0)
	tg.store.addUser("B", models.StatusOnline, 0)
	tg.store.addGuild("G1", "A", "B")

	_, connB, _ := tg.identify(t, "B")
	first, connA1, _ := tg.identify(t, "A")
	second, connA2, _ := tg.identify(t, "A")
	require.Equal(t, 2, tg.Registry().Count("A"))

	connA1.Close()
	require.Eventually(t, func() bool { return tg.Registry().Count("A") == 1 }, time.Second, 5*time.Millisecond)
	connB.sync(t)
	assert.Zero(t, connB.count(isPresence("A", models.StatusUnavailable)))
	assert.True(t, first.IsClosed())
	assert.False(t, tg.Bus().IsSubscribed("G1", first))
	assert.Equal(t, models.StatusOnline, tg.Presence().Get("A"))

	connA2.Close()
	connB.waitFrame(t, 1, isPresence("A", models.StatusUnavailable))
	assert.True(t, second.IsClosed())
	assert.False(t, tg.Registry().Has("A"))
	assert.Equal(t, models.StatusUnavailable, tg.Presence().Get("A"))
	assert.Equal(t, 1, connB.count(isPresence("A", models.StatusUnavailable)))
}

func TestDisconnectFallsBackToSubscribedTopics(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	tg.store.addUser("A", models.StatusOnline, 0)
	tg.store.addUser("B", models.StatusOnline, 0)
	tg.store.addGuild("G1", "A", "B")

	_, connB, _ := tg.identify(t, "B")
	_, connA, _ := tg.identify(t, "A")

	tg.store.mu.Lock()
	tg.store.membershipErr = errors.New("database is down")
	tg.store.mu.Unlock()

	connA.Close()
	connB.waitFrame(t, 1, isPresence("A", models.StatusUnavailable))
}

func TestHeartbeatTimeout(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatTimeout = 150 * time.Millisecond
	tg := newTestGateway(t, opts)
	tg.store.addUser("A", models.StatusOnline, 0)
	tg.store.addUser("B", models.StatusOnline, 0)
	tg.store.addGuild("G1", "A", "B")

	// B keeps heartbeating, A goes silent
	_, connB, _ := tg.identify(t, "B")
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				connB.push(`{"op":1}`)
			case <-stop:
				return
			}
		}
	}()

	s, connA, _ := tg.identify(t, "A")

	f := connA.waitFrame(t, 1, isOp(OpInvalidSession))
	assert.JSONEq(t, `true`, string(f.D))
	require.Eventually(t, connA.isClosed, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsClosed())

	connB.waitFrame(t, 1, isPresence("A", models.StatusUnavailable))
	assert.False(t, tg.Registry().Has("A"))
	assert.Equal(t, 1, connA.count(isOp(OpInvalidSession)))
	assert.Equal(t, 1, connB.count(isPresence("A", models.StatusUnavailable)))
	assert.True(t, tg.Registry().Has("B"))
}

func TestCloseAllSessionsForUser(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	tg.store.addUser("X", models.StatusOnline, 0)
	tg.store.addUser("Y", models.StatusOnline, 0)
	tg.store.addGuild("G1", "X", "Y")

	_, connY, _ := tg.identify(t, "Y")
	_, conn1, _ := tg.identify(t, "X")
	_, conn2, _ := tg.identify(t, "X")

	assert.Equal(t, 2, tg.CloseAllSessionsForUser("X"))

	for _, conn := range []*mockConn{conn1, conn2} {
		f := conn.waitFrame(t, 1, isOp(OpInvalidSession))
		assert.JSONEq(t, `false`, string(f.D))
		require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	}
	require.Eventually(t, func() bool { return !tg.Registry().Has("X") }, time.Second, 5*time.Millisecond)
	connY.waitFrame(t, 1, isPresence("X", models.StatusUnavailable))
	assert.Zero(t, tg.CloseAllSessionsForUser("X"))
}

func TestCloseAllSessionsDuringIdentify(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	tg.store.addUser("X", models.StatusOnline, 0)
	tg.store.addUser("Y", models.StatusOnline, 0)
	tg.store.addGuild("G1", "X", "Y")

	_, connY, _ := tg.identify(t, "Y")

	// the close lands after the token check, before X is registered
	closed := make(chan int, 1)
	tg.store.beforeFindAccount(func(id string) {
		if id == "X" {
			closed <- tg.CloseAllSessionsForUser("X")
		}
	})

	_, conn := tg.connect(t, tg.token(t, "X"))
	conn.push(`{"op":2}`)

	assert.Zero(t, <-closed, "no registered session to close yet")
	f := conn.waitFrame(t, 1, isOp(OpInvalidSession))
	assert.JSONEq(t, `false`, string(f.D))
	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !tg.Registry().Has("X") }, time.Second, 5*time.Millisecond)

	assert.Zero(t, conn.count(isEvent(EventReady)))
	connY.sync(t)
	assert.Zero(t, connY.count(isPresence("X", models.StatusOnline)))

	// a later identify is not affected by the earlier close
	tg.store.beforeFindAccount(nil)
	_, connX, _ := tg.identify(t, "X")
	connX.sync(t)
	assert.Zero(t, connX.count(isOp(OpInvalidSession)))
}

func TestFanoutScoping(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	tg.store.addUser("A", models.StatusOnline, 0)
	tg.store.addUser("B", models.StatusOnline, 0)
	tg.store.addGuild("G1", "A")
	tg.store.addGuild("G2", "B")

	_, connA, _ := tg.identify(t, "A")
	_, connB, _ := tg.identify(t, "B")

	require.NoError(t, tg.PublishToTopic("G1", NewDispatch("MESSAGE_CREATE", map[string]string{"content": "hi"})))
	connA.waitFrame(t, 1, isEvent("MESSAGE_CREATE"))
	connB.sync(t)
	assert.Zero(t, connB.count(isEvent("MESSAGE_CREATE")))
}

func TestSubscribeUserToTopic(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	tg.store.addUser("A", models.StatusOnline, 0)

	s1, conn1, _ := tg.identify(t, "A")
	s2, conn2, _ := tg.identify(t, "A")

	assert.Equal(t, 2, tg.SubscribeUserToTopic("A", "G9"))
	assert.True(t, tg.Bus().IsSubscribed("G9", s1))
	assert.True(t, tg.Bus().IsSubscribed("G9", s2))

	require.NoError(t, tg.PublishToTopic("G9", NewDispatch("GUILD_MEMBER_ADD", nil)))
	conn1.waitFrame(t, 1, isEvent("GUILD_MEMBER_ADD"))
	conn2.waitFrame(t, 1, isEvent("GUILD_MEMBER_ADD"))

	tg.UnsubscribeUserFromTopic("A", "G9")
	assert.Zero(t, tg.Bus().Subscribers("G9"))
}

func TestUserPresence(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	tg.store.addUser("A", models.StatusLookingToPlay, 0)

	status, n := tg.UserPresence("A")
	assert.Equal(t, models.StatusUnavailable, status)
	assert.Zero(t, n)

	tg.identify(t, "A")
	status, n = tg.UserPresence("A")
	assert.Equal(t, models.StatusLookingToPlay, status)
	assert.Equal(t, 1, n)
}

func TestApplyRelayed(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	tg.store.addUser("A", models.StatusOnline, 0)
	tg.store.addGuild("G1", "A")
	_, conn, _ := tg.identify(t, "A")

	payload, err := json.Marshal(NewDispatch("MESSAGE_CREATE", nil))
	require.NoError(t, err)

	tg.ApplyRelayed(RelayMessage{Kind: RelayPublish, Topic: "G1", Payload: payload})
	conn.waitFrame(t, 1, isEvent("MESSAGE_CREATE"))

	tg.ApplyRelayed(RelayMessage{Kind: RelayCloseUser, UserID: "A"})
	conn.waitFrame(t, 1, isOp(OpInvalidSession))
}

func TestShutdownClosesSessions(t *testing.T) {
	tg := newTestGateway(t, testOptions())
	tg.store.addUser("A", models.StatusOnline, 0)
	_, conn, _ := tg.identify(t, "A")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tg.Shutdown(ctx))
	assert.True(t, conn.isClosed())
	assert.Zero(t, tg.SessionCount())
	assert.Nil(t, tg.Connect(newMockConn(), "", "late"))
}
