// internal/lobby/lobby_test.go
package lobby

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/errs"
	"github.com/Wedja10/SAE-S4-sub000/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickingClock returns a clock that advances by one millisecond on every call,
// so join timestamps are strictly ordered.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestStore(opts ...Option) (*Store, *MemoryModeration) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	mod := NewMemoryModeration()
	opts = append([]Option{WithClock(tickingClock())}, opts...)
	return NewStore(mod, logger, opts...), mod
}

func player(id string) models.PlayerInfo {
	return models.PlayerInfo{ID: id, Pseudo: "name-" + id, PP: "/pp/" + id + ".png", PPColor: "#ffffff"}
}

func hostCount(snap Snapshot) int {
	n := 0
	for _, m := range snap.Members {
		if m.IsHost {
			n++
		}
	}
	return n
}

func TestCreateSessionSeatsHost(t *testing.T) {
	store, _ := newTestStore()

	snap, err := store.CreateSession(context.Background(), player("H"), models.SettingsPatch{})
	require.NoError(t, err)
	assert.Len(t, snap.Code, codeLength)
	assert.Equal(t, models.StatusWaiting, snap.Status)
	assert.Equal(t, "H", snap.HostID)
	require.Len(t, snap.Members, 1)
	assert.True(t, snap.Members[0].IsHost)
	assert.Equal(t, models.DefaultSettings().ArticlesNumber, snap.Settings.ArticlesNumber)
}

func TestCreateSessionRetriesOnCodeCollision(t *testing.T) {
	codes := []string{"AAAAAA", "AAAAAA", "AAAAAA", "BBBBBB"}
	i := 0
	store, _ := newTestStore(WithCodeGenerator(func() string {
		c := codes[i]
		i++
		return c
	}))
	ctx := context.Background()

	first, err := store.CreateSession(ctx, player("H1"), models.SettingsPatch{})
	require.NoError(t, err)
	second, err := store.CreateSession(ctx, player("H2"), models.SettingsPatch{})
	require.NoError(t, err)

	assert.Equal(t, "AAAAAA", first.Code)
	assert.Equal(t, "BBBBBB", second.Code)
	assert.Equal(t, 4, i, "generator must be called until a free code comes up")
}

func TestCreateSessionGivesUpWhenCodesExhausted(t *testing.T) {
	store, _ := newTestStore(WithCodeGenerator(func() string { return "SAME00" }))
	ctx := context.Background()

	_, err := store.CreateSession(ctx, player("H1"), models.SettingsPatch{})
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, player("H2"), models.SettingsPatch{})
	assert.ErrorIs(t, err, errs.ErrCodeExhausted)
}

func TestCreateSessionRejectsInvalidSettings(t *testing.T) {
	store, _ := newTestStore()
	one := 1
	_, err := store.CreateSession(context.Background(), player("H"), models.SettingsPatch{ArticlesNumber: &one})
	assert.ErrorIs(t, err, errs.ErrInvalidSettings)
	assert.Equal(t, 0, store.Count())
}

func TestJoinErrors(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	_, err := store.Join(ctx, "NOPE00", player("P"))
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)

	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)

	locked := false
	_, err = store.UpdateSettings(snap.Code, models.SettingsPatch{AllowJoin: &locked}, "H")
	require.NoError(t, err)
	_, err = store.Join(ctx, snap.Code, player("P"))
	assert.ErrorIs(t, err, errs.ErrJoinsLocked)

	// existing members may still rejoin a locked lobby
	res, err := store.Join(ctx, snap.Code, player("H"))
	require.NoError(t, err)
	assert.True(t, res.Rejoined)
}

func TestIdempotentJoinUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)

	_, err = store.Join(ctx, snap.Code, player("P"))
	require.NoError(t, err)

	renamed := player("P")
	renamed.Pseudo = "Renamed"
	renamed.IsHost = true // must be ignored
	res, err := store.Join(ctx, snap.Code, renamed)
	require.NoError(t, err)

	assert.True(t, res.Rejoined)
	assert.Len(t, res.Snapshot.Members, 2)
	m, ok := res.Snapshot.Member("P")
	require.True(t, ok)
	assert.Equal(t, "Renamed", m.Pseudo)
	assert.False(t, m.IsHost)
	assert.Equal(t, 1, hostCount(res.Snapshot))
}

func TestHostPromotionFollowsJoinOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	snap, err := store.CreateSession(ctx, player("A"), models.SettingsPatch{})
	require.NoError(t, err)
	code := snap.Code

	for _, id := range []string{"B", "C"} {
		_, err := store.Join(ctx, code, player(id))
		require.NoError(t, err)
	}

	res, err := store.Leave(ctx, code, "A")
	require.NoError(t, err)
	assert.Equal(t, "B", res.NewHostID)
	assert.Equal(t, "B", res.Snapshot.HostID)

	res, err = store.Leave(ctx, code, "B")
	require.NoError(t, err)
	assert.Equal(t, "C", res.NewHostID)
	assert.Equal(t, 1, hostCount(res.Snapshot))

	// a non-host leaving does not move host status
	_, err = store.Join(ctx, code, player("D"))
	require.NoError(t, err)
	res, err = store.Leave(ctx, code, "D")
	require.NoError(t, err)
	assert.Empty(t, res.NewHostID)
	assert.Equal(t, "C", res.Snapshot.HostID)
}

func TestLastLeaveClosesSession(t *testing.T) {
	ctx := context.Background()
	store, mod := newTestStore()

	var closed []string
	store.OnClosed(func(code string) { closed = append(closed, code) })

	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)
	_, err = store.Ban(ctx, snap.Code, "H", "X", "spam")
	require.NoError(t, err)

	res, err := store.Leave(ctx, snap.Code, "H")
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.Equal(t, models.StatusClosed, res.Snapshot.Status)
	assert.Equal(t, []string{snap.Code}, closed)

	_, err = store.GetSessionByCode(snap.Code)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)

	_, banned, err := mod.IsBanned(ctx, snap.Code, "X")
	require.NoError(t, err)
	assert.False(t, banned, "ban records live as long as the session")
}

func TestHostKeepsFirstSeatAgainstConcurrentJoin(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(WithCodeGenerator(func() string { return "RACE00" }))

	stop := make(chan struct{})
	joined := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				joined <- nil
				return
			default:
			}
			if _, err := store.Join(ctx, "RACE00", player("X")); err == nil {
				joined <- nil
				return
			}
		}
	}()

	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)
	close(stop)
	require.NoError(t, <-joined)

	assert.Equal(t, "H", snap.HostID)
	got, err := store.GetSessionByCode("RACE00")
	require.NoError(t, err)
	require.NotEmpty(t, got.Members)
	assert.Equal(t, "H", got.Members[0].ID)
	assert.Equal(t, "H", got.HostID)
	assert.Equal(t, 1, hostCount(got))
}

func TestLeaveIfUnbound(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)
	_, err = store.Join(ctx, snap.Code, player("P"))
	require.NoError(t, err)

	lob, err := store.Get(snap.Code)
	require.NoError(t, err)
	res, err := store.LeaveIfUnbound(ctx, snap.Code, "P", func() bool {
		assert.False(t, lob.Mu.TryLock(), "liveness is checked under the lobby lock")
		return true
	})
	require.NoError(t, err)
	assert.False(t, res.Removed)
	assert.Len(t, res.Snapshot.Members, 2)

	res, err = store.LeaveIfUnbound(ctx, snap.Code, "P", func() bool { return false })
	require.NoError(t, err)
	assert.True(t, res.Removed)

	_, err = store.LeaveIfUnbound(ctx, snap.Code, "P", func() bool { return false })
	assert.ErrorIs(t, err, errs.ErrNotMember)

	res, err = store.LeaveIfUnbound(ctx, snap.Code, "H", func() bool { return false })
	require.NoError(t, err)
	assert.True(t, res.Closed)
	_, err = store.GetSessionByCode(snap.Code)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestLeaveNonMember(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)

	_, err = store.Leave(ctx, snap.Code, "ghost")
	assert.ErrorIs(t, err, errs.ErrNotMember)
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)
	code := snap.Code
	_, err = store.Join(ctx, code, player("P"))
	require.NoError(t, err)

	seven := 7
	_, err = store.UpdateSettings(code, models.SettingsPatch{ArticlesNumber: &seven}, "P")
	assert.ErrorIs(t, err, errs.ErrNotHost)

	for _, bad := range []models.SettingsPatch{
		{ArticlesNumber: intPtr(1)},
		{ArticlesNumber: intPtr(101)},
		{TimeLimit: models.Limit(0)},
		{MaxPlayers: models.Limit(1)},
	} {
		_, err = store.UpdateSettings(code, bad, "H")
		assert.ErrorIs(t, err, errs.ErrInvalidSettings)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	}

	// partial patches merge field by field
	updated, err := store.UpdateSettings(code, models.SettingsPatch{TimeLimit: models.Limit(90)}, "H")
	require.NoError(t, err)
	updated, err = store.UpdateSettings(code, models.SettingsPatch{ArticlesNumber: &seven}, "H")
	require.NoError(t, err)
	require.NotNil(t, updated.Settings.TimeLimit)
	assert.Equal(t, 90, *updated.Settings.TimeLimit)
	assert.Equal(t, 7, updated.Settings.ArticlesNumber)

	// max_players cannot drop below current membership
	_, err = store.UpdateSettings(code, models.SettingsPatch{MaxPlayers: models.Limit(2)}, "H")
	require.NoError(t, err)
	_, err = store.Join(ctx, code, player("Q"))
	assert.ErrorIs(t, err, errs.ErrSessionFull)
}

func TestMaxPlayersBelowMembersRejected(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)
	for _, id := range []string{"P", "Q"} {
		_, err = store.Join(ctx, snap.Code, player(id))
		require.NoError(t, err)
	}
	_, err = store.UpdateSettings(snap.Code, models.SettingsPatch{MaxPlayers: models.Limit(2)}, "H")
	assert.ErrorIs(t, err, errs.ErrInvalidSettings)
}

func TestKickAllowsRejoinBanDoesNot(t *testing.T) {
	ctx := context.Background()
	store, mod := newTestStore()
	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)
	code := snap.Code
	for _, id := range []string{"K", "B"} {
		_, err = store.Join(ctx, code, player(id))
		require.NoError(t, err)
	}

	_, err = store.Kick(ctx, code, "K", "B", "not host")
	assert.ErrorIs(t, err, errs.ErrNotHost)
	_, err = store.Kick(ctx, code, "H", "H", "self")
	assert.ErrorIs(t, err, errs.ErrInvalidTarget)

	res, err := store.Kick(ctx, code, "H", "K", "afk")
	require.NoError(t, err)
	assert.True(t, res.Removed)
	_, present := res.Snapshot.Member("K")
	assert.False(t, present)
	require.Len(t, mod.Kicks(code), 1)
	assert.Equal(t, "afk", mod.Kicks(code)[0].Reason)

	_, err = store.Join(ctx, code, player("K"))
	assert.NoError(t, err, "a kicked player may rejoin")

	res, err = store.Ban(ctx, code, "H", "B", "cheating")
	require.NoError(t, err)
	assert.True(t, res.Removed)

	_, err = store.Join(ctx, code, player("B"))
	assert.ErrorIs(t, err, errs.ErrPlayerBanned)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))
	assert.Contains(t, err.Error(), "cheating")
}

func TestRecordBanBlocksJoin(t *testing.T) {
	ctx := context.Background()
	store, mod := newTestStore()
	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)

	require.NoError(t, mod.RecordBan(ctx, snap.Code, "P", "reason"))
	_, err = store.Join(ctx, snap.Code, player("P"))
	assert.ErrorIs(t, err, errs.ErrPlayerBanned)

	require.NoError(t, mod.RecordKick(ctx, snap.Code, "Q", "reason"))
	_, err = store.Join(ctx, snap.Code, player("Q"))
	assert.NoError(t, err)
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)
	code := snap.Code

	_, err = store.Start(code, "H")
	assert.ErrorIs(t, err, errs.ErrNotEnough)

	_, err = store.Join(ctx, code, player("P"))
	require.NoError(t, err)
	_, err = store.Start(code, "P")
	assert.ErrorIs(t, err, errs.ErrNotHost)

	started, err := store.Start(code, "H")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, started.Status)

	_, err = store.Start(code, "H")
	assert.ErrorIs(t, err, errs.ErrAlreadyStarted)

	_, err = store.Join(ctx, code, player("late"))
	assert.ErrorIs(t, err, errs.ErrAlreadyStarted)
	_, err = store.Join(ctx, code, player("P"))
	assert.NoError(t, err, "members reconnecting mid-game are let back in")
}

func TestRenameAndPicture(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{})
	require.NoError(t, err)

	m, err := store.Rename(snap.Code, "H", "Captain")
	require.NoError(t, err)
	assert.Equal(t, "Captain", m.Pseudo)

	_, err = store.Rename(snap.Code, "H", "")
	assert.ErrorIs(t, err, errs.ErrInvalidPayload)
	_, err = store.Rename(snap.Code, "ghost", "x")
	assert.ErrorIs(t, err, errs.ErrNotMember)

	m, err = store.ChangePicture(snap.Code, "H", "/pp/cat.png", "")
	require.NoError(t, err)
	assert.Equal(t, "/pp/cat.png", m.PP)
	assert.Equal(t, "#ffffff", m.PPColor, "empty color keeps the previous one")
}

func TestListFiltersPrivateAndStarted(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	pub, err := store.CreateSession(ctx, player("A"), models.SettingsPatch{})
	require.NoError(t, err)
	private := models.VisibilityPrivate
	_, err = store.CreateSession(ctx, player("B"), models.SettingsPatch{Visibility: &private})
	require.NoError(t, err)

	assert.Len(t, store.List(false), 2)
	listed := store.List(true)
	require.Len(t, listed, 1)
	assert.Equal(t, pub.Code, listed[0].Code)
}

func TestCloseIdle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store, _ := newTestStore(WithClock(clock))

	var closed []string
	store.OnClosed(func(code string) { closed = append(closed, code) })

	old, err := store.CreateSession(ctx, player("A"), models.SettingsPatch{})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	fresh, err := store.CreateSession(ctx, player("B"), models.SettingsPatch{})
	require.NoError(t, err)

	codes := store.CloseIdle(ctx, 30*time.Minute)
	assert.Equal(t, []string{old.Code}, codes)
	assert.Equal(t, []string{old.Code}, closed)

	_, err = store.GetSessionByCode(fresh.Code)
	assert.NoError(t, err)
	_, err = store.Join(ctx, old.Code, player("C"))
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

// TestConcurrentJoinsRespectCapacity hammers a small lobby from many goroutines
// and checks the capacity and single-host invariants hold.
func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	snap, err := store.CreateSession(ctx, player("H"), models.SettingsPatch{MaxPlayers: models.Limit(4)})
	require.NoError(t, err)
	code := snap.Code

	var wg sync.WaitGroup
	var mu sync.Mutex
	full := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Join(ctx, code, player(fmt.Sprintf("p%d", i)))
			if err != nil {
				assert.ErrorIs(t, err, errs.ErrSessionFull)
				mu.Lock()
				full++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	final, err := store.GetSessionByCode(code)
	require.NoError(t, err)
	assert.Len(t, final.Members, 4)
	assert.Equal(t, 47, full)
	assert.Equal(t, 1, hostCount(final))
}

// TestRandomJoinLeaveSequencesKeepInvariants interleaves joins and leaves and
// checks capacity and host uniqueness after every step.
func TestRandomJoinLeaveSequencesKeepInvariants(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	snap, err := store.CreateSession(ctx, player("p0"), models.SettingsPatch{MaxPlayers: models.Limit(3)})
	require.NoError(t, err)
	code := snap.Code

	ops := []struct {
		join bool
		id   string
	}{
		{true, "p1"}, {true, "p2"}, {true, "p3"}, {false, "p0"}, {true, "p3"},
		{false, "p2"}, {true, "p4"}, {true, "p1"}, {false, "p1"}, {false, "p3"},
		{true, "p5"}, {false, "p4"},
	}
	for _, op := range ops {
		if op.join {
			_, _ = store.Join(ctx, code, player(op.id))
		} else {
			_, _ = store.Leave(ctx, code, op.id)
		}
		cur, err := store.GetSessionByCode(code)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(cur.Members), 3)
		assert.Equal(t, 1, hostCount(cur), "after %+v", op)
	}
}

func intPtr(v int) *int { return &v }
