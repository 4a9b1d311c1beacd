package pool_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"

	"github.com/3cpo-dev/voicepool/internal/gateway"
	"github.com/3cpo-dev/voicepool/internal/gateway/memory"
	"github.com/3cpo-dev/voicepool/internal/pool"
	"github.com/3cpo-dev/voicepool/internal/telemetry"
)

// recordingJournal captures journal entries in memory
type recordingJournal struct {
	mu      sync.Mutex
	entries []pool.JournalEntry
}

func (j *recordingJournal) Append(ctx context.Context, e pool.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *recordingJournal) count(action string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func newPool(t *testing.T, opts ...pool.Option) (*memory.Gateway, string, *pool.Manager) {
	t.Helper()
	gw := memory.New()
	category := gw.AddCategory("voice")
	mgr := pool.New(gw, category, opts...)
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return gw, category, mgr
}

// fill puts n members into channel and reports the join for each.
func fill(t *testing.T, gw *memory.Gateway, mgr *pool.Manager, channel string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		gw.Join(fmt.Sprintf("%s-u%d", channel, i), channel)
		if err := mgr.OnJoin(context.Background(), channel); err != nil {
			t.Fatalf("OnJoin failed: %v", err)
		}
	}
}

// TestInitializeEmptyContainer tests bootstrap of an empty category
func TestInitializeEmptyContainer(t *testing.T) {
	journal := &recordingJournal{}
	gw, category, mgr := newPool(t, pool.WithJournal(journal))

	channels := gw.Channels(category)
	if len(channels) != 5 {
		t.Fatalf("expected 5 channels, got %d", len(channels))
	}
	for _, tier := range pool.Tiers() {
		refs := mgr.State().Refs(tier)
		if len(refs) != 1 {
			t.Fatalf("tier %s: expected 1 channel, got %d", tier, len(refs))
		}
		ch, err := gw.Channel(context.Background(), refs[0])
		if err != nil {
			t.Fatalf("channel lookup: %v", err)
		}
		if ch.UserLimit != tier.UserLimit() {
			t.Errorf("tier %s: limit %d, want %d", tier, ch.UserLimit, tier.UserLimit())
		}
		if ch.Name != pool.ChannelName(tier) || ch.Kind != gateway.KindVoice {
			t.Errorf("tier %s: unexpected channel %+v", tier, ch)
		}
	}
	if !mgr.Ready() {
		t.Fatalf("manager should be ready")
	}
	if err := mgr.State().Check(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if gw.Reorders() != 1 {
		t.Errorf("expected 1 reorder, got %d", gw.Reorders())
	}
	if n := journal.count(pool.ActionCreated); n != 5 {
		t.Errorf("expected 5 journaled creations, got %d", n)
	}
}

// TestInitializeAdoptsExisting tests that existing tier channels are reused
func TestInitializeAdoptsExisting(t *testing.T) {
	gw := memory.New()
	category := gw.AddCategory("voice")
	four := gw.AddChannel(gateway.Channel{Name: "old squad 4", Kind: gateway.KindVoice, ParentID: category, UserLimit: 4})
	gw.AddChannel(gateway.Channel{Name: "chat 4", Kind: gateway.KindText, ParentID: category})
	gw.AddChannel(gateway.Channel{Name: "Lobby", Kind: gateway.KindVoice, ParentID: category})
	gw.AddChannel(gateway.Channel{Name: "elsewhere 2", Kind: gateway.KindVoice, ParentID: "other"})

	mgr := pool.New(gw, category)
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	refs := mgr.State().Refs(pool.Four)
	if len(refs) != 1 || refs[0] != four.ID {
		t.Fatalf("expected adopted channel %s, got %v", four.ID, refs)
	}
	voice := 0
	for _, ch := range gw.Channels(category) {
		if ch.Kind == gateway.KindVoice {
			voice++
		}
	}
	// Lobby plus one channel per tier
	if voice != 6 {
		t.Fatalf("expected 6 voice channels, got %d", voice)
	}
}

// TestInitializeConfigurationErrors tests unusable containers
func TestInitializeConfigurationErrors(t *testing.T) {
	gw := memory.New()
	text := gw.AddChannel(gateway.Channel{Name: "general", Kind: gateway.KindText})

	for _, id := range []string{"999", text.ID} {
		err := pool.New(gw, id).Initialize(context.Background())
		var cfgErr *pool.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("container %s: expected ConfigurationError, got %v", id, err)
		}
		if cfgErr.ContainerID != id {
			t.Errorf("unexpected container id %q", cfgErr.ContainerID)
		}
	}
}

// TestInitializeBootstrapFailure tests that remote failures during bootstrap are fatal
func TestInitializeBootstrapFailure(t *testing.T) {
	boom := errors.New("boom")
	for _, op := range []string{"list", "create", "container"} {
		gw := memory.New()
		category := gw.AddCategory("voice")
		gw.FailOn(op, boom)

		mgr := pool.New(gw, category)
		err := mgr.Initialize(context.Background())
		var bootErr *pool.BootstrapError
		if !errors.As(err, &bootErr) {
			t.Fatalf("%s: expected BootstrapError, got %v", op, err)
		}
		if !errors.Is(err, boom) {
			t.Errorf("%s: error should wrap cause", op)
		}
		if mgr.Ready() {
			t.Errorf("%s: manager must not be ready", op)
		}
	}
}

// TestInitializeReorderFailureIsTolerated tests that display order failures are not fatal
func TestInitializeReorderFailureIsTolerated(t *testing.T) {
	gw := memory.New()
	category := gw.AddCategory("voice")
	gw.FailOn("reorder", errors.New("forbidden"))

	mgr := pool.New(gw, category)
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !mgr.Ready() {
		t.Fatalf("manager should be ready")
	}
}

// TestScaleUpWhenTierFull tests that a full channel gets a new spare
func TestScaleUpWhenTierFull(t *testing.T) {
	collector := telemetry.NewCollector(true, 0)
	gw, _, mgr := newPool(t, pool.WithMetrics(collector))
	first := mgr.State().Refs(pool.Four)[0]

	for i := 0; i < 4; i++ {
		gw.Join(fmt.Sprintf("u%d", i), first)
	}
	if err := mgr.OnJoin(context.Background(), first); err != nil {
		t.Fatalf("OnJoin failed: %v", err)
	}

	refs := mgr.State().Refs(pool.Four)
	if len(refs) != 2 || refs[0] != first {
		t.Fatalf("expected a second channel appended, got %v", refs)
	}
	ch, err := gw.Channel(context.Background(), refs[1])
	if err != nil {
		t.Fatalf("new channel missing: %v", err)
	}
	if ch.UserLimit != 4 || ch.Name != pool.ChannelName(pool.Four) {
		t.Fatalf("unexpected new channel %+v", ch)
	}
	if v, _ := collector.Value("voicepool_channels_created_total", map[string]string{"tier": "four"}); v != 2 {
		t.Errorf("expected 2 created four channels, got %v", v)
	}
	if v, _ := collector.Value("voicepool_channels", map[string]string{"tier": "four"}); v != 2 {
		t.Errorf("expected gauge 2, got %v", v)
	}
}

// TestJoinWithSpareIsNoop tests that an existing empty channel suppresses scale-up
func TestJoinWithSpareIsNoop(t *testing.T) {
	gw, _, mgr := newPool(t)
	first := mgr.State().Refs(pool.Four)[0]
	fill(t, gw, mgr, first, 1)
	if mgr.State().Len(pool.Four) != 2 {
		t.Fatalf("expected spare after first join, got %d", mgr.State().Len(pool.Four))
	}

	fill(t, gw, mgr, first, 2)
	if mgr.State().Len(pool.Four) != 2 {
		t.Fatalf("spare exists, expected no new channel, got %d", mgr.State().Len(pool.Four))
	}
}

// TestScaleDownToOne tests deletion of an emptied channel
func TestScaleDownToOne(t *testing.T) {
	gw, _, mgr := newPool(t)
	first := mgr.State().Refs(pool.Four)[0]
	fill(t, gw, mgr, first, 4)
	refs := mgr.State().Refs(pool.Four)
	if len(refs) != 2 {
		t.Fatalf("expected 2 channels, got %v", refs)
	}
	spare := refs[1]

	for i := 0; i < 4; i++ {
		gw.Leave(fmt.Sprintf("%s-u%d", first, i))
		if err := mgr.OnLeave(context.Background(), first); err != nil {
			t.Fatalf("OnLeave failed: %v", err)
		}
		if i < 3 && mgr.State().Len(pool.Four) != 2 {
			t.Fatalf("partial leave must not delete")
		}
	}

	refs = mgr.State().Refs(pool.Four)
	if len(refs) != 1 || refs[0] != spare {
		t.Fatalf("expected only spare %s to remain, got %v", spare, refs)
	}
	if _, err := gw.Channel(context.Background(), first); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("emptied channel should be deleted, got %v", err)
	}
}

// TestLastChannelIsKept tests the protected minimum
func TestLastChannelIsKept(t *testing.T) {
	gw, _, mgr := newPool(t)
	only := mgr.State().Refs(pool.Three)[0]

	gw.Join("u1", only)
	gw.Leave("u1")
	if err := mgr.OnLeave(context.Background(), only); err != nil {
		t.Fatalf("OnLeave failed: %v", err)
	}
	if mgr.State().Len(pool.Three) != 1 {
		t.Fatalf("last channel removed from pool")
	}
	if _, err := gw.Channel(context.Background(), only); err != nil {
		t.Fatalf("last channel deleted remotely: %v", err)
	}
}

// TestUnmanagedChannelLeavesStateUnchanged tests idempotence for unmanaged events
func TestUnmanagedChannelLeavesStateUnchanged(t *testing.T) {
	gw, category, mgr := newPool(t)
	lobby := gw.AddChannel(gateway.Channel{Name: "Lobby", Kind: gateway.KindVoice, ParentID: category})
	outside := gw.AddChannel(gateway.Channel{Name: "🔊voice 4", Kind: gateway.KindVoice, ParentID: "other"})
	text := gw.AddChannel(gateway.Channel{Name: "chat 2", Kind: gateway.KindText, ParentID: category})
	before := mgr.State().Snapshot()
	reorders := gw.Reorders()

	ctx := context.Background()
	for _, id := range []string{lobby.ID, outside.ID, text.ID} {
		gw.Join("u", id)
		if err := mgr.OnJoin(ctx, id); err != nil {
			t.Fatalf("OnJoin(%s): %v", id, err)
		}
		gw.Leave("u")
		if err := mgr.OnLeave(ctx, id); err != nil {
			t.Fatalf("OnLeave(%s): %v", id, err)
		}
	}

	if !reflect.DeepEqual(before, mgr.State().Snapshot()) {
		t.Fatalf("state changed: %v -> %v", before, mgr.State().Snapshot())
	}
	if gw.Reorders() != reorders {
		t.Fatalf("unmanaged events must not resync")
	}
	if _, err := gw.Channel(ctx, outside.ID); err != nil {
		t.Fatalf("channel outside the category was touched: %v", err)
	}
}

// TestTierCapIsHonored tests that scale-up stops at MaxChannelsPerTier
func TestTierCapIsHonored(t *testing.T) {
	gw, _, mgr := newPool(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		var target string
		for _, ref := range mgr.State().Refs(pool.Two) {
			members, _ := gw.Members(ctx, ref)
			if len(members) < 2 {
				target = ref
				break
			}
		}
		if target == "" {
			break
		}
		gw.Join(fmt.Sprintf("u%d", i), target)
		if err := mgr.OnJoin(ctx, target); err != nil {
			t.Fatalf("OnJoin failed: %v", err)
		}
	}

	if n := mgr.State().Len(pool.Two); n != pool.MaxChannelsPerTier {
		t.Fatalf("expected %d channels, got %d", pool.MaxChannelsPerTier, n)
	}
	if err := mgr.State().Check(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

// TestConcurrentJoinsMayOverProvision tests the accepted join/join race and its recovery
func TestConcurrentJoinsMayOverProvision(t *testing.T) {
	gw, _, mgr := newPool(t)
	ctx := context.Background()
	first := mgr.State().Refs(pool.Four)[0]
	for i := 0; i < 4; i++ {
		gw.Join(fmt.Sprintf("u%d", i), first)
	}

	// both handlers finish the spare search before either creates
	var arrived sync.WaitGroup
	arrived.Add(2)
	gw.BeforeCreate = func() {
		arrived.Done()
		arrived.Wait()
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- mgr.OnJoin(ctx, first)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("OnJoin failed: %v", err)
		}
	}
	gw.BeforeCreate = nil

	refs := mgr.State().Refs(pool.Four)
	if len(refs) != 3 {
		t.Fatalf("expected over-provisioned tier of 3, got %v", refs)
	}
	if err := mgr.State().Check(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	// a visitor passing through one spare shrinks the pool again
	extra := refs[2]
	gw.Join("visitor", extra)
	gw.Leave("visitor")
	if err := mgr.OnLeave(ctx, extra); err != nil {
		t.Fatalf("OnLeave failed: %v", err)
	}
	if n := mgr.State().Len(pool.Four); n != 2 {
		t.Fatalf("expected 2 channels after recovery, got %d", n)
	}
}

// TestSteadyStateCreateFailure tests that a failed create aborts only the handler
func TestSteadyStateCreateFailure(t *testing.T) {
	journal := &recordingJournal{}
	gw, _, mgr := newPool(t, pool.WithJournal(journal))
	first := mgr.State().Refs(pool.Five)[0]
	gw.FailOn("create", errors.New("rate limited"))

	gw.Join("u1", first)
	if err := mgr.OnJoin(context.Background(), first); err == nil {
		t.Fatalf("expected create failure to be reported")
	}
	if mgr.State().Len(pool.Five) != 1 {
		t.Fatalf("state must be unchanged after failed create")
	}
	if journal.count(pool.ActionHandlerFailed) != 1 {
		t.Fatalf("expected failure to be journaled")
	}

	gw.FailOn("create", nil)
	if err := mgr.OnJoin(context.Background(), first); err != nil {
		t.Fatalf("OnJoin failed: %v", err)
	}
	if mgr.State().Len(pool.Five) != 2 {
		t.Fatalf("next event should create the spare")
	}
}

// TestSteadyStateDeleteFailureNoRollback tests that a failed delete keeps the release
func TestSteadyStateDeleteFailureNoRollback(t *testing.T) {
	gw, _, mgr := newPool(t)
	first := mgr.State().Refs(pool.Two)[0]
	fill(t, gw, mgr, first, 1)
	gw.Leave(first + "-u0")
	gw.FailOn("delete", errors.New("gateway timeout"))

	if err := mgr.OnLeave(context.Background(), first); err == nil {
		t.Fatalf("expected delete failure to be reported")
	}
	if mgr.State().Len(pool.Two) != 1 {
		t.Fatalf("release must not be rolled back")
	}
	if _, err := gw.Channel(context.Background(), first); err != nil {
		t.Fatalf("channel should still exist remotely: %v", err)
	}
}

// TestJoinMembersFailureCreatesNothing tests that unknown occupancy never grows a tier
func TestJoinMembersFailureCreatesNothing(t *testing.T) {
	journal := &recordingJournal{}
	gw, category, mgr := newPool(t, pool.WithJournal(journal))
	first := mgr.State().Refs(pool.Four)[0]
	gw.Join("u1", first)
	gw.FailOn("members", errors.New("gateway down"))

	for i := 0; i < pool.MaxChannelsPerTier; i++ {
		if err := mgr.OnJoin(context.Background(), first); err == nil {
			t.Fatalf("join %d: expected members failure to be reported", i)
		}
	}
	if n := mgr.State().Len(pool.Four); n != 1 {
		t.Fatalf("expected tier to stay at 1 channel, got %d", n)
	}
	if n := len(gw.Channels(category)); n != 5 {
		t.Fatalf("expected no remote channels created, got %d", n)
	}
	if journal.count(pool.ActionHandlerFailed) != pool.MaxChannelsPerTier {
		t.Fatalf("expected every failure to be journaled")
	}

	gw.FailOn("members", nil)
	if err := mgr.OnJoin(context.Background(), first); err != nil {
		t.Fatalf("OnJoin failed: %v", err)
	}
	if mgr.State().Len(pool.Four) != 2 {
		t.Fatalf("spare should be created once occupancy is known")
	}
}

// TestLeaveMembersFailureDeletesNothing tests that unknown occupancy never shrinks a tier
func TestLeaveMembersFailureDeletesNothing(t *testing.T) {
	gw, _, mgr := newPool(t)
	first := mgr.State().Refs(pool.Three)[0]
	fill(t, gw, mgr, first, 1)
	gw.Leave(first + "-u0")
	gw.FailOn("members", errors.New("gateway down"))

	if err := mgr.OnLeave(context.Background(), first); err == nil {
		t.Fatalf("expected members failure to be reported")
	}
	if mgr.State().Len(pool.Three) != 2 {
		t.Fatalf("state must be unchanged after failed lookup")
	}
	if _, err := gw.Channel(context.Background(), first); err != nil {
		t.Fatalf("channel should not be deleted: %v", err)
	}
}

// TestScaleUpReorderFailureIsTolerated tests that a failed sort does not fail the join
func TestScaleUpReorderFailureIsTolerated(t *testing.T) {
	journal := &recordingJournal{}
	gw, _, mgr := newPool(t, pool.WithJournal(journal))
	first := mgr.State().Refs(pool.Two)[0]
	gw.FailOn("reorder", errors.New("missing permissions"))

	gw.Join("u1", first)
	gw.Join("u2", first)
	if err := mgr.OnJoin(context.Background(), first); err != nil {
		t.Fatalf("OnJoin should tolerate reorder failure: %v", err)
	}
	if mgr.State().Len(pool.Two) != 2 {
		t.Fatalf("expected spare to be created")
	}
	if journal.count(pool.ActionResyncFailed) != 1 {
		t.Fatalf("expected resync failure to be journaled")
	}
	if journal.count(pool.ActionHandlerFailed) != 0 {
		t.Fatalf("reorder failure must not count as a handler failure")
	}
}

// TestSortPositions tests the ordering law
func TestSortPositions(t *testing.T) {
	channels := []gateway.Channel{
		{ID: "a", Kind: gateway.KindVoice, UserLimit: 4},
		{ID: "b", Kind: gateway.KindVoice, UserLimit: 0},
		{ID: "t", Kind: gateway.KindText},
		{ID: "c", Kind: gateway.KindVoice, UserLimit: 2},
		{ID: "d", Kind: gateway.KindVoice, UserLimit: 4},
		{ID: "e", Kind: gateway.KindVoice, UserLimit: 0},
		{ID: "f", Kind: gateway.KindVoice, UserLimit: 5},
	}
	got := pool.SortPositions(channels)
	want := []string{"b", "e", "c", "a", "d", "f"}
	if len(got) != len(want) {
		t.Fatalf("expected %d positions, got %d", len(want), len(got))
	}
	for i, p := range got {
		if p.ID != want[i] || p.Position != i {
			t.Errorf("position %d: got %+v, want %s", i, p, want[i])
		}
	}
}

// TestResyncOrdersContainer tests that the remote order follows capacity after scaling
func TestResyncOrdersContainer(t *testing.T) {
	gw, category, mgr := newPool(t)
	fill(t, gw, mgr, mgr.State().Refs(pool.Three)[0], 3)
	fill(t, gw, mgr, mgr.State().Refs(pool.Unlimited)[0], 1)

	prev := -1
	for _, ch := range gw.Channels(category) {
		if ch.Kind != gateway.KindVoice {
			continue
		}
		if ch.UserLimit < prev {
			t.Fatalf("channel %s (limit %d) sorted after limit %d", ch.ID, ch.UserLimit, prev)
		}
		prev = ch.UserLimit
	}
}

// TestRandomEventsKeepInvariants tests the pool bounds over a long event sequence
func TestRandomEventsKeepInvariants(t *testing.T) {
	gw, category, mgr := newPool(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	placed := map[string]string{}
	tiers := pool.Tiers()

	for step := 0; step < 500; step++ {
		if len(placed) > 0 && rng.Intn(2) == 0 {
			for user, ch := range placed {
				gw.Leave(user)
				delete(placed, user)
				if err := mgr.OnLeave(ctx, ch); err != nil {
					t.Fatalf("step %d: OnLeave: %v", step, err)
				}
				break
			}
		} else {
			tier := tiers[rng.Intn(len(tiers))]
			var target string
			for _, ref := range mgr.State().Refs(tier) {
				members, _ := gw.Members(ctx, ref)
				if limit, ok := tier.Limit(); !ok || len(members) < limit {
					target = ref
					break
				}
			}
			if target == "" {
				continue
			}
			user := fmt.Sprintf("u%d", step)
			gw.Join(user, target)
			placed[user] = target
			if err := mgr.OnJoin(ctx, target); err != nil {
				t.Fatalf("step %d: OnJoin: %v", step, err)
			}
		}

		if err := mgr.State().Check(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}

	// every tracked channel exists remotely
	remote := map[string]bool{}
	for _, ch := range gw.Channels(category) {
		remote[ch.ID] = true
	}
	for tier, refs := range mgr.State().Snapshot() {
		for _, ref := range refs {
			if !remote[ref] {
				t.Errorf("tier %s tracks missing channel %s", tier, ref)
			}
		}
	}
}
