package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/aaronwang/live-auction/internal/broadcast"
	"github.com/aaronwang/live-auction/internal/ledger"
	"github.com/aaronwang/live-auction/internal/models"
	natsArchive "github.com/aaronwang/live-auction/internal/nats"
	"github.com/aaronwang/live-auction/internal/pool"
)

// recorder is a Publisher that keeps every event it receives
type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(typ models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// announcements collects announcer text
type announcements struct {
	mu    sync.Mutex
	texts []string
}

func (a *announcements) Announce(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
}

type testAuction struct {
	svc *Service
	rec *recorder
	hub *broadcast.Manager
}

func newTestAuction(t *testing.T, window time.Duration, capitals map[string]int64, items ...string) *testAuction {
	t.Helper()
	ctx := context.Background()

	l := ledger.New()
	for bidder, capital := range capitals {
		_, err := l.Open(bidder, capital)
		assert.NoError(t, err)
	}

	rec := &recorder{}
	hub := broadcast.NewManager(1024)
	settings := Settings{BasePrice: 25, InitialCapital: 1000, Window: window}
	svc := NewService(settings, l, pool.New(nil), hub, &announcements{}, rec)
	t.Cleanup(func() { svc.timer.Stop() })

	for _, name := range items {
		_, err := svc.AddItem(ctx, &models.Item{Name: name, Category: "batter"})
		assert.NoError(t, err)
	}
	return &testAuction{svc: svc, rec: rec, hub: hub}
}

func account(t *testing.T, svc *Service, bidder string) *models.BidderAccount {
	t.Helper()
	acc, err := svc.Account(bidder)
	assert.NoError(t, err)
	return acc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestStartAuction_OpensRound(t *testing.T) {
	ta := newTestAuction(t, time.Minute, nil, "Kohli")

	item, err := ta.svc.StartAuction(context.Background())
	assert.NoError(t, err)
	check.Equal(t, "Kohli", item.Name)
	check.Equal(t, models.ItemStatusActive, item.Status)

	state := ta.svc.State()
	check.True(t, state.Active)
	check.Equal(t, int64(25), state.HighestBid)
	check.Equal(t, "", state.HighestBidder)
	check.False(t, state.Deadline.IsZero())
	check.Equal(t, 0, state.PendingCount)

	started := ta.rec.ofType(models.EventAuctionStarted)
	assert.Equal(t, 1, len(started))
	payload := started[0].Payload.(models.AuctionStartedPayload)
	check.Equal(t, int64(25), payload.BasePrice)
	check.Equal(t, "Kohli", payload.Item.Name)
}

func TestStartAuction_EmptyPool(t *testing.T) {
	ta := newTestAuction(t, time.Minute, nil)

	_, err := ta.svc.StartAuction(context.Background())
	check.True(t, errors.Is(err, ErrNothingToAuction))
	check.True(t, errors.Is(err, pool.ErrPoolEmpty))
	check.False(t, ta.svc.State().Active)
}

func TestStartAuction_AlreadyActive(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, time.Minute, nil, "Kohli", "Dhoni")

	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)

	_, err = ta.svc.StartAuction(ctx)
	check.True(t, errors.Is(err, ErrAuctionAlreadyActive))

	// the second call must not draw another item
	check.Equal(t, 1, ta.svc.State().PendingCount)
	check.Equal(t, 1, len(ta.rec.ofType(models.EventAuctionStarted)))
}

func TestSubmitBid_OutbidScenario(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, time.Minute, map[string]int64{"A": 1000, "B": 500}, "Kohli")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)

	resp, err := ta.svc.SubmitBid(ctx, "A", 30)
	assert.NoError(t, err)
	check.True(t, resp.Success)
	check.Equal(t, int64(30), resp.CurrentBid)
	a := account(t, ta.svc, "A")
	check.Equal(t, int64(970), a.Capital)
	check.Equal(t, int64(30), a.Reserved)
	check.Equal(t, int64(30), ta.svc.State().HighestBid)

	resp, err = ta.svc.SubmitBid(ctx, "B", 30)
	check.True(t, errors.Is(err, ledger.ErrBidTooLow))
	check.False(t, resp.Success)
	check.Equal(t, ReasonBidTooLow, resp.Reason)
	check.Equal(t, int64(500), account(t, ta.svc, "B").Capital)
	check.Equal(t, "A", ta.svc.State().HighestBidder)
	check.Equal(t, 1, len(ta.rec.ofType(models.EventNewBid)))

	_, err = ta.svc.SubmitBid(ctx, "B", 40)
	assert.NoError(t, err)
	a = account(t, ta.svc, "A")
	b := account(t, ta.svc, "B")
	check.Equal(t, int64(1000), a.Capital)
	check.Equal(t, int64(0), a.Reserved)
	check.Equal(t, int64(460), b.Capital)
	check.Equal(t, int64(40), b.Reserved)

	bids := ta.rec.ofType(models.EventNewBid)
	assert.Equal(t, 2, len(bids))
	last := bids[1].Payload.(models.NewBidPayload)
	check.Equal(t, "B", last.Bidder)
	check.Equal(t, int64(40), last.Amount)
	check.Equal(t, int64(30), last.PreviousBid)
}

func TestSubmitBid_RejectionsLeaveState(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, time.Minute, map[string]int64{"A": 100}, "Kohli")

	resp, err := ta.svc.SubmitBid(ctx, "A", 30)
	check.True(t, errors.Is(err, ErrNoActiveAuction))
	check.Equal(t, ReasonNoActiveAuction, resp.Reason)

	_, err = ta.svc.StartAuction(ctx)
	assert.NoError(t, err)

	resp, err = ta.svc.SubmitBid(ctx, "A", 0)
	check.True(t, errors.Is(err, ErrInvalidBid))
	check.Equal(t, ReasonInvalidAmount, resp.Reason)

	resp, err = ta.svc.SubmitBid(ctx, "A", 25)
	check.True(t, errors.Is(err, ledger.ErrBidTooLow))
	check.Equal(t, ReasonBidTooLow, resp.Reason)

	resp, err = ta.svc.SubmitBid(ctx, "A", 101)
	check.True(t, errors.Is(err, ledger.ErrInsufficientFunds))
	check.Equal(t, ReasonInsufficientFunds, resp.Reason)

	resp, err = ta.svc.SubmitBid(ctx, "ghost", 50)
	check.True(t, errors.Is(err, ledger.ErrUnknownBidder))
	check.Equal(t, ReasonUnknownBidder, resp.Reason)

	state := ta.svc.State()
	check.Equal(t, int64(25), state.HighestBid)
	check.Equal(t, "", state.HighestBidder)
	check.Equal(t, 0, len(ta.rec.ofType(models.EventNewBid)))
	check.Equal(t, int64(100), account(t, ta.svc, "A").Capital)
}

func TestResolveSold_SettlesWinner(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, time.Minute, map[string]int64{"A": 1000, "B": 500}, "Kohli")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)
	_, err = ta.svc.SubmitBid(ctx, "A", 30)
	assert.NoError(t, err)
	_, err = ta.svc.SubmitBid(ctx, "B", 40)
	assert.NoError(t, err)

	item, err := ta.svc.ResolveSold(ctx)
	assert.NoError(t, err)
	check.Equal(t, models.ItemStatusSold, item.Status)
	check.Equal(t, "B", item.Winner)
	check.Equal(t, int64(40), item.FinalPrice)

	b := account(t, ta.svc, "B")
	check.Equal(t, int64(460), b.Capital)
	check.Equal(t, int64(0), b.Reserved)
	assert.Equal(t, 1, len(b.WonItems))
	check.Equal(t, int64(40), b.WonItems[0].FinalPrice)

	snap := ta.svc.AdminSnapshot()
	assert.Equal(t, 1, len(snap.Sold))
	check.Equal(t, "Kohli", snap.Sold[0].Name)
	check.Equal(t, 0, len(snap.Pending))
	check.Equal(t, 0, len(snap.Unsold))

	state := ta.svc.State()
	check.False(t, state.Active)
	check.True(t, state.Deadline.IsZero())

	ends := ta.rec.ofType(models.EventAuctionEnd)
	assert.Equal(t, 1, len(ends))
	end := ends[0].Payload.(models.AuctionEndPayload)
	check.Equal(t, "B", end.Winner)
	check.Equal(t, int64(40), end.Amount)
	check.Equal(t, models.ItemStatusSold, end.Status)
	check.Equal(t, 1, len(ta.rec.ofType(models.EventAdminUpdate)))
}

func TestResolve_SecondCallIsNoop(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, time.Minute, map[string]int64{"A": 1000}, "Kohli")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)
	_, err = ta.svc.SubmitBid(ctx, "A", 30)
	assert.NoError(t, err)
	_, err = ta.svc.ResolveSold(ctx)
	assert.NoError(t, err)

	_, err = ta.svc.ResolveSold(ctx)
	check.True(t, errors.Is(err, ErrNoActiveAuction))
	_, err = ta.svc.ResolveUnsold(ctx)
	check.True(t, errors.Is(err, ErrNoActiveAuction))
	check.False(t, ta.svc.CheckDeadline(ctx))

	a := account(t, ta.svc, "A")
	check.Equal(t, int64(970), a.Capital)
	check.Equal(t, int64(0), a.Reserved)
	check.Equal(t, 1, len(a.WonItems))
	check.Equal(t, 1, len(ta.rec.ofType(models.EventAuctionEnd)))
}

func TestResolve_Preconditions(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, time.Minute, map[string]int64{"A": 1000}, "Kohli")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)

	_, err = ta.svc.ResolveSold(ctx)
	check.True(t, errors.Is(err, ErrNoLeadingBid))

	_, err = ta.svc.SubmitBid(ctx, "A", 30)
	assert.NoError(t, err)
	_, err = ta.svc.ResolveUnsold(ctx)
	check.True(t, errors.Is(err, ErrLeadingBidExists))

	check.True(t, ta.svc.State().Active)
	check.Equal(t, int64(30), account(t, ta.svc, "A").Reserved)
}

func TestResolveUnsold_FilesItem(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, time.Minute, map[string]int64{"A": 1000}, "Kohli")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)

	item, err := ta.svc.ResolveUnsold(ctx)
	assert.NoError(t, err)
	check.Equal(t, models.ItemStatusUnsold, item.Status)
	check.Equal(t, "", item.Winner)

	snap := ta.svc.AdminSnapshot()
	assert.Equal(t, 1, len(snap.Unsold))
	check.Equal(t, "Kohli", snap.Unsold[0].Name)

	end := ta.rec.ofType(models.EventAuctionEnd)[0].Payload.(models.AuctionEndPayload)
	check.Equal(t, models.ItemStatusUnsold, end.Status)
	check.Equal(t, "", end.Winner)
}

func TestDeadline_ExpiresUnsoldWithoutBids(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, 30*time.Millisecond, map[string]int64{"A": 1000}, "Kohli")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)

	check.True(t, waitFor(t, 2*time.Second, func() bool { return !ta.svc.State().Active }))

	snap := ta.svc.AdminSnapshot()
	assert.Equal(t, 1, len(snap.Unsold))
	check.Equal(t, "Kohli", snap.Unsold[0].Name)
	a := account(t, ta.svc, "A")
	check.Equal(t, int64(1000), a.Capital)
	check.Equal(t, int64(0), a.Reserved)
}

func TestDeadline_ExpiresSoldToLeader(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, 60*time.Millisecond, map[string]int64{"A": 1000}, "Kohli")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)
	_, err = ta.svc.SubmitBid(ctx, "A", 30)
	assert.NoError(t, err)

	check.True(t, waitFor(t, 2*time.Second, func() bool { return !ta.svc.State().Active }))

	a := account(t, ta.svc, "A")
	check.Equal(t, int64(970), a.Capital)
	check.Equal(t, 1, len(a.WonItems))
	check.Equal(t, 1, len(ta.svc.AdminSnapshot().Sold))
}

func TestDeadline_BidRestartsWindow(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, 300*time.Millisecond, map[string]int64{"A": 1000, "B": 1000}, "Kohli")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)

	before := ta.svc.State().Deadline
	time.Sleep(200 * time.Millisecond)
	_, err = ta.svc.SubmitBid(ctx, "A", 26)
	assert.NoError(t, err)

	after := ta.svc.State()
	check.True(t, after.Deadline.After(before))

	// past the original deadline the round is still open
	time.Sleep(150 * time.Millisecond)
	check.True(t, ta.svc.State().Active)
	check.False(t, ta.svc.CheckDeadline(ctx))

	check.True(t, waitFor(t, 2*time.Second, func() bool { return !ta.svc.State().Active }))
	check.Equal(t, "A", ta.svc.AdminSnapshot().Sold[0].Winner)
}

func TestConcurrentEqualBids_ExactlyOneAccepted(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		ta := newTestAuction(t, time.Minute, map[string]int64{"A": 1000, "B": 1000, "C": 1000}, "Kohli")
		_, err := ta.svc.StartAuction(ctx)
		assert.NoError(t, err)
		_, err = ta.svc.SubmitBid(ctx, "C", 40)
		assert.NoError(t, err)

		var (
			wg      sync.WaitGroup
			errs    = make([]error, 2)
			bidders = []string{"A", "B"}
		)
		for j, bidder := range bidders {
			wg.Add(1)
			go func(j int, bidder string) {
				defer wg.Done()
				_, errs[j] = ta.svc.SubmitBid(ctx, bidder, 50)
			}(j, bidder)
		}
		wg.Wait()

		accepted := 0
		for _, err := range errs {
			if err == nil {
				accepted++
			} else {
				check.True(t, errors.Is(err, ledger.ErrBidTooLow))
			}
		}
		check.Equal(t, 1, accepted)

		var reserved int64
		for _, acc := range ta.svc.AdminSnapshot().Bidders {
			check.Equal(t, int64(1000), acc.Budget())
			reserved += acc.Reserved
		}
		check.Equal(t, int64(50), reserved)
	}
}

func TestConcurrentResolve_RunsOnce(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, time.Minute, map[string]int64{"A": 1000}, "Kohli")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)
	_, err = ta.svc.SubmitBid(ctx, "A", 30)
	assert.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ta.svc.ResolveSold(ctx); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				check.True(t, errors.Is(err, ErrNoActiveAuction))
			}
		}()
	}
	wg.Wait()

	check.Equal(t, 1, successes)
	a := account(t, ta.svc, "A")
	check.Equal(t, int64(970), a.Capital)
	check.Equal(t, 1, len(a.WonItems))
}

func TestEvents_SequencedInCommitOrder(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, time.Minute, map[string]int64{"A": 1000, "B": 1000}, "Kohli", "Dhoni")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)
	_, err = ta.svc.SubmitBid(ctx, "A", 30)
	assert.NoError(t, err)
	_, err = ta.svc.SubmitBid(ctx, "B", 35)
	assert.NoError(t, err)
	_, err = ta.svc.ResolveSold(ctx)
	assert.NoError(t, err)

	events := ta.rec.all()
	want := []models.EventType{
		models.EventItemAdded,
		models.EventItemAdded,
		models.EventAuctionStarted,
		models.EventNewBid,
		models.EventNewBid,
		models.EventAuctionEnd,
		models.EventAdminUpdate,
	}
	assert.Equal(t, len(want), len(events))
	for i, ev := range events {
		check.Equal(t, want[i], ev.Type)
		check.Equal(t, uint64(i+1), ev.Seq)
		check.NotEqual(t, "", ev.ID)
	}
}

func TestWatch_ReceivesStateThenLiveEvents(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, time.Minute, map[string]int64{"A": 1000}, "Kohli")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)

	sub := ta.svc.Watch("spectator")
	defer ta.svc.Unwatch(sub)

	first := <-sub.Send
	check.Equal(t, models.EventRoomState, first.Type)
	state := first.Payload.(models.RoomState)
	check.True(t, state.Active)
	check.Equal(t, "Kohli", state.Item.Name)

	_, err = ta.svc.SubmitBid(ctx, "A", 30)
	assert.NoError(t, err)

	var got []models.EventType
	for len(got) < 2 {
		select {
		case ev := <-sub.Send:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	check.Equal(t, models.EventObserverCount, got[0])
	check.Equal(t, models.EventNewBid, got[1])
}

func TestBudgetInvariant_AcrossRounds(t *testing.T) {
	ctx := context.Background()
	initial := map[string]int64{"A": 300, "B": 300}
	ta := newTestAuction(t, time.Minute, initial, "one", "two", "three")

	plays := []struct {
		bids map[string][]int64
		sell bool
	}{
		{bids: map[string][]int64{"A": {50, 90}, "B": {70}}, sell: true},
		{bids: map[string][]int64{}, sell: false},
		{bids: map[string][]int64{"B": {100}, "A": {120}}, sell: true},
	}

	for _, play := range plays {
		_, err := ta.svc.StartAuction(ctx)
		assert.NoError(t, err)
		for bidder, amounts := range play.bids {
			for _, amount := range amounts {
				_, _ = ta.svc.SubmitBid(ctx, bidder, amount)
			}
		}
		if play.sell {
			_, err = ta.svc.ResolveSold(ctx)
		} else {
			_, err = ta.svc.ResolveUnsold(ctx)
		}
		assert.NoError(t, err)

		for _, acc := range ta.svc.AdminSnapshot().Bidders {
			var spent int64
			for _, it := range acc.WonItems {
				spent += it.FinalPrice
			}
			check.Equal(t, initial[acc.Bidder]-spent, acc.Capital+acc.Reserved)
			check.Equal(t, int64(0), acc.Reserved)
		}
	}
}

func TestRegisterBidder_UsesInitialCapital(t *testing.T) {
	ta := newTestAuction(t, time.Minute, nil)

	acc, err := ta.svc.RegisterBidder(context.Background(), "bidder7")
	assert.NoError(t, err)
	check.Equal(t, int64(1000), acc.Capital)

	acc, err = ta.svc.RegisterBidder(context.Background(), "bidder7")
	assert.NoError(t, err)
	check.Equal(t, int64(1000), acc.Capital)
}

func TestAddItem_ValidationError(t *testing.T) {
	ta := newTestAuction(t, time.Minute, nil)

	_, err := ta.svc.AddItem(context.Background(), &models.Item{Name: "Kohli"})
	check.True(t, IsValidation(err))
	check.Equal(t, 0, len(ta.rec.ofType(models.EventItemAdded)))
}

type discardStream struct{}

func (discardStream) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	return &jetstream.PubAck{}, nil
}

func TestClose_StopsDeadlineBeforeMirrorsClose(t *testing.T) {
	ctx := context.Background()
	archiver := natsArchive.NewArchiver(discardStream{}, "auction.events", 8)
	svc := NewService(Settings{BasePrice: 25, InitialCapital: 1000, Window: 40 * time.Millisecond},
		ledger.New(), pool.New(nil), broadcast.NewManager(8), &announcements{}, archiver)
	_, err := svc.RegisterBidder(ctx, "A")
	assert.NoError(t, err)
	_, err = svc.AddItem(ctx, &models.Item{Name: "Kohli", Category: "batter"})
	assert.NoError(t, err)
	_, err = svc.StartAuction(ctx)
	assert.NoError(t, err)

	svc.Close()
	archiver.Close()

	time.Sleep(100 * time.Millisecond)
	check.False(t, svc.CheckDeadline(ctx))
	check.True(t, svc.State().Active)

	// commits after the archiver closed are dropped, not sent on a closed queue
	resp, err := svc.SubmitBid(ctx, "A", 30)
	assert.NoError(t, err)
	check.True(t, resp.Success)
	svc.Close()
}

func TestCheckDeadline_SettleFailureStopsTimer(t *testing.T) {
	ctx := context.Background()
	ta := newTestAuction(t, 40*time.Millisecond, map[string]int64{"A": 1000}, "Kohli")
	_, err := ta.svc.StartAuction(ctx)
	assert.NoError(t, err)
	_, err = ta.svc.SubmitBid(ctx, "A", 30)
	assert.NoError(t, err)

	// break the reserved == highest bid invariant so Settle rejects the sale
	ta.svc.mu.Lock()
	ta.svc.round.highestBid = 35
	ta.svc.mu.Unlock()

	check.True(t, waitFor(t, 2*time.Second, func() bool {
		_, set := ta.svc.timer.Deadline()
		return !set
	}))
	check.False(t, ta.svc.CheckDeadline(ctx))
	check.True(t, ta.svc.State().Active)
	check.Equal(t, 0, len(ta.rec.ofType(models.EventAuctionEnd)))
	check.Equal(t, int64(30), account(t, ta.svc, "A").Reserved)
}
