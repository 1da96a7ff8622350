package valset

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type mockCyclesClient struct {
	cycles []Cycle
	err    error
}

func (m *mockCyclesClient) GetValidationCycles(_ context.Context) ([]Cycle, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.cycles, nil
}

// funcCyclesClient lets a test observe each fetch.
type funcCyclesClient func(ctx context.Context) ([]Cycle, error)

func (f funcCyclesClient) GetValidationCycles(ctx context.Context) ([]Cycle, error) {
	return f(ctx)
}

var valsetNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func cycleAround(now time.Time, id int64, validators ...string) Cycle {
	vs := make([]CycleValidator, 0, len(validators))
	for i, adnl := range validators {
		vs = append(vs, CycleValidator{ADNLAddr: adnl, Weight: 100, Index: i})
	}
	return Cycle{
		CycleID: id,
		CycleInfo: CycleInfo{
			UtimeSince: now.Add(-time.Hour).Unix(),
			UtimeUntil: now.Add(time.Hour).Unix(),
			Validators: vs,
		},
	}
}

func TestValset_Refresh_BuildsSnapshotFromActiveCycle(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(valsetNow)
	stale := Cycle{
		CycleID: 6,
		CycleInfo: CycleInfo{
			UtimeSince: valsetNow.Add(-4 * time.Hour).Unix(),
			UtimeUntil: valsetNow.Add(-2 * time.Hour).Unix(),
			Validators: []CycleValidator{{ADNLAddr: "OLD"}},
		},
	}
	client := &mockCyclesClient{cycles: []Cycle{cycleAround(valsetNow, 7, "A1", "B2"), stale}}

	c, err := NewCache(slog.Default(), clk, DefaultRefreshInterval, client)
	require.NoError(t, err)
	require.False(t, c.Ready())

	require.NoError(t, c.Refresh(context.Background()))
	require.True(t, c.Ready())

	info, ok := c.Lookup("A1")
	require.True(t, ok)
	require.Equal(t, int64(7), info.CycleID)
	require.Equal(t, "A1", info.Validator.ADNLAddr)

	_, ok = c.Lookup("OLD")
	require.False(t, ok)

	_, ok = c.Lookup("unknown")
	require.False(t, ok)
}

func TestValset_Refresh_NoActiveCycleRetainsSnapshot(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(valsetNow)
	client := &mockCyclesClient{cycles: []Cycle{cycleAround(valsetNow, 7, "A1")}}

	c, err := NewCache(slog.Default(), clk, DefaultRefreshInterval, client)
	require.NoError(t, err)
	require.NoError(t, c.Refresh(context.Background()))

	// The only cycle on offer no longer contains now.
	client.cycles = []Cycle{{
		CycleID: 8,
		CycleInfo: CycleInfo{
			UtimeSince: valsetNow.Add(time.Hour).Unix(),
			UtimeUntil: valsetNow.Add(2 * time.Hour).Unix(),
		},
	}}
	err = c.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoActiveCycle)

	info, ok := c.Lookup("A1")
	require.True(t, ok)
	require.Equal(t, int64(7), info.CycleID)
	require.True(t, c.Ready())
}

func TestValset_Refresh_FetchErrorRetainsSnapshot(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(valsetNow)
	client := &mockCyclesClient{cycles: []Cycle{cycleAround(valsetNow, 7, "A1")}}

	c, err := NewCache(slog.Default(), clk, DefaultRefreshInterval, client)
	require.NoError(t, err)
	require.NoError(t, c.Refresh(context.Background()))

	client.err = errors.New("boom")
	require.Error(t, c.Refresh(context.Background()))

	_, ok := c.Lookup("A1")
	require.True(t, ok)
}

func TestValset_Run_RefreshesOnTick(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(valsetNow)
	calls := make(chan int, 8)
	n := 0
	client := funcCyclesClient(func(_ context.Context) ([]Cycle, error) {
		n++
		calls <- n
		return []Cycle{cycleAround(valsetNow, 7, "A1")}, nil
	})

	c, err := NewCache(slog.Default(), clk, time.Minute, client)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Run refreshes once before the first tick.
	select {
	case got := <-calls:
		require.Equal(t, 1, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial refresh")
	}
	require.Eventually(t, c.Ready, time.Second, 5*time.Millisecond)

	// Wait for Run to install the ticker, then deliver one tick.
	blockCtx, blockCancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(blockCancel)
	require.NoError(t, clk.BlockUntilContext(blockCtx, 1))
	clk.Advance(time.Minute + time.Nanosecond)

	select {
	case got := <-calls:
		require.Equal(t, 2, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ticked refresh")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestValset_ActiveCycle_BoundaryInclusiveExclusive(t *testing.T) {
	t.Parallel()

	cycle := Cycle{CycleID: 1, CycleInfo: CycleInfo{UtimeSince: 100, UtimeUntil: 200}}

	got, err := activeCycle([]Cycle{cycle}, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.CycleID)

	_, err = activeCycle([]Cycle{cycle}, 200)
	require.ErrorIs(t, err, ErrNoActiveCycle)

	_, err = activeCycle(nil, 100)
	require.ErrorIs(t, err, ErrNoActiveCycle)
}

func TestValset_ElectionsClient_FetchesAndDecodes(t *testing.T) {
	t.Parallel()

	cycle := cycleAround(valsetNow, 9, "A1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, validationCyclesEndpoint, r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("return_participants"))
		require.NotEmpty(t, r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]Cycle{cycle})
	}))
	defer srv.Close()

	client, err := NewElectionsClient(srv.URL, time.Second)
	require.NoError(t, err)

	cycles, err := client.GetValidationCycles(context.Background())
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.Equal(t, int64(9), cycles[0].CycleID)
	require.Equal(t, "A1", cycles[0].CycleInfo.Validators[0].ADNLAddr)
}

func TestValset_ElectionsClient_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewElectionsClient(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = client.GetValidationCycles(context.Background())
	require.Error(t, err)
}
