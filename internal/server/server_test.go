package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestServer_New_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{})
	require.Error(t, err)

	_, err = New(slog.Default(), Config{})
	require.Error(t, err)
}

func TestServer_StartServesAndShutsDown(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(handlerNow)
	cfg := Config{
		Telemetry:    newFakeStore(clk),
		Overlays:     newFakeStore(clk),
		Codec:        &fakeCodec{},
		CyclesClient: &staticCycles{},
		Grants:       map[string]Grant{},
		Clock:        clk,
	}

	srv, err := New(slog.Default(), cfg)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := srv.Start(ctx, cancel, listener)

	base := fmt.Sprintf("http://%s", listener.Addr().String())
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + HealthzPath)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	// The valset source offers no active cycle, so readiness stays off
	// while requests keep being served.
	resp, err := http.Get(base + ReadyzPath)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	cancel()
	for err := range errCh {
		require.NoError(t, err)
	}
}
