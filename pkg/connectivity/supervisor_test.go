package connectivity_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/edgedav/pkg/connectivity"
	"github.com/marmos91/edgedav/pkg/connectivity/sim"
)

var errAssoc = errors.New("association rejected")
var errDHCP = errors.New("dhcp timeout")

type edge struct{ from, to connectivity.State }

// recorder collects transitions and failures reported by the hooks.
type recorder struct {
	mu       sync.Mutex
	edges    []edge
	failures []connectivity.AttemptError
}

func (r *recorder) onTransition(from, to connectivity.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, edge{from, to})
}

func (r *recorder) onFailure(err *connectivity.AttemptError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, *err)
}

func (r *recorder) Edges() []edge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]edge(nil), r.edges...)
}

func (r *recorder) Failures() []connectivity.AttemptError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]connectivity.AttemptError(nil), r.failures...)
}

func newSupervisor(t *testing.T, d *sim.Driver, mutate ...func(*connectivity.Config)) (*connectivity.Supervisor, *recorder) {
	t.Helper()

	creds, err := connectivity.NewCredentials("edge-net", []byte("password123"))
	require.NoError(t, err)

	rec := &recorder{}
	cfg := connectivity.DefaultConfig()
	cfg.Backoff.Initial = time.Millisecond
	cfg.OnTransition = rec.onTransition
	cfg.OnFailure = rec.onFailure
	for _, m := range mutate {
		m(&cfg)
	}

	s, err := connectivity.NewSupervisor(d, creds, cfg)
	require.NoError(t, err)
	return s, rec
}

// bringUp runs Configure and BringUp, leaving the supervisor Connecting.
func bringUp(t *testing.T, s *connectivity.Supervisor) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Configure(ctx))
	require.NoError(t, s.BringUp(ctx))
	require.Equal(t, connectivity.Connecting, s.State())
}

// stayConnected runs StayConnected in the background. The returned channel
// receives its result.
func stayConnected(t *testing.T, s *connectivity.Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.StayConnected(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func assertChained(t *testing.T, edges []edge) {
	t.Helper()
	for i, e := range edges {
		assert.True(t, e.from.CanTransitionTo(e.to), "illegal edge %s -> %s", e.from, e.to)
		if i > 0 {
			assert.Equal(t, edges[i-1].to, e.from, "edge %d does not start where edge %d ended", i, i-1)
		}
	}
}

// ============================================================================
// Bring-up
// ============================================================================

func TestBringUpSequence(t *testing.T) {
	d := sim.New()
	s, rec := newSupervisor(t, d)
	ctx := context.Background()

	assert.Equal(t, connectivity.Idle, s.State())

	require.NoError(t, s.Configure(ctx))
	assert.Equal(t, connectivity.Configuring, s.State())
	assert.Equal(t, "edge-net", d.SSID())
	assert.Equal(t, "password123", string(d.Passphrase()))

	require.NoError(t, s.BringUp(ctx))
	assert.Equal(t, connectivity.Connecting, s.State())

	require.NoError(t, s.InitialConnect(ctx))
	assert.Equal(t, connectivity.Associated, s.State())
	assert.Zero(t, s.Failures())

	snap := s.Snapshot()
	assert.Equal(t, "192.168.4.2", snap.Address)
	assert.Equal(t, "edge-net", snap.SSID)
	assert.Equal(t, "sim", snap.Driver)
	assert.Equal(t, uint64(3), snap.Transitions)
	assert.False(t, snap.SteadyState)

	assert.Equal(t, []edge{
		{connectivity.Idle, connectivity.Configuring},
		{connectivity.Configuring, connectivity.Connecting},
		{connectivity.Connecting, connectivity.Associated},
	}, rec.Edges())
}

func TestConfigureFailureIsFatal(t *testing.T) {
	boom := errors.New("radio rejected key")
	s, _ := newSupervisor(t, sim.New(sim.WithConfigureError(boom)))

	err := s.Configure(context.Background())
	assert.ErrorIs(t, err, connectivity.ErrConfiguration)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, connectivity.Configuring, s.State())
}

func TestBringUpFailureKeepsConfiguring(t *testing.T) {
	boom := errors.New("firmware missing")
	d := sim.New(sim.WithStartError(boom))
	s, _ := newSupervisor(t, d)
	ctx := context.Background()

	require.NoError(t, s.Configure(ctx))
	err := s.BringUp(ctx)
	assert.ErrorIs(t, err, connectivity.ErrDriverStart)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, connectivity.Configuring, s.State())
	assert.Equal(t, 1, d.Calls().Start)
}

func TestOperationsOutOfOrder(t *testing.T) {
	s, _ := newSupervisor(t, sim.New())
	ctx := context.Background()

	assert.ErrorIs(t, s.BringUp(ctx), connectivity.ErrIllegalTransition)
	assert.ErrorIs(t, s.InitialConnect(ctx), connectivity.ErrIllegalTransition)
	assert.ErrorIs(t, s.StayConnected(ctx), connectivity.ErrIllegalTransition)

	require.NoError(t, s.Configure(ctx))
	assert.ErrorIs(t, s.Configure(ctx), connectivity.ErrIllegalTransition)
	assert.ErrorIs(t, s.InitialConnect(ctx), connectivity.ErrIllegalTransition)
	assert.Equal(t, connectivity.Configuring, s.State())
}

func TestNewSupervisorValidation(t *testing.T) {
	creds, err := connectivity.NewCredentials("edge-net", nil)
	require.NoError(t, err)

	_, err = connectivity.NewSupervisor(nil, creds, connectivity.DefaultConfig())
	assert.ErrorContains(t, err, "driver")

	_, err = connectivity.NewSupervisor(sim.New(), nil, connectivity.DefaultConfig())
	assert.ErrorContains(t, err, "credentials")

	cfg := connectivity.DefaultConfig()
	cfg.Backoff.Type = "linear"
	_, err = connectivity.NewSupervisor(sim.New(), creds, cfg)
	assert.Error(t, err)

	s, err := connectivity.NewSupervisor(sim.New(), creds, connectivity.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, connectivity.Idle, s.State())
}

// ============================================================================
// InitialConnect
// ============================================================================

func TestInitialConnectSucceedsOnAttemptK(t *testing.T) {
	for k := 1; k <= connectivity.DefaultMaxInitialAttempts; k++ {
		d := sim.New()
		for i := 1; i < k; i++ {
			d.QueueConnect(errAssoc)
		}
		s, rec := newSupervisor(t, d)
		bringUp(t, s)

		require.NoError(t, s.InitialConnect(context.Background()), "k=%d", k)
		assert.Equal(t, connectivity.Associated, s.State(), "k=%d", k)
		assert.Zero(t, s.Failures(), "k=%d", k)
		assert.Empty(t, s.Snapshot().LastError, "k=%d", k)
		assert.Equal(t, k, d.Calls().Connect, "k=%d", k)
		assert.Len(t, rec.Failures(), k-1, "k=%d", k)
		assertChained(t, rec.Edges())
	}
}

func TestInitialConnectExhausted(t *testing.T) {
	d := sim.New()
	for i := 0; i < connectivity.DefaultMaxInitialAttempts; i++ {
		d.QueueConnect(errAssoc)
	}
	d.QueueConnect(nil) // never reached
	s, rec := newSupervisor(t, d)
	bringUp(t, s)

	err := s.InitialConnect(context.Background())
	require.ErrorIs(t, err, connectivity.ErrInitialConnectExhausted)
	assert.ErrorIs(t, err, errAssoc)

	var attempt *connectivity.AttemptError
	require.ErrorAs(t, err, &attempt)
	assert.Equal(t, 5, attempt.Attempt)
	assert.Equal(t, connectivity.PhaseConnect, attempt.Phase)

	assert.Equal(t, 5, d.Calls().Connect)
	assert.Equal(t, 5, s.Failures())
	assert.Equal(t, connectivity.Disconnected, s.State())

	failures := rec.Failures()
	require.Len(t, failures, 5)
	for i, f := range failures {
		assert.Equal(t, i+1, f.Attempt)
	}
	assertChained(t, rec.Edges())
}

func TestInitialConnectCountsIPFailures(t *testing.T) {
	d := sim.New()
	d.QueueConnect(errAssoc, nil, errAssoc, nil, errAssoc)
	d.QueueIP(errDHCP, errDHCP)
	s, rec := newSupervisor(t, d)
	bringUp(t, s)

	err := s.InitialConnect(context.Background())
	require.ErrorIs(t, err, connectivity.ErrInitialConnectExhausted)

	var phases []connectivity.Phase
	for _, f := range rec.Failures() {
		phases = append(phases, f.Phase)
	}
	assert.Equal(t, []connectivity.Phase{
		connectivity.PhaseConnect,
		connectivity.PhaseIP,
		connectivity.PhaseConnect,
		connectivity.PhaseIP,
		connectivity.PhaseConnect,
	}, phases)
}

func TestInitialConnectCustomCeiling(t *testing.T) {
	d := sim.New()
	d.QueueConnect(errAssoc, errAssoc)
	s, _ := newSupervisor(t, d, func(c *connectivity.Config) { c.MaxInitialAttempts = 2 })
	bringUp(t, s)

	assert.ErrorIs(t, s.InitialConnect(context.Background()), connectivity.ErrInitialConnectExhausted)
	assert.Equal(t, 2, d.Calls().Connect)
}

func TestInitialConnectWaitsForIP(t *testing.T) {
	d := sim.New()
	d.GateIP()
	s, _ := newSupervisor(t, d)
	bringUp(t, s)

	done := make(chan error, 1)
	go func() { done <- s.InitialConnect(context.Background()) }()

	assert.Never(t, func() bool { return s.State() == connectivity.Associated }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, connectivity.Connecting, s.State())

	d.ReleaseIP()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("InitialConnect did not return after IP became ready")
	}
	assert.Equal(t, connectivity.Associated, s.State())
}

func TestInitialConnectAttemptTimeout(t *testing.T) {
	d := sim.New()
	d.GateIP()
	s, _ := newSupervisor(t, d, func(c *connectivity.Config) {
		c.MaxInitialAttempts = 2
		c.AttemptTimeout = 10 * time.Millisecond
	})
	bringUp(t, s)

	err := s.InitialConnect(context.Background())
	require.ErrorIs(t, err, connectivity.ErrInitialConnectExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var attempt *connectivity.AttemptError
	require.ErrorAs(t, err, &attempt)
	assert.Equal(t, connectivity.PhaseIP, attempt.Phase)
}

func TestInitialConnectHonoursCancellation(t *testing.T) {
	d := sim.New()
	d.GateIP()
	s, _ := newSupervisor(t, d, func(c *connectivity.Config) { c.AttemptTimeout = 0 })
	bringUp(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.InitialConnect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, connectivity.ErrInitialConnectExhausted)
}

// ============================================================================
// StayConnected
// ============================================================================

func TestStayConnectedConsumesSupervisor(t *testing.T) {
	s, _ := newSupervisor(t, sim.New())
	bringUp(t, s)
	require.NoError(t, s.InitialConnect(context.Background()))

	cancel, done := stayConnected(t, s)
	require.Eventually(t, func() bool { return s.Snapshot().SteadyState }, time.Second, time.Millisecond)

	ctx := context.Background()
	assert.ErrorIs(t, s.Configure(ctx), connectivity.ErrSupervisorConsumed)
	assert.ErrorIs(t, s.BringUp(ctx), connectivity.ErrSupervisorConsumed)
	assert.ErrorIs(t, s.InitialConnect(ctx), connectivity.ErrSupervisorConsumed)
	assert.ErrorIs(t, s.StayConnected(ctx), connectivity.ErrSupervisorConsumed)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StayConnected did not return after cancel")
	}
}

func TestStayConnectedNeverGivesUp(t *testing.T) {
	d := sim.New()
	s, rec := newSupervisor(t, d)
	bringUp(t, s)
	require.NoError(t, s.InitialConnect(context.Background()))

	for i := 0; i < 20; i++ {
		d.QueueConnect(errAssoc)
	}

	cancel, done := stayConnected(t, s)
	d.DropLink()

	// Far past the initial ceiling, the loop keeps going and reconnects.
	require.Eventually(t, func() bool {
		return d.Calls().Connect >= 22 && s.State() == connectivity.Associated
	}, 5*time.Second, time.Millisecond)
	assert.Zero(t, s.Failures())
	assert.Len(t, rec.Failures(), 20)

	select {
	case err := <-done:
		t.Fatalf("StayConnected returned without cancellation: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StayConnected did not return after cancel")
	}
	assertChained(t, rec.Edges())
}

func TestStayConnectedWithoutInitialConnect(t *testing.T) {
	d := sim.New()
	s, _ := newSupervisor(t, d)
	bringUp(t, s)

	_, _ = stayConnected(t, s)
	require.Eventually(t, func() bool { return s.State() == connectivity.Associated }, time.Second, time.Millisecond)
}

func TestLinkDropReconnects(t *testing.T) {
	d := sim.New()
	s, rec := newSupervisor(t, d)
	bringUp(t, s)
	require.NoError(t, s.InitialConnect(context.Background()))

	_, _ = stayConnected(t, s)
	require.Eventually(t, func() bool { return d.Calls().WaitLink >= 1 }, time.Second, time.Millisecond)

	before := len(rec.Edges())
	d.DropLink()

	require.Eventually(t, func() bool { return len(rec.Edges()) >= before+3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []edge{
		{connectivity.Associated, connectivity.Disconnected},
		{connectivity.Disconnected, connectivity.Connecting},
		{connectivity.Connecting, connectivity.Associated},
	}, rec.Edges()[before:before+3])
	assert.Zero(t, s.Failures())
	assert.Equal(t, 2, d.Calls().Connect)
}

func TestLinkWatchErrorsCountAsLostLink(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantWaits int
	}{
		{"Transient", errors.New("driver busy"), 3},
		{"Unavailable", fmt.Errorf("interface %q: %w", "wlan0", connectivity.ErrLinkUnavailable), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sim.New()
			s, rec := newSupervisor(t, d)
			bringUp(t, s)
			require.NoError(t, s.InitialConnect(context.Background()))
			require.Equal(t, "192.168.4.2", s.Snapshot().Address)

			_, _ = stayConnected(t, s)
			require.Eventually(t, func() bool { return d.Calls().WaitLink >= 1 }, time.Second, time.Millisecond)

			// Hold the reconnect in Connecting so the state can be inspected.
			before := len(rec.Edges())
			d.GateIP()
			d.FailLinkWatch(tt.err)

			require.Eventually(t, func() bool { return len(rec.Failures()) == 1 }, 2*time.Second, time.Millisecond)
			failure := rec.Failures()[0]
			assert.Equal(t, connectivity.PhaseLink, failure.Phase)
			assert.Equal(t, 1, failure.Attempt)
			assert.ErrorIs(t, failure.Err, tt.err)
			assert.Equal(t, tt.wantWaits, d.Calls().WaitLink)

			require.Eventually(t, func() bool { return s.State() == connectivity.Connecting }, time.Second, time.Millisecond)
			snap := s.Snapshot()
			assert.Equal(t, 1, snap.Failures)
			assert.Empty(t, snap.Address)
			assert.Equal(t, []edge{
				{connectivity.Associated, connectivity.Disconnected},
				{connectivity.Disconnected, connectivity.Connecting},
			}, rec.Edges()[before:before+2])

			d.FailLinkWatch(nil)
			d.ReleaseIP()
			require.Eventually(t, func() bool { return s.State() == connectivity.Associated }, time.Second, time.Millisecond)
			assert.Zero(t, s.Failures())
			assert.Equal(t, "192.168.4.2", s.Snapshot().Address)
			assertChained(t, rec.Edges())
		})
	}
}

func TestFailureCounterResetsOnAssociation(t *testing.T) {
	d := sim.New()
	d.QueueConnect(errAssoc, errAssoc, errAssoc)
	s, _ := newSupervisor(t, d)
	bringUp(t, s)
	require.NoError(t, s.InitialConnect(context.Background()))
	assert.Zero(t, s.Failures())

	// A second burst of four failures must not trip a stale counter: the
	// total of seven exceeds the ceiling only if the reset is missing.
	d.QueueConnect(errAssoc, errAssoc, errAssoc, errAssoc)
	_, _ = stayConnected(t, s)
	d.DropLink()

	require.Eventually(t, func() bool {
		return d.Calls().Connect == 9 && s.State() == connectivity.Associated
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, s.Failures())
}

func TestRandomEventsOnlyLegalTransitions(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	d := sim.New()
	// A drop between Connect and IP leaves the IP wait hanging until the
	// attempt times out.
	s, rec := newSupervisor(t, d, func(c *connectivity.Config) { c.AttemptTimeout = 20 * time.Millisecond })
	bringUp(t, s)

	for i := 0; i < 60; i++ {
		if rng.Intn(3) == 0 {
			d.QueueConnect(errAssoc)
		} else {
			d.QueueConnect(nil)
		}
		if rng.Intn(4) == 0 {
			d.QueueIP(errDHCP)
		} else {
			d.QueueIP(nil)
		}
	}

	cancel, done := stayConnected(t, s)

	for i := 0; i < 40; i++ {
		time.Sleep(time.Duration(rng.Intn(3)) * time.Millisecond)
		d.DropLink()
	}

	// With the scripts drained every attempt succeeds.
	require.Eventually(t, func() bool { return s.State() == connectivity.Associated }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StayConnected did not return after cancel")
	}

	edges := rec.Edges()
	require.NotEmpty(t, edges)
	assert.Equal(t, edge{connectivity.Idle, connectivity.Configuring}, edges[0])
	assertChained(t, edges)
}
