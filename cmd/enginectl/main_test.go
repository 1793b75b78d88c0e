package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genengine/internal/bootstrap"
	"genengine/internal/domain"
	"genengine/internal/engine"
	"genengine/internal/infra"
)

func newTestCLI(t *testing.T) (*bootstrap.Runtime, func(args ...string) (string, error)) {
	t.Helper()
	rt, err := bootstrap.Build(context.Background(), &infra.Config{
		StoreBackend:    infra.BackendMemory,
		GovernorBackend: infra.BackendMemory,
		QueueBackend:    infra.BackendMemory,
		Workers:         1,
	}, zerolog.Nop(), bootstrap.Options{})
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	build := func(context.Context) (*bootstrap.Runtime, error) { return rt, nil }
	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		root := newRootCmd(build, &out)
		root.SetArgs(append([]string{"--no-color"}, args...))
		err := root.ExecuteContext(context.Background())
		return out.String(), err
	}
	return rt, run
}

func TestCreditAndAdjust(t *testing.T) {
	_, run := newTestCLI(t)

	out, err := run("credit", "u1", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "balance 130")

	out, err = run("adjust-points", "u1", "-30", "--reason", "duplicate charge")
	require.NoError(t, err)
	assert.Contains(t, out, "balance 100")

	_, err = run("adjust-points", "u1", "-500", "--reason", "too much")
	assert.ErrorIs(t, err, domain.ErrInsufficientPoints)

	_, err = run("adjust-points", "u1", "5")
	assert.Error(t, err, "--reason is required")

	_, err = run("adjust-points", "nobody", "5", "--reason", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetTierAndRisk(t *testing.T) {
	rt, run := newTestCLI(t)

	_, err := run("set-tier", "u2", "pro")
	assert.Error(t, err, "paid tiers need an expiry")

	out, err := run("set-tier", "u2", "pro", "--days", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "is now pro until")

	_, err = run("set-tier", "u2", "gold", "--days", "30")
	assert.Error(t, err)

	_, err = run("set-risk", "u2", "restricted")
	assert.Error(t, err)
	_, err = run("set-risk", "u2", "restricted", "--for", "2h")
	require.NoError(t, err)

	_, err = rt.Engine.Submit(context.Background(), engine.SubmitRequest{
		UserID: "u2", Model: "wan-i2v", Prompt: "blocked", DurationSeconds: 5,
	})
	rej, ok := domain.AsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	assert.Equal(t, domain.ReasonAccountRestricted, rej.Reason)
}

func TestDeleteJobStatsAndSweep(t *testing.T) {
	rt, run := newTestCLI(t)

	accepted, err := rt.Engine.Submit(context.Background(), engine.SubmitRequest{
		UserID: "u3", Model: "wan-i2v", Prompt: "a fox", DurationSeconds: 5,
	})
	require.NoError(t, err)

	_, err = run("delete-job", accepted.JobIDs[0])
	assert.ErrorIs(t, err, domain.ErrInvalidState, "pending jobs cannot be deleted")

	out, err := run("stats", "--since", time.Now().Add(-time.Hour).UTC().Format(time.RFC3339))
	require.NoError(t, err)
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "points spent")

	out, err = run("sweep", "--resync")
	require.NoError(t, err)
	assert.Contains(t, out, "errors=0")

	_, err = run("set-credential", "video_generator", "tok")
	assert.ErrorContains(t, err, "postgres")
}
