package entities

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusSent, true},
		{StatusCreated, StatusFailed, true},
		{StatusCreated, StatusConfirmed, false},
		{StatusSent, StatusConfirmed, true},
		{StatusSent, StatusAwaitingConfirmation, true},
		{StatusSent, StatusExpired, true},
		{StatusSent, StatusSent, false},
		{StatusAwaitingConfirmation, StatusAwaitingConfirmation, true},
		{StatusAwaitingConfirmation, StatusSent, false},
		{StatusConfirmed, StatusAwaitingConfirmation, false},
		{StatusConfirmed, StatusConfirmed, false},
		{StatusFailed, StatusConfirmed, false},
		{StatusExpired, StatusConfirmed, false},
		{StatusCreated, StatusGatewayAccepted, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusConfirmed.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.False(t, StatusSent.IsTerminal())
	assert.False(t, StatusAwaitingConfirmation.IsTerminal())
	assert.False(t, Status("paid").Valid())
}

func TestSources(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusSent, StatusAwaitingConfirmation}, Sources(StatusExpired))
	assert.ElementsMatch(t, []Status{StatusCreated}, Sources(StatusSent))
	assert.Empty(t, Sources(StatusCreated))
}

func TestApplyKeepsURLsOnceSet(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := &Payment{Reference: "r", Amount: decimal.NewFromInt(15), Status: StatusCreated, CreatedAt: now}

	p.Apply(StatusSent, TransitionFields{RedirectURL: "https://pay/x", PollURL: "https://pay/poll/x", Attempts: 2}, now.Add(time.Second))
	require.Equal(t, StatusSent, p.Status)
	require.Equal(t, 2, p.Attempts)

	p.Apply(StatusAwaitingConfirmation, TransitionFields{PollURL: "https://other"}, now.Add(2*time.Second))
	assert.Equal(t, "https://pay/poll/x", p.PollURL)
	assert.Equal(t, 2, p.Attempts)
	assert.Equal(t, now.Add(2*time.Second), p.UpdatedAt)
}

func TestExpired(t *testing.T) {
	now := time.Now()
	p := &Payment{CreatedAt: now.Add(-25 * time.Hour)}
	assert.True(t, p.Expired(24*time.Hour, now))
	assert.False(t, p.Expired(0, now))
	assert.False(t, (&Payment{CreatedAt: now}).Expired(24*time.Hour, now))
}
