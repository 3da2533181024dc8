package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/devghori1264/greenops/internal/errors"
	"github.com/devghori1264/greenops/internal/models"
)

func intPtr(v int) *int { return &v }

func TestIssueRequiresPermissionAndValidThreshold(t *testing.T) {
	f := newFixture(t)
	m, _ := f.idleMachine(t)
	ctx := context.Background()

	_, err := f.srv.IssueCommand(ctx, viewer, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	assert.True(t, gerrors.Is(err, gerrors.CodeForbidden))

	for _, threshold := range []int{0, -1, 1441} {
		_, err = f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: threshold})
		assert.True(t, gerrors.Is(err, gerrors.CodeInvalidSample), "threshold %d", threshold)
	}

	_, err = f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: "missing", IdleThresholdMinutes: 15})
	assert.True(t, gerrors.Is(err, gerrors.CodeNotFound))
}

func TestIssueOnlyForIdleMachines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, token := f.register(t)

	_, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	assert.True(t, gerrors.Is(err, gerrors.CodeInvalidState), "never heard from: offline")

	f.beat(t, token, false)
	_, err = f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	assert.True(t, gerrors.Is(err, gerrors.CodeInvalidState), "online")

	f.clock.Advance(time.Minute)
	f.beat(t, token, true)
	cmd, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15, Notes: "end of day"})
	require.NoError(t, err)
	assert.Equal(t, models.CommandPending, cmd.Status)
	assert.Equal(t, models.CommandShutdown, cmd.Type)
	assert.Equal(t, "bob", cmd.IssuedBy)
	assert.Equal(t, t0.Add(3*time.Minute), cmd.ExpiresAt)
	assert.Equal(t, []models.CommandStatus{models.CommandPending}, f.events.commandStatuses())
}

func TestSecondIssueConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, _ := f.idleMachine(t)

	first, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	require.NoError(t, err)
	_, err = f.srv.IssueCommand(ctx, admin, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 30})
	assert.True(t, gerrors.Is(err, gerrors.CodeConflict))

	pending, err := f.srv.ListCommands(ctx, models.CommandFilter{MachineID: m.ID, Status: models.CommandPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
}

func TestConcurrentIssueHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	m, _ := f.idleMachine(t)

	var (
		wg        sync.WaitGroup
		ok        atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.srv.IssueCommand(context.Background(), operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
			switch {
			case err == nil:
				ok.Add(1)
			case gerrors.Is(err, gerrors.CodeConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(19), conflicts.Load())
}

func TestExpiryThenReissue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, token := f.idleMachine(t)

	first, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	require.NoError(t, err)

	// The agent keeps reporting idle but never polls.
	for i := 0; i < 6; i++ {
		f.clock.Advance(time.Minute)
		f.beat(t, token, true)
	}

	second, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := f.srv.GetCommand(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandExpired, old.Status)
	assert.Equal(t, []models.CommandStatus{models.CommandPending, models.CommandExpired, models.CommandPending}, f.events.commandStatuses())
}

func TestPollIsPureRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, token := f.idleMachine(t)

	cmd, err := f.srv.PollCommand(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, cmd)

	issued, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	require.NoError(t, err)

	cmd, err = f.srv.PollCommand(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, issued.ID, cmd.ID)

	f.clock.Advance(2*time.Minute + time.Second)
	cmd, err = f.srv.PollCommand(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, cmd, "overdue command is hidden")

	stored, err := f.store.GetCommand(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandPending, stored.Status, "poll does not write")

	_, err = f.srv.PollCommand(ctx, "bogus")
	assert.True(t, gerrors.Is(err, gerrors.CodeUnauthorized))
}

func TestReportExecutedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, token := f.idleMachine(t)
	issued, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	in := ResultInput{Token: token, CommandID: issued.ID, Outcome: models.CommandExecuted, IdleMinutes: intPtr(20)}
	cmd, err := f.srv.ReportResult(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, models.CommandExecuted, cmd.Status)
	require.NotNil(t, cmd.ExecutedAt)
	assert.Equal(t, t0.Add(30*time.Second), *cmd.ExecutedAt)
	require.NotNil(t, cmd.IdleMinutesAtExecution)
	assert.Equal(t, 20, *cmd.IdleMinutesAtExecution)

	// A retried report after a lost response.
	f.clock.Advance(5 * time.Minute)
	again, err := f.srv.ReportResult(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, *cmd.ExecutedAt, *again.ExecutedAt, "duplicate does not rewrite")

	_, err = f.srv.ReportResult(ctx, ResultInput{Token: token, CommandID: issued.ID, Outcome: models.CommandRejected, Reason: models.ReasonIdleThresholdNotMet})
	assert.True(t, gerrors.Is(err, gerrors.CodeConflict))

	assert.Equal(t, []models.CommandStatus{models.CommandPending, models.CommandExecuted}, f.events.commandStatuses())
}

func TestRejectionLeavesCountersUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, token := f.idleMachine(t)
	before, err := f.store.GetMachine(ctx, m.ID)
	require.NoError(t, err)

	issued, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 30})
	require.NoError(t, err)

	in := ResultInput{Token: token, CommandID: issued.ID, Outcome: models.CommandRejected, Reason: models.ReasonIdleThresholdNotMet, IdleMinutes: intPtr(3)}
	cmd, err := f.srv.ReportResult(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, models.CommandRejected, cmd.Status)
	assert.Equal(t, models.ReasonIdleThresholdNotMet, cmd.RejectionReason)
	assert.Nil(t, cmd.ExecutedAt)

	after, err := f.store.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "the dispatcher never touches the machine")

	_, err = f.srv.ReportResult(ctx, in)
	assert.NoError(t, err, "same rejection again is a no-op")

	in.Reason = "other reason"
	_, err = f.srv.ReportResult(ctx, in)
	assert.True(t, gerrors.Is(err, gerrors.CodeConflict))

	// The slot is free again.
	_, err = f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 30})
	assert.NoError(t, err)
}

func TestReportAfterExpiryConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, token := f.idleMachine(t)
	issued, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	require.NoError(t, err)

	f.clock.Advance(2*time.Minute + time.Second)
	_, err = f.srv.ReportResult(ctx, ResultInput{Token: token, CommandID: issued.ID, Outcome: models.CommandExecuted})
	assert.True(t, gerrors.Is(err, gerrors.CodeConflict))

	stored, err := f.srv.GetCommand(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandExpired, stored.Status, "expired lazily by the report")

	n, err := f.srv.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReportForeignCommandIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, _ := f.idleMachine(t)
	_, otherToken := f.idleMachine(t)

	issued, err := f.srv.IssueCommand(ctx, operator, IssueInput{MachineID: m.ID, IdleThresholdMinutes: 15})
	require.NoError(t, err)

	_, err = f.srv.ReportResult(ctx, ResultInput{Token: otherToken, CommandID: issued.ID, Outcome: models.CommandExecuted})
	assert.True(t, gerrors.Is(err, gerrors.CodeNotFound))
	_, err = f.srv.ReportResult(ctx, ResultInput{Token: otherToken, CommandID: "missing", Outcome: models.CommandExecuted})
	assert.True(t, gerrors.Is(err, gerrors.CodeNotFound))
	_, err = f.srv.ReportResult(ctx, ResultInput{Token: otherToken, CommandID: issued.ID, Outcome: "pending"})
	assert.True(t, gerrors.Is(err, gerrors.CodeInvalidSample))

	stored, err := f.srv.GetCommand(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandPending, stored.Status)
}

func TestListCommandsUnknownMachine(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.ListCommands(context.Background(), models.CommandFilter{MachineID: "missing"})
	assert.True(t, gerrors.Is(err, gerrors.CodeNotFound))
}
