package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/devghori1264/greenops/internal/models"
	"github.com/devghori1264/greenops/internal/status"
)

func TestSubject(t *testing.T) {
	p := &Publisher{prefix: "greenops"}
	assert.Equal(t, "greenops.machines.status_changed", p.Subject(SubjectStatusChanged))

	p = &Publisher{}
	assert.Equal(t, "commands.issued", p.Subject(SubjectCommandIssued))
}

func TestCommandSubject(t *testing.T) {
	assert.Equal(t, SubjectCommandIssued, CommandSubject(models.CommandPending))
	assert.Equal(t, SubjectCommandExecuted, CommandSubject(models.CommandExecuted))
	assert.Equal(t, SubjectCommandRejected, CommandSubject(models.CommandRejected))
	assert.Equal(t, SubjectCommandExpired, CommandSubject(models.CommandExpired))
}

func TestPublishWithoutConnection(t *testing.T) {
	p := &Publisher{prefix: "greenops", logger: zaptest.NewLogger(t)}
	err := p.Publish(context.Background(), "x", []byte("{}"))
	assert.Error(t, err)

	// Event helpers swallow delivery errors.
	assert.NotPanics(t, func() {
		p.StatusChanged(context.Background(), status.Transition{MachineID: "m", From: models.StatusOnline, To: models.StatusIdle})
		p.CommandChanged(context.Background(), &models.Command{ID: "c", Status: models.CommandExpired}, time.Now())
	})
}
