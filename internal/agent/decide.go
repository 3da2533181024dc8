package agent

import (
	"fmt"
	"time"

	"github.com/devghori1264/greenops/internal/agentrpc"
	"github.com/devghori1264/greenops/internal/models"
)

// Decision is the agent's verdict on a command.
type Decision struct {
	Execute     bool
	Reason      string
	IdleMinutes int
}

// Outcome is the result string sent in ReportResult.
func (d Decision) Outcome() string {
	if d.Execute {
		return string(models.CommandExecuted)
	}
	return string(models.CommandRejected)
}

func (d Decision) String() string {
	if d.Execute {
		return fmt.Sprintf("execute (idle %dm)", d.IdleMinutes)
	}
	return fmt.Sprintf("reject: %s (idle %dm)", d.Reason, d.IdleMinutes)
}

// Decide re-validates a command against locally measured idle time. The
// server only knew the machine was idle when the command was issued; the
// agent refuses unless the user has really been away for the threshold.
func Decide(cmd *agentrpc.PendingCommand, idle time.Duration) Decision {
	minutes := int(idle / time.Minute)
	if cmd.Type != string(models.CommandShutdown) {
		return Decision{Reason: models.ReasonUnsupportedCommand, IdleMinutes: minutes}
	}
	if minutes < cmd.IdleThresholdMinutes {
		return Decision{Reason: models.ReasonIdleThresholdNotMet, IdleMinutes: minutes}
	}
	return Decision{Execute: true, IdleMinutes: minutes}
}
