package auth

import (
	"crypto/subtle"

	"github.com/devghori1264/greenops/internal/config"
	gerrors "github.com/devghori1264/greenops/internal/errors"
)

// Role is an operator's permission level.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Operator is an authenticated human caller.
type Operator struct {
	ID   string
	Role Role
}

// CanIssueCommands reports whether the operator may create remote commands.
func (o Operator) CanIssueCommands() bool {
	return o.Role == RoleAdmin || o.Role == RoleOperator
}

// CanAdminister reports whether the operator may delete machines, revoke
// tokens and trigger sweeps.
func (o Operator) CanAdminister() bool {
	return o.Role == RoleAdmin
}

// Operators resolves operator bearer tokens. Account management lives
// outside this service; the table is provisioned from configuration.
type Operators struct {
	entries []operatorEntry
}

type operatorEntry struct {
	hash string
	op   Operator
}

// NewOperators builds the table from configuration.
func NewOperators(cfgs []config.OperatorConfig) *Operators {
	o := &Operators{}
	for _, c := range cfgs {
		o.entries = append(o.entries, operatorEntry{
			hash: HashToken(c.Token),
			op:   Operator{ID: c.ID, Role: Role(c.Role)},
		})
	}
	return o
}

// Authenticate returns the operator owning token.
func (o *Operators) Authenticate(token string) (Operator, error) {
	if token == "" {
		return Operator{}, gerrors.New(gerrors.CodeUnauthorized, "operator token required")
	}
	h := HashToken(token)
	for _, e := range o.entries {
		if subtle.ConstantTimeCompare([]byte(e.hash), []byte(h)) == 1 {
			return e.op, nil
		}
	}
	return Operator{}, gerrors.New(gerrors.CodeUnauthorized, "operator token is invalid")
}
