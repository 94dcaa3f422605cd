// Package policy holds the pure authorization decisions. It touches no
// storage; callers resolve agents and entities first.
package policy

import (
	"vaultline/internal/domain"
)

// CanSubmit reports whether agent may originate a request of the given type
// against an entity owned by entityAccount. Operators submit anything,
// anywhere. Contacts need the matching permission and must stay inside their
// own account. Services and programs never originate interactive requests.
func CanSubmit(agent domain.Agent, reqType, entityAccount string) bool {
	switch agent.Role {
	case domain.RoleOperator:
		return true
	case domain.RoleContact:
		return agent.HasPermission(reqType) && agent.AccountCode == entityAccount
	default:
		return false
	}
}

// HasSubmitPermission checks only the role/permission half of submission,
// independent of any entity. Used before entity existence is consulted so an
// unauthorized caller learns nothing about what is archived.
func HasSubmitPermission(agent domain.Agent, reqType string) bool {
	switch agent.Role {
	case domain.RoleOperator:
		return true
	case domain.RoleContact:
		return agent.HasPermission(reqType)
	default:
		return false
	}
}

// CanApprove implements the two-party rule for withdrawals: only an operator
// may approve, and never the request's own submitter. There is no
// cross-account restriction on approval.
func CanApprove(approver domain.Agent, req domain.Request) bool {
	return approver.IsOperator() && approver.Identifier != req.AgentID
}

// CanView reports whether agent may see material owned by account. Operators
// see everything; contacts only their own account.
func CanView(agent domain.Agent, account string) bool {
	if agent.IsOperator() {
		return true
	}
	return agent.AccountCode == account
}
