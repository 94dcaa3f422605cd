package domain

// Agent roles.
const (
	RoleOperator = "operator"
	RoleContact  = "contact"
	RoleService  = "service"
	RoleProgram  = "program"
)

// Request types.
const (
	TypeDisseminate = "disseminate"
	TypeWithdraw    = "withdraw"
	TypePeek        = "peek"
)

// Request statuses.
const (
	StatusEnqueued = "enqueued"
	StatusReleased = "released_to_workspace"
)

// Contact permissions. PermSubmit governs package submission elsewhere in the
// archive; it never grants any of the three request types here.
const (
	PermDisseminate = "disseminate"
	PermWithdraw    = "withdraw"
	PermPeek        = "peek"
	PermSubmit      = "submit"
)

// ValidType reports whether t is one of the three supported request types.
func ValidType(t string) bool {
	return t == TypeDisseminate || t == TypeWithdraw || t == TypePeek
}

// ValidRole reports whether r is a known agent role.
func ValidRole(r string) bool {
	return r == RoleOperator || r == RoleContact || r == RoleService || r == RoleProgram
}

type Account struct {
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Agent is an authenticated party. Contacts carry an explicit permission set;
// operators bypass permission checks and act across accounts.
type Agent struct {
	Identifier  string   `json:"identifier"`
	AccountCode string   `json:"account"`
	Role        string   `json:"role" enum:"operator,contact,service,program"`
	KeyHash     string   `json:"-"`
	ActiveFrom  *string  `json:"active_from,omitempty" format:"date-time"`
	ActiveTo    *string  `json:"active_to,omitempty" format:"date-time"`
	Permissions []string `json:"permissions,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// IsOperator reports whether the agent holds the operator role.
func (a Agent) IsOperator() bool { return a.Role == RoleOperator }

// HasPermission reports whether the agent's permission set includes perm.
func (a Agent) HasPermission(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Entity is an archived intellectual unit, keyed by ieid.
type Entity struct {
	IEID        string `json:"ieid"`
	AccountCode string `json:"account"`
	Project     string `json:"project,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Request is a pending or released package-handling request. At most one
// enqueued request per (ieid, type) pair exists at any time.
type Request struct {
	ID           int64  `json:"id"`
	IEID         string `json:"ieid"`
	AccountCode  string `json:"account"`
	AgentID      string `json:"agent"`
	Type         string `json:"type" enum:"disseminate,withdraw,peek"`
	IsAuthorized bool   `json:"is_authorized"`
	Status       string `json:"status" enum:"enqueued,released_to_workspace"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Event is an append-only audit record. Events outlive the requests they
// describe.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	IEID    string `json:"ieid,omitempty"`
	AgentID string `json:"agent"`
	Payload string `json:"payload_json"`
}
