package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/policy"
	"vaultline/internal/repo"
)

// ErrNotAuthorized covers every policy denial: unknown agent, missing
// permission, account mismatch, non-operator approver, self-approval. It is an
// expected client outcome, not a system fault.
var ErrNotAuthorized = errors.New("not authorized")

// ErrNoSuchEntity means the referenced ieid is not archived.
var ErrNoSuchEntity = errors.New("no such intellectual entity")

// ErrInvalidRequestType means the type is outside disseminate/withdraw/peek.
var ErrInvalidRequestType = errors.New("invalid request type")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// resolveAgent maps an unknown identifier to ErrNotAuthorized. Callers must
// not learn whether anything else exists before this succeeds.
func (e Engine) resolveAgent(ctx context.Context, identifier string) (domain.Agent, error) {
	agent, err := e.Repo.GetAgent(ctx, identifier)
	if errors.Is(err, repo.ErrNotFound) {
		return agent, ErrNotAuthorized
	}
	return agent, err
}

// EnqueueResult reports the outcome of a submission. Duplicate is a routine
// result of concurrent or careless clients, not an error.
type EnqueueResult struct {
	RequestID int64 `json:"request_id,omitempty"`
	Duplicate bool  `json:"duplicate,omitempty"`
}

// Enqueue submits a new request. Checks run in a fixed order: request type,
// then agent role/permission, then entity existence, then account ownership,
// then the pending-duplicate rule. An unauthorized agent gets ErrNotAuthorized
// before entity existence is ever consulted.
func (e Engine) Enqueue(ctx context.Context, agentID, reqType, ieid string) (EnqueueResult, error) {
	if !domain.ValidType(reqType) {
		return EnqueueResult{}, fmt.Errorf("%w: %s", ErrInvalidRequestType, reqType)
	}
	agent, err := e.resolveAgent(ctx, agentID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if !policy.HasSubmitPermission(agent, reqType) {
		return EnqueueResult{}, ErrNotAuthorized
	}
	entity, err := e.Repo.GetEntity(ctx, ieid)
	if errors.Is(err, repo.ErrNotFound) {
		return EnqueueResult{}, ErrNoSuchEntity
	}
	if err != nil {
		return EnqueueResult{}, err
	}
	if !policy.CanSubmit(agent, reqType, entity.AccountCode) {
		return EnqueueResult{}, ErrNotAuthorized
	}

	req := domain.Request{
		IEID: entity.IEID,
		// scoped to the entity's owner, so the owning account sees the
		// request even when an operator submitted it from elsewhere
		AccountCode: entity.AccountCode,
		AgentID:     agent.Identifier,
		Type:        reqType,
		// Withdrawal is destructive downstream and always needs a second
		// party; the read-like types are authorized at submission.
		IsAuthorized: reqType != domain.TypeWithdraw,
		Status:       domain.StatusEnqueued,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EnqueueResult{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertRequest(ctx, tx, req)
	if errors.Is(err, repo.ErrDuplicate) {
		return EnqueueResult{Duplicate: true}, nil
	}
	if err != nil {
		return EnqueueResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RequestSubmitted, req.IEID, agent.Identifier, events.EventPayload{
		"request_id":   id,
		"request_type": req.Type,
	}); err != nil {
		return EnqueueResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{RequestID: id}, nil
}

// Approve authorizes a pending withdrawal. Only an operator other than the
// submitter may approve; everything else is ErrNotAuthorized and leaves no
// audit record.
func (e Engine) Approve(ctx context.Context, requestID int64, approverID string) error {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != domain.StatusEnqueued {
		return repo.ErrNotFound
	}
	approver, err := e.resolveAgent(ctx, approverID)
	if err != nil {
		return err
	}
	if !policy.CanApprove(approver, req) {
		return ErrNotAuthorized
	}
	if req.IsAuthorized {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetAuthorized(ctx, tx, req.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.RequestApproved, req.IEID, approver.Identifier, events.EventPayload{
		"request_id":        req.ID,
		"authorizing_agent": approver.Identifier,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Query returns the pending request for (ieid, type), scoped by CanView.
func (e Engine) Query(ctx context.Context, agentID, ieid, reqType string) (domain.Request, error) {
	if !domain.ValidType(reqType) {
		return domain.Request{}, fmt.Errorf("%w: %s", ErrInvalidRequestType, reqType)
	}
	agent, err := e.resolveAgent(ctx, agentID)
	if err != nil {
		return domain.Request{}, err
	}
	req, err := e.Repo.FindPending(ctx, ieid, reqType)
	if err != nil {
		return domain.Request{}, err
	}
	if !policy.CanView(agent, req.AccountCode) {
		return domain.Request{}, ErrNotAuthorized
	}
	return req, nil
}

// Delete destroys the pending request for (ieid, type). Released requests are
// out of reach; their ownership has passed to the workspace. The audit trail
// keeps the deletion record after the row is gone.
func (e Engine) Delete(ctx context.Context, agentID, ieid, reqType string) error {
	req, err := e.Query(ctx, agentID, ieid, reqType)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.RequestDeleted, req.IEID, agentID, events.EventPayload{
		"request_id": req.ID,
	}); err != nil {
		return err
	}
	if err := e.Repo.DeleteRequest(ctx, tx, req.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryAccount lists every request, pending and released, for an account.
// An empty result is a valid non-error outcome.
func (e Engine) QueryAccount(ctx context.Context, agentID, account string) ([]domain.Request, error) {
	agent, err := e.resolveAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !policy.CanView(agent, account) {
		return nil, ErrNotAuthorized
	}
	return e.Repo.ListByAccount(ctx, account)
}

// QueryIEID lists every request for one entity.
func (e Engine) QueryIEID(ctx context.Context, agentID, ieid string) ([]domain.Request, error) {
	agent, err := e.resolveAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	entity, err := e.Repo.GetEntity(ctx, ieid)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoSuchEntity
	}
	if err != nil {
		return nil, err
	}
	if !policy.CanView(agent, entity.AccountCode) {
		return nil, ErrNotAuthorized
	}
	return e.Repo.ListByIEID(ctx, ieid)
}

// Dequeue marks a request released to the workspace. Trusted internal path:
// only the dispatch reconciler calls it, after the work item is confirmed to
// exist.
func (e Engine) Dequeue(ctx context.Context, requestID int64, agentID string) error {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetReleased(ctx, tx, req.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.RequestReleased, req.IEID, agentID, events.EventPayload{
		"request_id": req.ID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
