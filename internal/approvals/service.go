// Package approvals runs the consent protocol between dApps, the wallet key
// and the human approver: every transaction either matches a pre-approval
// grant with budget left or waits for an explicit decision in a popup.
package approvals

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-approval-agent/internal/bus"
	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
	"github.com/quantumauth-io/wallet-approval-agent/internal/popup"
	"github.com/quantumauth-io/wallet-approval-agent/internal/signer"
)

// SessionGuard reports whether the wallet is unlocked.
type SessionGuard interface {
	Active() bool
}

type Policy struct {
	// A grant survives a direct execution only while its remaining gas is
	// above gasUsed * RenewalMarginBps / 10000.
	RenewalMarginBps int64
}

func DefaultPolicy() Policy {
	return Policy{RenewalMarginBps: constants.DefaultRenewalMarginBps}
}

type Deps struct {
	Store   *Store
	Popups  *popup.Controller
	Signer  signer.Capability
	Session SessionGuard
	Metrics *Metrics

	// Optional.
	TxBus          *bus.Bus[TxResponse]
	PreapprovalBus *bus.Bus[PreapprovalResponse]
	Now            func() time.Time
	NewID          func() string
}

type Service struct {
	store   *Store
	popups  *popup.Controller
	signer  signer.Capability
	session SessionGuard
	metrics *Metrics
	policy  Policy

	txBus  *bus.Bus[TxResponse]
	preBus *bus.Bus[PreapprovalResponse]

	now   func() time.Time
	newID func() string

	// serializes fast path runs so two executions never spend the same budget
	directMu sync.Mutex
}

func NewService(d Deps, policy Policy) *Service {
	if policy.RenewalMarginBps <= 0 {
		policy.RenewalMarginBps = constants.DefaultRenewalMarginBps
	}
	s := &Service{
		store:   d.Store,
		popups:  d.Popups,
		signer:  d.Signer,
		session: d.Session,
		metrics: d.Metrics,
		policy:  policy,
		txBus:   d.TxBus,
		preBus:  d.PreapprovalBus,
		now:     d.Now,
		newID:   d.NewID,
	}
	if s.txBus == nil {
		s.txBus = bus.New(func(r TxResponse) string { return r.ID })
	}
	if s.preBus == nil {
		s.preBus = bus.New(func(r PreapprovalResponse) string { return r.ID })
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// TransactionRequestInput is an inbound request carrying a transaction payload.
type TransactionRequestInput struct {
	Origin        string
	OriginFavIcon string
	Tx            Payload
}

type SignMessageInput struct {
	Origin        string
	OriginFavIcon string
	Address       string
	// Message is base64.
	Message string
}

type PreapprovalInput struct {
	Origin        string
	OriginTitle   string
	OriginFavIcon string
	Preapproval   Preapproval
}

// ExecuteOrSignTransaction runs a transaction through a matching grant, or
// asks the user and then signs, or signs and executes, it.
func (s *Service) ExecuteOrSignTransaction(ctx context.Context, in TransactionRequestInput) (*Outcome, error) {
	if err := validateTxInput(in); err != nil {
		return nil, err
	}

	if p, ok := in.Tx.(*TransactionPayload); ok && !p.JustSign {
		if res, ok := s.tryDirectExecution(ctx, p); ok {
			return &Outcome{Execution: res, Direct: true}, nil
		}
	}

	req := &TransactionApprovalRequest{
		ID:            s.newID(),
		Origin:        in.Origin,
		OriginFavIcon: in.OriginFavIcon,
		CreatedDate:   s.now(),
		Tx:            in.Tx,
	}
	return s.runTransactionFlow(ctx, popup.KindTxApproval, req)
}

// SignMessage asks the user to sign a message with the active account.
func (s *Service) SignMessage(ctx context.Context, in SignMessageInput) (*Outcome, error) {
	if strings.TrimSpace(in.Origin) == "" {
		return nil, invalidRequest("missing origin")
	}
	if _, err := base64.StdEncoding.DecodeString(in.Message); err != nil {
		return nil, invalidRequest("message must be base64: %v", err)
	}
	addr, err := s.signer.Address(ctx)
	if err != nil {
		return nil, infrastructureError(err, "no account available")
	}
	if signer.NormalizeAddress(in.Address) != signer.NormalizeAddress(addr) {
		return nil, invalidRequest("account %s not found", in.Address)
	}

	req := &TransactionApprovalRequest{
		ID:            s.newID(),
		Origin:        in.Origin,
		OriginFavIcon: in.OriginFavIcon,
		CreatedDate:   s.now(),
		Tx:            &SignMessagePayload{Address: addr, Message: in.Message},
	}
	return s.runTransactionFlow(ctx, popup.KindSignMessageApproval, req)
}

// RequestPreapproval asks the user to grant a budget for matching
// transactions. The approved grant, possibly adjusted by the user, is returned.
func (s *Service) RequestPreapproval(ctx context.Context, in PreapprovalInput) (*PreapprovalRequest, error) {
	if strings.TrimSpace(in.Origin) == "" {
		return nil, invalidRequest("missing origin")
	}
	addr, err := s.signer.Address(ctx)
	if err != nil {
		return nil, infrastructureError(err, "no account available")
	}
	grant, err := normalizeGrant(in.Preapproval)
	if err != nil {
		return nil, err
	}
	if grant.Address != signer.NormalizeAddress(addr) {
		return nil, invalidRequest("account %s not found", in.Preapproval.Address)
	}

	req := &PreapprovalRequest{
		ID:            s.newID(),
		Origin:        in.Origin,
		OriginTitle:   in.OriginTitle,
		OriginFavIcon: in.OriginFavIcon,
		CreatedDate:   s.now(),
		Preapproval:   grant,
	}
	if err := s.store.PutPreapprovalRequest(ctx, req); err != nil {
		return nil, infrastructureError(err, "persist preapproval request")
	}
	kind := string(popup.KindPreapproval)
	s.metrics.created(kind)
	log.Info("preapproval requested", "request_id", req.ID, "origin", req.Origin, "target", grant.Target)

	resp, err := awaitDecision(ctx, s, s.preBus, popup.KindPreapproval, req.ID,
		PreapprovalResponse{ID: req.ID, Approved: false})
	if err != nil {
		if Classify(err) == ClassCanceled {
			if derr := s.store.DeletePreapprovalRequest(context.WithoutCancel(ctx), req.ID); derr != nil {
				log.Error("delete abandoned preapproval failed", "request_id", req.ID, "error", derr)
			}
		}
		return nil, err
	}

	if !resp.Approved {
		if err := s.store.DeletePreapprovalRequest(ctx, req.ID); err != nil {
			log.Error("delete rejected preapproval failed", "request_id", req.ID, "error", err)
		}
		s.metrics.retired("rejected")
		s.metrics.resolved(kind, ClassRejected)
		log.Info("preapproval rejected", "request_id", req.ID)
		return nil, ErrRejectedByUser
	}

	if resp.Preapproval != nil {
		req.Preapproval = applyAdjustments(req.Preapproval, *resp.Preapproval)
	}
	req.Approved = boolPtr(true)
	if err := s.store.PutPreapprovalRequest(ctx, req); err != nil {
		s.metrics.resolved(kind, ClassInfrastructure)
		return nil, infrastructureError(err, "persist approved preapproval")
	}
	s.metrics.resolved(kind, "approved")
	log.Info("preapproval granted", "request_id", req.ID,
		"max_tx", req.Preapproval.MaxTransactionCount, "gas_limit", req.Preapproval.TotalGasLimit)
	return req, nil
}

// HandleTxMessage delivers a popup decision. It reports whether a flow was
// waiting for it.
func (s *Service) HandleTxMessage(resp TxResponse) bool {
	delivered := s.txBus.Publish(resp) > 0
	if !delivered {
		log.Warn("transaction response with no waiting request", "request_id", resp.ID)
	}
	return delivered
}

func (s *Service) HandlePreapprovalMessage(resp PreapprovalResponse) bool {
	delivered := s.preBus.Publish(resp) > 0
	if !delivered {
		log.Warn("preapproval response with no waiting request", "request_id", resp.ID)
	}
	return delivered
}

func (s *Service) TransactionRequest(ctx context.Context, id string) (*TransactionApprovalRequest, error) {
	return s.store.TransactionRequest(ctx, id)
}

func (s *Service) PreapprovalRequest(ctx context.Context, id string) (*PreapprovalRequest, error) {
	return s.store.PreapprovalRequest(ctx, id)
}

// Preapprovals lists stored grants, oldest first, approved or not.
func (s *Service) Preapprovals(ctx context.Context) []*PreapprovalRequest {
	return s.store.PreapprovalRequests(ctx).Values()
}

// RevokePreapproval deletes a grant before its budget runs out. It waits for
// a direct execution in flight so the grant is not charged after it is gone.
func (s *Service) RevokePreapproval(ctx context.Context, id string) error {
	s.directMu.Lock()
	defer s.directMu.Unlock()

	if _, err := s.store.PreapprovalRequest(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeletePreapprovalRequest(ctx, id); err != nil {
		return infrastructureError(err, "delete preapproval")
	}
	s.metrics.retired("revoked")
	log.Info("preapproval revoked", "preapproval_id", id)
	return nil
}

// DryRun simulates the transaction behind request id for the popup.
func (s *Service) DryRun(ctx context.Context, id string) (*signer.DryRunResult, error) {
	req, err := s.store.TransactionRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	p, ok := req.Tx.(*TransactionPayload)
	if !ok {
		return nil, invalidRequest("request %s has no transaction to simulate", id)
	}
	return s.signer.DryRun(ctx, p.Chain, p.Transaction)
}

func (s *Service) runTransactionFlow(ctx context.Context, kind popup.Kind, req *TransactionApprovalRequest) (*Outcome, error) {
	if err := s.store.PutTransactionRequest(ctx, req); err != nil {
		return nil, infrastructureError(err, "persist transaction request")
	}
	s.metrics.created(string(kind))
	log.Info("approval requested", "request_id", req.ID, "kind", string(kind), "origin", req.Origin)

	resp, err := awaitDecision(ctx, s, s.txBus, kind, req.ID, TxResponse{ID: req.ID, Approved: false})
	if err != nil {
		if Classify(err) == ClassCanceled {
			if derr := s.store.DeleteTransactionRequest(context.WithoutCancel(ctx), req.ID); derr != nil {
				log.Error("delete abandoned request failed", "request_id", req.ID, "error", derr)
			}
		}
		return nil, err
	}
	return s.finishTransaction(ctx, kind, req, resp)
}

// awaitDecision opens the popup and waits for the first of: a response on b,
// the popup closing, or ctx ending. A closed popup resolves to closedAs. When
// ctx ends the popup is closed too and the caller discards the record.
// The subscription is in place before the popup can answer.
func awaitDecision[T any](ctx context.Context, s *Service, b *bus.Bus[T], kind popup.Kind, id string, closedAs T) (T, error) {
	var zero T

	ch, unsubscribe := b.SubscribeOnce(id)
	defer unsubscribe()

	win, err := s.popups.Open(ctx, kind, id)
	if err != nil {
		s.metrics.resolved(string(kind), ClassInfrastructure)
		return zero, infrastructureError(err, "open approval popup")
	}
	defer win.Close("resolved")

	s.metrics.waiting(1)
	defer s.metrics.waiting(-1)

	select {
	case resp := <-ch:
		return resp, nil
	case <-win.Closed():
		log.Info("approval popup closed before a decision", "request_id", id, "reason", win.Reason())
		return closedAs, nil
	case <-ctx.Done():
		s.metrics.resolved(string(kind), ClassCanceled)
		return zero, infrastructureError(ctx.Err(), "approval abandoned")
	}
}

func (s *Service) finishTransaction(ctx context.Context, kind popup.Kind, req *TransactionApprovalRequest, resp TxResponse) (*Outcome, error) {
	if !resp.Approved {
		if err := s.store.DeleteTransactionRequest(ctx, req.ID); err != nil {
			log.Error("delete rejected request failed", "request_id", req.ID, "error", err)
		}
		s.metrics.resolved(string(kind), ClassRejected)
		log.Info("approval rejected", "request_id", req.ID)
		return nil, ErrRejectedByUser
	}

	out, execErr := s.completeApproved(ctx, req.Tx, resp)

	req.Approved = boolPtr(true)
	if execErr != nil {
		req.TxResultError = execErr.Error()
	} else {
		req.TxResult = out.Execution
		req.TxSigned = out.Signed
		req.MessageSigned = out.SignedMessage
	}
	if err := s.store.PutTransactionRequest(ctx, req); err != nil {
		log.Error("persist approved request failed", "request_id", req.ID, "error", err)
	}

	if execErr != nil {
		s.metrics.resolved(string(kind), ClassExecution)
		log.Warn("approved request failed to execute", "request_id", req.ID, "error", execErr)
		return nil, executionError(execErr)
	}
	s.metrics.resolved(string(kind), "approved")
	log.Info("approval completed", "request_id", req.ID)
	return out, nil
}

// completeApproved uses the popup's own result when it sent one, and otherwise
// performs the signing or execution the payload asks for.
func (s *Service) completeApproved(ctx context.Context, payload Payload, resp TxResponse) (*Outcome, error) {
	if resp.hasResult() {
		if resp.TxResultError != "" {
			return nil, errors.New(resp.TxResultError)
		}
		return &Outcome{Execution: resp.TxResult, Signed: resp.TxSigned, SignedMessage: resp.MessageSigned}, nil
	}

	switch p := payload.(type) {
	case *TransactionPayload:
		if p.JustSign {
			signed, err := s.signer.SignTransaction(ctx, p.Transaction)
			if err != nil {
				return nil, err
			}
			return &Outcome{Signed: signed}, nil
		}
		res, err := s.signer.SignAndExecute(ctx, signer.ExecuteRequest{
			Chain:       p.Chain,
			Transaction: p.Transaction,
			Options:     p.Options,
			RequestType: p.RequestType,
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{Execution: res}, nil

	case *SignedTransactionPayload:
		res, err := s.signer.ExecuteSigned(ctx, signer.SignedExecuteRequest{
			Chain:       p.Chain,
			Signed:      p.Signed,
			Options:     p.Options,
			RequestType: p.RequestType,
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{Execution: res}, nil

	case *SignMessagePayload:
		msg, err := base64.StdEncoding.DecodeString(p.Message)
		if err != nil {
			return nil, err
		}
		signed, err := s.signer.SignMessage(ctx, msg)
		if err != nil {
			return nil, err
		}
		return &Outcome{SignedMessage: signed}, nil

	default:
		return nil, invalidRequest("unsupported payload %T", payload)
	}
}

func validateTxInput(in TransactionRequestInput) error {
	if strings.TrimSpace(in.Origin) == "" {
		return invalidRequest("missing origin")
	}
	switch p := in.Tx.(type) {
	case *TransactionPayload:
		if p.Transaction == nil || len(p.Transaction.Commands) == 0 {
			return invalidRequest("missing transaction")
		}
		if !p.JustSign && p.Chain == "" {
			return invalidRequest("missing chain")
		}
	case *SignedTransactionPayload:
		if p.Signed.TransactionBytes == "" || p.Signed.Signature == "" {
			return invalidRequest("missing signed transaction")
		}
		if p.Chain == "" {
			return invalidRequest("missing chain")
		}
	case *SignMessagePayload:
		return invalidRequest("messages go through SignMessage")
	default:
		return invalidRequest("missing transaction payload")
	}
	return nil
}

func normalizeGrant(p Preapproval) (Preapproval, error) {
	target, err := signer.NormalizeTarget(p.Target)
	if err != nil {
		return p, invalidRequest("%v", err)
	}
	if strings.TrimSpace(p.ObjectID) == "" {
		return p, invalidRequest("missing objectId")
	}
	if strings.TrimSpace(p.Address) == "" {
		return p, invalidRequest("missing address")
	}
	if strings.TrimSpace(p.Chain) == "" {
		return p, invalidRequest("missing chain")
	}
	if p.MaxTransactionCount <= 0 || p.TotalGasLimit <= 0 {
		return p, invalidRequest("maxTransactionCount and totalGasLimit must be positive")
	}
	p.Target = target
	p.ObjectID = signer.NormalizeAddress(p.ObjectID)
	p.Address = signer.NormalizeAddress(p.Address)
	return p, nil
}

// applyAdjustments takes the budget the user settled on. What the grant
// matches on cannot change, and the budget cannot grow or drop to zero.
func applyAdjustments(orig, adjusted Preapproval) Preapproval {
	out := orig
	if adjusted.MaxTransactionCount > 0 && adjusted.MaxTransactionCount <= orig.MaxTransactionCount {
		out.MaxTransactionCount = adjusted.MaxTransactionCount
	}
	if adjusted.TotalGasLimit > 0 && adjusted.TotalGasLimit <= orig.TotalGasLimit {
		out.TotalGasLimit = adjusted.TotalGasLimit
	}
	if adjusted.Description != "" {
		out.Description = adjusted.Description
	}
	return out
}
