package approvals

import (
	"context"
	"math"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-approval-agent/internal/signer"
)

// tryDirectExecution executes p without a popup when an approved grant covers
// it. ok is false whenever the interactive flow should run instead, including
// when execution itself fails.
func (s *Service) tryDirectExecution(ctx context.Context, p *TransactionPayload) (*signer.ExecutionResult, bool) {
	if s.session == nil || !s.session.Active() {
		return nil, false
	}
	target, ok := p.Transaction.MoveCallTarget()
	if !ok {
		return nil, false
	}
	objectIDs := p.Transaction.ObjectIDs()
	if len(objectIDs) == 0 {
		return nil, false
	}

	sender := p.Transaction.Sender
	if sender == "" {
		addr, err := s.signer.Address(ctx)
		if err != nil {
			return nil, false
		}
		sender = addr
	}

	s.directMu.Lock()
	defer s.directMu.Unlock()

	grant := findGrant(s.store.PreapprovalRequests(ctx), target, sender, p.Chain, objectIDs)
	if grant == nil {
		s.metrics.direct("no_match")
		return nil, false
	}

	res, err := s.signer.SignAndExecute(ctx, signer.ExecuteRequest{
		Chain:       p.Chain,
		Transaction: p.Transaction,
		Options:     withEffects(p.Options),
		RequestType: p.RequestType,
	})
	if err != nil {
		s.metrics.direct("failed")
		log.Warn("direct execution failed, asking the user instead",
			"preapproval_id", grant.ID, "target", target, "error", err)
		return nil, false
	}
	s.metrics.direct("executed")
	log.Info("transaction executed under preapproval", "preapproval_id", grant.ID, "digest", res.Digest)

	switch {
	case res.Effects != nil:
		s.spendGrant(ctx, grant.ID, res.Effects.GasUsed)
	case res.Digest != "":
		log.Warn("executed without effects, gas cannot be charged",
			"preapproval_id", grant.ID, "digest", res.Digest)
		s.retireGrant(ctx, grant.ID, "no_effects")
	}
	return res, true
}

// withEffects copies the caller's options and asks for effects, which the
// grant is charged from.
func withEffects(opts *signer.ExecuteOptions) *signer.ExecuteOptions {
	out := signer.ExecuteOptions{}
	if opts != nil {
		out = *opts
	}
	out.ShowEffects = true
	return &out
}

func findGrant(grants *Ordered[*PreapprovalRequest], target, address, chain string, objectIDs []string) *PreapprovalRequest {
	ids := make(map[string]struct{}, len(objectIDs))
	for _, id := range objectIDs {
		ids[signer.NormalizeAddress(id)] = struct{}{}
	}
	address = signer.NormalizeAddress(address)

	for _, g := range grants.Values() {
		if g == nil || g.Approved == nil || !*g.Approved {
			continue
		}
		pa := g.Preapproval
		grantTarget, err := signer.NormalizeTarget(pa.Target)
		if err != nil || grantTarget != target || pa.Chain != chain || signer.NormalizeAddress(pa.Address) != address {
			continue
		}
		if _, ok := ids[signer.NormalizeAddress(pa.ObjectID)]; ok {
			return g
		}
	}
	return nil
}

// spendGrant charges one transaction and its net gas to the stored grant, then
// keeps it only while it can plausibly pay for another call of the same cost.
// A grant revoked or evicted while the transaction ran stays gone.
func (s *Service) spendGrant(ctx context.Context, id string, gas signer.GasCostSummary) {
	gasUsed, err := gas.Net()
	if err != nil {
		log.Error("unreadable gas summary, retiring preapproval", "preapproval_id", id, "error", err)
		s.retireGrant(ctx, id, "unreadable_gas")
		return
	}
	if gasUsed < 0 {
		gasUsed = 0
	}

	var remaining Preapproval
	kept := false
	found, err := s.store.UpdatePreapprovalRequest(ctx, id, func(g *PreapprovalRequest) bool {
		g.Preapproval.MaxTransactionCount--
		g.Preapproval.TotalGasLimit -= gasUsed
		remaining = g.Preapproval
		kept = renewable(g.Preapproval, gasUsed, s.policy.RenewalMarginBps)
		return kept
	})
	switch {
	case err != nil:
		log.Error("persist spent preapproval failed, retiring it", "preapproval_id", id, "error", err)
		s.retireGrant(ctx, id, "update_failed")
	case !found:
		log.Info("preapproval gone before it could be charged", "preapproval_id", id)
	case !kept:
		s.metrics.retired("exhausted")
		log.Info("preapproval retired", "preapproval_id", id, "reason", "exhausted")
	default:
		log.Info("preapproval spent", "preapproval_id", id,
			"remaining_tx", remaining.MaxTransactionCount, "remaining_gas", remaining.TotalGasLimit)
	}
}

func (s *Service) retireGrant(ctx context.Context, id, reason string) {
	if err := s.store.DeletePreapprovalRequest(ctx, id); err != nil {
		log.Error("delete preapproval failed", "preapproval_id", id, "error", err)
		return
	}
	s.metrics.retired(reason)
	log.Info("preapproval retired", "preapproval_id", id, "reason", reason)
}

func renewable(p Preapproval, gasUsed, marginBps int64) bool {
	if p.MaxTransactionCount <= 0 {
		return false
	}
	return p.TotalGasLimit > renewalThreshold(gasUsed, marginBps)
}

func renewalThreshold(gasUsed, marginBps int64) int64 {
	if gasUsed <= 0 {
		return 0
	}
	if gasUsed > math.MaxInt64/marginBps {
		return math.MaxInt64
	}
	return gasUsed * marginBps / 10_000
}
