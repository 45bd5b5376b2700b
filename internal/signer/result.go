package signer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	RequestTypeWaitForEffectsCert    = "WaitForEffectsCert"
	RequestTypeWaitForLocalExecution = "WaitForLocalExecution"

	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ExecuteOptions selects which parts of the execution result the chain returns.
type ExecuteOptions struct {
	ShowInput          bool `json:"showInput,omitempty"`
	ShowRawInput       bool `json:"showRawInput,omitempty"`
	ShowEffects        bool `json:"showEffects,omitempty"`
	ShowEvents         bool `json:"showEvents,omitempty"`
	ShowObjectChanges  bool `json:"showObjectChanges,omitempty"`
	ShowBalanceChanges bool `json:"showBalanceChanges,omitempty"`
}

type ExecutionResult struct {
	Digest         string   `json:"digest"`
	Effects        *Effects `json:"effects,omitempty"`
	ConfirmedLocal *bool    `json:"confirmedLocalExecution,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

type Effects struct {
	Status  ExecutionStatus `json:"status"`
	GasUsed GasCostSummary  `json:"gasUsed"`
}

type ExecutionStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// GasCostSummary carries decimal string amounts as the chain reports them.
type GasCostSummary struct {
	ComputationCost         string `json:"computationCost"`
	StorageCost             string `json:"storageCost"`
	StorageRebate           string `json:"storageRebate"`
	NonRefundableStorageFee string `json:"nonRefundableStorageFee,omitempty"`
}

// Net returns computation + storage - rebate. It can be negative. Amounts
// whose sum does not fit in an int64 are rejected.
func (g GasCostSummary) Net() (int64, error) {
	comp, err := parseAmount(g.ComputationCost)
	if err != nil {
		return 0, fmt.Errorf("computationCost: %w", err)
	}
	storage, err := parseAmount(g.StorageCost)
	if err != nil {
		return 0, fmt.Errorf("storageCost: %w", err)
	}
	rebate, err := parseAmount(g.StorageRebate)
	if err != nil {
		return 0, fmt.Errorf("storageRebate: %w", err)
	}
	if comp < 0 || storage < 0 || rebate < 0 {
		return 0, fmt.Errorf("negative gas amount in %+v", g)
	}
	if comp > math.MaxInt64-storage {
		return 0, fmt.Errorf("gas cost overflows int64: %s + %s", g.ComputationCost, g.StorageCost)
	}
	return comp + storage - rebate, nil
}

func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

type DryRunResult struct {
	Effects *Effects `json:"effects,omitempty"`
	Input   any      `json:"input,omitempty"`
	Events  []any    `json:"events,omitempty"`
}

// SignedData is a serialized transaction plus its serialized signature, both base64.
type SignedData struct {
	TransactionBytes string `json:"transactionBlockBytes"`
	Signature        string `json:"signature"`
}

type SignedMessage struct {
	MessageBytes string `json:"messageBytes"`
	Signature    string `json:"signature"`
}
