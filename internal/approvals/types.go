package approvals

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantumauth-io/wallet-approval-agent/internal/signer"
)

type PayloadType string

const (
	PayloadTransaction       PayloadType = "transaction"
	PayloadSignedTransaction PayloadType = "signed-transaction"
	PayloadSignMessage       PayloadType = "sign-message"
)

// Payload is what a transaction approval request asks the user to approve.
// It is one of *TransactionPayload, *SignedTransactionPayload or
// *SignMessagePayload.
type Payload interface {
	Type() PayloadType
	isPayload()
}

// TransactionPayload asks to sign a transaction and, unless JustSign, execute it.
type TransactionPayload struct {
	Transaction *signer.Transaction    `json:"transaction"`
	Chain       string                 `json:"chain"`
	JustSign    bool                   `json:"justSign,omitempty"`
	Options     *signer.ExecuteOptions `json:"options,omitempty"`
	RequestType string                 `json:"requestType,omitempty"`
}

// SignedTransactionPayload asks to submit a transaction the dApp already signed.
type SignedTransactionPayload struct {
	Chain       string                 `json:"chain"`
	Signed      signer.SignedData      `json:"signed"`
	Options     *signer.ExecuteOptions `json:"options,omitempty"`
	RequestType string                 `json:"requestType,omitempty"`
}

// SignMessagePayload asks to sign an arbitrary message. Message is base64.
type SignMessagePayload struct {
	Address string `json:"accountAddress"`
	Message string `json:"message"`
}

func (*TransactionPayload) Type() PayloadType       { return PayloadTransaction }
func (*SignedTransactionPayload) Type() PayloadType { return PayloadSignedTransaction }
func (*SignMessagePayload) Type() PayloadType       { return PayloadSignMessage }

func (*TransactionPayload) isPayload()       {}
func (*SignedTransactionPayload) isPayload() {}
func (*SignMessagePayload) isPayload()       {}

type payloadEnvelope struct {
	Type PayloadType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func marshalPayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("missing payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Type: p.Type(), Data: data})
}

func unmarshalPayload(raw json.RawMessage) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var p Payload
	switch env.Type {
	case PayloadTransaction:
		p = &TransactionPayload{}
	case PayloadSignedTransaction:
		p = &SignedTransactionPayload{}
	case PayloadSignMessage:
		p = &SignMessagePayload{}
	default:
		return nil, fmt.Errorf("unknown payload type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return p, nil
}

// TransactionApprovalRequest is a persisted request for per-transaction consent.
// Approved is nil while pending and set exactly once.
type TransactionApprovalRequest struct {
	ID            string    `json:"id"`
	Origin        string    `json:"origin"`
	OriginFavIcon string    `json:"originFavIcon,omitempty"`
	CreatedDate   time.Time `json:"createdDate"`
	Tx            Payload   `json:"-"`
	Approved      *bool     `json:"approved"`

	TxResult      *signer.ExecutionResult `json:"txResult,omitempty"`
	TxSigned      *signer.SignedData      `json:"txSigned,omitempty"`
	MessageSigned *signer.SignedMessage   `json:"messageSigned,omitempty"`
	TxResultError string                  `json:"txResultError,omitempty"`
}

func (r TransactionApprovalRequest) MarshalJSON() ([]byte, error) {
	type alias TransactionApprovalRequest
	tx, err := marshalPayload(r.Tx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Tx json.RawMessage `json:"tx"`
	}{alias: alias(r), Tx: tx})
}

func (r *TransactionApprovalRequest) UnmarshalJSON(b []byte) error {
	type alias TransactionApprovalRequest
	aux := struct {
		*alias
		Tx json.RawMessage `json:"tx"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p, err := unmarshalPayload(aux.Tx)
	if err != nil {
		return err
	}
	r.Tx = p
	return nil
}

func (r *TransactionApprovalRequest) Pending() bool { return r.Approved == nil }

// Preapproval is a grant letting matching transactions skip the popup while
// its budget lasts.
type Preapproval struct {
	Target              string `json:"target"`
	ObjectID            string `json:"objectId"`
	Address             string `json:"address"`
	Chain               string `json:"chain"`
	MaxTransactionCount int64  `json:"maxTransactionCount"`
	TotalGasLimit       int64  `json:"totalGasLimit"`
	Description         string `json:"description,omitempty"`
}

type PreapprovalRequest struct {
	ID            string      `json:"id"`
	Origin        string      `json:"origin"`
	OriginTitle   string      `json:"originTitle,omitempty"`
	OriginFavIcon string      `json:"originFavIcon,omitempty"`
	CreatedDate   time.Time   `json:"createdDate"`
	Approved      *bool       `json:"approved"`
	Preapproval   Preapproval `json:"preapproval"`
}

// TxResponse is the popup's decision on a transaction approval request.
// When the popup executed or signed itself it carries the result.
type TxResponse struct {
	ID            string                  `json:"id"`
	Approved      bool                    `json:"approved"`
	TxResult      *signer.ExecutionResult `json:"txResult,omitempty"`
	TxSigned      *signer.SignedData      `json:"txSigned,omitempty"`
	MessageSigned *signer.SignedMessage   `json:"messageSigned,omitempty"`
	TxResultError string                  `json:"txResultError,omitempty"`
}

func (r TxResponse) hasResult() bool {
	return r.TxResult != nil || r.TxSigned != nil || r.MessageSigned != nil || r.TxResultError != ""
}

// PreapprovalResponse is the popup's decision on a grant. Preapproval, when
// set, carries the budget as the user adjusted it.
type PreapprovalResponse struct {
	ID          string       `json:"id"`
	Approved    bool         `json:"approved"`
	Preapproval *Preapproval `json:"preapproval,omitempty"`
}

// Outcome is returned to the dApp once a request resolves.
type Outcome struct {
	Execution     *signer.ExecutionResult `json:"execution,omitempty"`
	Signed        *signer.SignedData      `json:"signed,omitempty"`
	SignedMessage *signer.SignedMessage   `json:"signedMessage,omitempty"`
	// Direct is set when a pre-approval grant covered the transaction.
	Direct bool `json:"direct,omitempty"`
}

func boolPtr(b bool) *bool { return &b }
