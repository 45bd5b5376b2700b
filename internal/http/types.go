package http

import (
	"encoding/json"
	"time"

	"github.com/quantumauth-io/wallet-approval-agent/internal/approvals"
	"github.com/quantumauth-io/wallet-approval-agent/internal/signer"
)

type extensionResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type setPermissionRequest struct {
	Origin  string `json:"origin"`
	Allowed bool   `json:"allowed"`
}

type pairResp struct {
	OK               bool   `json:"ok"`
	PairingToken     string `json:"pairingToken"`
	PairingTokenPath string `json:"pairingTokenPath,omitempty"`
}

type Pairing struct {
	CodeHash  []byte
	ExpiresAt time.Time
	Used      bool
	Token     string
}

type pairExchangeReq struct {
	PairID string `json:"pair_id"`
	Code   string `json:"code"`
}

type pairExchangeResp struct {
	OK     bool   `json:"ok"`
	Token  string `json:"token"`
	Header string `json:"header"`
}

// executeOrSignReq carries either an unsigned transaction (object or base64)
// or a transaction the dApp already signed.
type executeOrSignReq struct {
	Origin        string                 `json:"origin"`
	OriginFavIcon string                 `json:"originFavIcon,omitempty"`
	Chain         string                 `json:"chain"`
	Transaction   json.RawMessage        `json:"transaction,omitempty"`
	Signed        *signer.SignedData     `json:"signed,omitempty"`
	JustSign      bool                   `json:"justSign,omitempty"`
	Options       *signer.ExecuteOptions `json:"options,omitempty"`
	RequestType   string                 `json:"requestType,omitempty"`
}

type signMessageReq struct {
	Origin        string `json:"origin"`
	OriginFavIcon string `json:"originFavIcon,omitempty"`
	Address       string `json:"accountAddress"`
	Message       string `json:"message"`
}

type requestPreapprovalReq struct {
	Origin        string                `json:"origin"`
	OriginTitle   string                `json:"originTitle,omitempty"`
	OriginFavIcon string                `json:"originFavIcon,omitempty"`
	Preapproval   approvals.Preapproval `json:"preapproval"`
}

type unlockReq struct {
	Password string `json:"password"`
}

type sessionStatusResp struct {
	OK       bool   `json:"ok"`
	Unlocked bool   `json:"unlocked"`
	Address  string `json:"address,omitempty"`
}

// popupEvent is pushed to the popup over its liveness socket.
type popupEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}
