package http

import "time"

// Generic HTTP / JSON strings
const (
	HTTPErrorInvalidJSONText = "invalid JSON"
	HTTPErrorForbiddenText   = "forbidden"
	HTTPErrorForbiddenHost   = "forbidden host"
	HTTPErrorForbiddenOrigin = "forbidden origin"
	HTTPErrorUnauthorized    = "unauthorized"
	HTTPErrorNotPairedText   = "extension not paired"
)

// Common JSON keys
const (
	JSONKeyOK       = "ok"
	JSONKeyValid    = "valid"
	JSONKeyPaired   = "paired"
	JSONKeyAllowed  = "allowed"
	JSONKeyOrigin   = "origin"
	JSONKeyUnlocked = "unlocked"
	JSONKeyAddress  = "address"
)

// Pairing flow constants
const (
	PairingErrorMissingPairIDOrCodeText = "missing pair_id or code"
	PairingErrorPairExpiredText         = "pair expired"
	PairingErrorInvalidCodeText         = "invalid code"

	PairingCodeLength  = 8
	PairingCodeLetters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0 O I 1
	PairingExchangeTTL = 60 * time.Second
)

// Wallet / approval messages
const (
	WalletOriginNotConnectedText = "origin not connected"
	WalletInvalidOriginText      = "missing/invalid origin"
	WalletMissingTransactionText = "missing transaction"
	WalletLockedText             = "wallet locked"
	WalletRateLimitedText        = "too many requests from origin"
	ApprovalNoWaitingRequestText = "no request waiting for this response"
	PopupNotOpenText             = "popup not open"
)

// Popup liveness socket
const (
	wsPongWait   = 30 * time.Second
	wsPingPeriod = 10 * time.Second
	wsWriteWait  = 5 * time.Second
	wsReadLimit  = 4 << 10
)

const corsMaxAge = 10 * time.Minute
