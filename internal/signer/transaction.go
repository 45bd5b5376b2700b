package signer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ArgKindObject = "object"
	ArgKindPure   = "pure"

	CommandMoveCall        = "MoveCall"
	CommandTransferObjects = "TransferObjects"
	CommandSplitCoins      = "SplitCoins"
	CommandMergeCoins      = "MergeCoins"
)

// Transaction is a programmable transaction block as the dApp submits it.
// The agent reads targets and object inputs from it and forwards the
// serialized form to the chain untouched.
type Transaction struct {
	Sender    string    `json:"sender,omitempty"`
	GasBudget string    `json:"gasBudget,omitempty"`
	GasPrice  string    `json:"gasPrice,omitempty"`
	Inputs    []CallArg `json:"inputs"`
	Commands  []Command `json:"commands"`
}

type CallArg struct {
	Kind     string          `json:"kind"`
	ObjectID string          `json:"objectId,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

type Command struct {
	Kind          string     `json:"kind"`
	Target        string     `json:"target,omitempty"`
	TypeArguments []string   `json:"typeArguments,omitempty"`
	Arguments     []Argument `json:"arguments,omitempty"`
}

type Argument struct {
	Kind  string `json:"kind"` // input, result, gas
	Index int    `json:"index,omitempty"`
}

// ParseTransaction decodes a transaction from its JSON form, accepting either
// a JSON object or a base64 string wrapping one.
func ParseTransaction(raw json.RawMessage) (*Transaction, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode transaction base64: %w", err)
		}
		raw = b
	}

	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if len(tx.Commands) == 0 {
		return nil, fmt.Errorf("transaction has no commands")
	}
	return &tx, nil
}

// MoveCallTarget returns the package::module::function of the first MoveCall,
// with the package address normalized.
func (t *Transaction) MoveCallTarget() (string, bool) {
	if t == nil {
		return "", false
	}
	for _, c := range t.Commands {
		if c.Kind == CommandMoveCall && c.Target != "" {
			target, err := NormalizeTarget(c.Target)
			if err != nil {
				return "", false
			}
			return target, true
		}
	}
	return "", false
}

// ObjectIDs lists the normalized ids of every object input, in input order.
func (t *Transaction) ObjectIDs() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(t.Inputs))
	out := make([]string, 0, len(t.Inputs))
	for _, in := range t.Inputs {
		if in.Kind != ArgKindObject || in.ObjectID == "" {
			continue
		}
		id := NormalizeAddress(in.ObjectID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Bytes is the serialized form that gets signed and submitted.
func (t *Transaction) Bytes() ([]byte, error) {
	return json.Marshal(t)
}

// NormalizeAddress lowercases a hex address or object id, adds the 0x prefix
// and left pads it to 32 bytes.
func NormalizeAddress(in string) string {
	s := strings.ToLower(strings.TrimSpace(in))
	s = strings.TrimPrefix(s, "0x")
	if len(s) < 64 {
		s = strings.Repeat("0", 64-len(s)) + s
	}
	return "0x" + s
}

// SplitTarget splits package::module::function.
func SplitTarget(target string) (pkg, module, function string, err error) {
	parts := strings.Split(target, "::")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid move call target %q", target)
	}
	return parts[0], parts[1], parts[2], nil
}

// NormalizeTarget rewrites the package part of package::module::function with
// NormalizeAddress, so 0x2::coin::join and 0x0002::coin::join compare equal.
func NormalizeTarget(target string) (string, error) {
	pkg, module, function, err := SplitTarget(strings.TrimSpace(target))
	if err != nil {
		return "", err
	}
	return NormalizeAddress(pkg) + "::" + module + "::" + function, nil
}
