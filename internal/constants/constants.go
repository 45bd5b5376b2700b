package constants

const (
	AppName = "wallet-approval-agent"

	KeystoreFile     = "keystore.json"
	PairingTokenFile = "extension_pairing_token"
	SQLiteFile       = "agent.db"

	SchemaV1      = 1
	FilePerm      = 0o600
	DirectoryPerm = 0o700

	// AAD for the encrypted keystore (must match on decrypt).
	KeystoreAAD = "wallet-approval-agent:keystore:v1"

	// AAD prefix for values sealed with the session key; the storage key is appended.
	SessionValueAAD = "wallet-approval-agent:session:v1:"

	// Plain storage keys.
	TransactionRequestsKey = "transaction-approval-requests"
	PermissionsKey         = "origin-permissions"

	// Session-encrypted storage keys.
	PreapprovalRequestsKey = "preapproval-requests"

	DefaultMaxPreapprovals  = 10
	DefaultRenewalMarginBps = 15_000
)

// HTTP headers shared between the agent, the extension and the popup UI.
const (
	ExtensionPairHeader = "X-QA-Extension"
	AgentSessionHeader  = "X-QA-Session"
	AgentSessionQuery   = "session"
)
