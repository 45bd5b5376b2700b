package http

import (
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/quantumauth-io/wallet-approval-agent/internal/approvals"
	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
	"github.com/quantumauth-io/wallet-approval-agent/internal/securefile"
)

func isLoopbackRequest(r *http.Request) bool {
	ra := r.RemoteAddr

	h, _, err := net.SplitHostPort(ra)
	if err != nil {
		ip := net.ParseIP(ra)
		return ip != nil && ip.IsLoopback()
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func isSafeLocalHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func normalizeOrigin(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return ""
	}
	u, err := url.Parse(in)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(u.Scheme), strings.ToLower(u.Host))
}

// readJSONBody decodes the request body strictly: unknown fields are errors.
func readJSONBody(c *gin.Context, out any) error {
	defer c.Request.Body.Close()
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeError(c *gin.Context, status int, kind, msg string) {
	c.AbortWithStatusJSON(status, extensionResponse{OK: false, Error: msg, Kind: kind})
}

// writeApprovalError reports err with the class the extension branches on.
func writeApprovalError(c *gin.Context, err error) {
	kind := approvals.Classify(err)
	status := http.StatusInternalServerError
	switch kind {
	case approvals.ClassRejected:
		status = http.StatusForbidden
	case approvals.ClassExecution:
		status = http.StatusBadGateway
	case approvals.ClassInvalid:
		status = http.StatusBadRequest
	case approvals.ClassNotFound:
		status = http.StatusNotFound
	case approvals.ClassCanceled:
		status = http.StatusServiceUnavailable
	}
	writeError(c, status, kind, err.Error())
}

func writePairingTokenFile(path string, token string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, constants.DirectoryPerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := securefile.AtomicWriteFile(path, []byte(token+"\n"), constants.FilePerm); err != nil {
		return fmt.Errorf("write pairing token file: %w", err)
	}
	return nil
}

// loadPairingToken loads the extension pairing token from disk.
// Missing file = not paired yet.
func loadPairingToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("empty pairing token")
	}

	return token, nil
}

func pairingTokenFilePath(dataDir string) string {
	return filepath.Join(dataDir, constants.PairingTokenFile)
}

func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := crand.Read(b); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

func generatePairCode() (string, error) {
	b := make([]byte, PairingCodeLength)
	if _, err := crand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = PairingCodeLetters[int(b[i])%len(PairingCodeLetters)]
	}
	return string(b), nil
}

func hashPairCode(code string) []byte {
	h := sha256.Sum256([]byte(code))
	return h[:]
}
