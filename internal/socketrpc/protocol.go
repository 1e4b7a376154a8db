package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tinytelemetry/dirigera-exporter/internal/model"
	"github.com/tinytelemetry/dirigera-exporter/internal/registry"
)

// JSON-RPC 2.0 Method Reference
//
// The admin socket exposes a read-only view of a running exporter.
//
//   Method      Params                 Result
//   ────────    ───────────────────    ──────────────────
//   Status      (none)                 model.Status
//   Snapshot    {Prefix: string}       []registry.Sample
//   Devices     {ID: string}           []model.Device
//
// Empty Prefix or ID means everything. Params may be empty or null.
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error (registry closed)

// Method names.
const (
	MethodStatus   = "Status"
	MethodSnapshot = "Snapshot"
	MethodDevices  = "Devices"
)

// Inspector is the exporter state served over the socket.
type Inspector interface {
	Status() model.Status
	Snapshot(prefix string) ([]registry.Sample, error)
	Devices() []model.Device
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/dirigera-exporter/admin.sock, falling back to
// ~/.local/state/dirigera-exporter/admin.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "dirigera-exporter", "admin.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "dirigera-exporter.sock")
	}
	return filepath.Join(home, ".local", "state", "dirigera-exporter", "admin.sock")
}
