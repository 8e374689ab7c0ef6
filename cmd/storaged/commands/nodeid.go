package commands

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gridshare/storaged/pkg/storage/server"
)

// loadOrCreateNodeID reads <baseDir>/my_nodeid, generating and persisting a
// fresh random identity on first start. The node ID is stamped into the
// write-enabler of every mutable slot this server originally accepts
// (§3.1), so it must survive restarts.
func loadOrCreateNodeID(baseDir string) ([server.NodeIDSize]byte, error) {
	var id [server.NodeIDSize]byte

	path := filepath.Join(baseDir, "my_nodeid")
	data, err := os.ReadFile(path)
	if err == nil && len(data) == server.NodeIDSize {
		copy(id[:], data)
		return id, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return id, fmt.Errorf("reading %s: %w", path, err)
	}

	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generating node id: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return id, fmt.Errorf("creating %s: %w", baseDir, err)
	}
	if err := os.WriteFile(path, id[:], 0o600); err != nil {
		return id, fmt.Errorf("writing %s: %w", path, err)
	}
	return id, nil
}
