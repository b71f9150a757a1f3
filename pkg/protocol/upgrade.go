package protocol

import (
	"context"
	"net"
	"strings"
)

// UpgradeProtocol takes over a connection after a successful protocol
// switch negotiated on the original protocol, e.g. an HTTP Upgrade
// header.
type UpgradeProtocol interface {
	// Name is the token clients use to request the upgrade.
	Name() string

	// ProcessConnection owns the connection from the moment of the
	// switch. leftover holds bytes the original framer read past the
	// negotiation; they belong to the upgraded protocol and must be
	// consumed first.
	ProcessConnection(ctx context.Context, conn net.Conn, leftover []byte) error
}

// AddUpgradeProtocol registers an upgrade target.
func (h *baseHandler) AddUpgradeProtocol(up UpgradeProtocol) {
	if up == nil {
		return
	}
	h.upMu.Lock()
	defer h.upMu.Unlock()
	h.upgrades = append(h.upgrades, up)
}

// FindUpgradeProtocols returns the registered upgrade targets in
// registration order.
func (h *baseHandler) FindUpgradeProtocols() []UpgradeProtocol {
	h.upMu.RLock()
	defer h.upMu.RUnlock()
	out := make([]UpgradeProtocol, len(h.upgrades))
	copy(out, h.upgrades)
	return out
}

// findUpgradeProtocol resolves an upgrade token, case-insensitively.
func (h *baseHandler) findUpgradeProtocol(name string) UpgradeProtocol {
	h.upMu.RLock()
	defer h.upMu.RUnlock()
	for _, up := range h.upgrades {
		if strings.EqualFold(up.Name(), name) {
			return up
		}
	}
	return nil
}
