package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meshlink/meshlink-go/pkg/liveness"
	"github.com/meshlink/meshlink-go/pkg/mesherr"
	"github.com/meshlink/meshlink-go/pkg/provisioning"
	"github.com/meshlink/meshlink-go/pkg/scanner"
	"github.com/meshlink/meshlink-go/pkg/transport"
	"github.com/meshlink/meshlink-go/pkg/wire"
)

// StartScan scans for duration and returns both device sets. A zero
// duration starts scanning and returns the current sets right away; the
// scan then runs until StopScan. A hardware failure ends the scan early
// with a *mesherr.ScanError.
func (e *Engine) StartScan(ctx context.Context, duration time.Duration) (scanner.Snapshot, error) {
	if err := e.ready(); err != nil {
		return scanner.Snapshot{}, err
	}
	select {
	case <-e.scanErr:
	default:
	}

	if err := e.scan.Start(); err != nil {
		return scanner.Snapshot{}, err
	}
	if duration <= 0 {
		return e.scan.Snapshot(), nil
	}

	timer := e.clock.Timer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case err := <-e.scanErr:
		return e.scan.Snapshot(), err
	case <-ctx.Done():
		e.stopScan()
		return e.scan.Snapshot(), ctx.Err()
	case <-e.ctx.Done():
		return scanner.Snapshot{}, ErrClosed
	}

	if err := e.scan.Stop(); err != nil {
		return e.scan.Snapshot(), err
	}
	return e.scan.Snapshot(), nil
}

// StopScan stops scanning. Listed devices stay until the next scan clears
// them.
func (e *Engine) StopScan() error {
	return e.scan.Stop()
}

func (e *Engine) stopScan() {
	if err := e.scan.Stop(); err != nil {
		e.logger.Warn("scan stop failed", "error", err)
	}
}

// RestartScan clears both sets and scans afresh.
func (e *Engine) RestartScan() error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.scan.Restart()
}

// FetchDevices returns both device sets without scanning.
func (e *Engine) FetchDevices() scanner.Snapshot {
	return e.scan.Snapshot()
}

// Connect links to address, retrying per the connection config. Provisioned
// devices are reached over the proxy service, everything else over the
// provisioning service.
func (e *Engine) Connect(ctx context.Context, address string, autoReconnect bool) bool {
	if e.ready() != nil {
		return false
	}
	service := transport.ServiceProvisioning
	if e.scan.IsProvisioned(address) {
		service = transport.ServiceProxy
	}
	return e.conn.Connect(ctx, address, service, autoReconnect)
}

// Disconnect tears down the link. Failures are logged, not returned.
func (e *Engine) Disconnect(autoReconnect bool) {
	e.conn.Disconnect(autoReconnect)
}

// IsConnected reports whether a link is up.
func (e *Engine) IsConnected() bool {
	return e.conn.IsConnected()
}

// ConnectedAddress returns the linked device, if any.
func (e *Engine) ConnectedAddress() (string, bool) {
	return e.conn.Address()
}

// GetProvisioningCapabilities links to the unprovisioned device advertising
// id and asks for its capabilities. A device that is not in the
// unprovisioned set yields a *mesherr.NotFoundError and a rescan.
func (e *Engine) GetProvisioningCapabilities(ctx context.Context, id uuid.UUID) (wire.Capabilities, error) {
	if err := e.linkUnprovisioned(ctx, id); err != nil {
		return wire.Capabilities{}, err
	}
	return e.prov.GetCapabilities(ctx, id)
}

// ProvisionDevice provisions the device advertising id into the loaded
// network. Capabilities must have been fetched first. The link is dropped
// once the attempt completes, whatever its outcome.
func (e *Engine) ProvisionDevice(ctx context.Context, id uuid.UUID) (provisioning.Outcome, error) {
	if _, ok := e.prov.CachedCapabilities(id); !ok {
		return nil, &mesherr.NotFoundError{What: "capabilities", ID: id.String()}
	}
	if err := e.linkUnprovisioned(ctx, id); err != nil {
		return nil, err
	}
	defer e.conn.Disconnect(false)

	out, err := e.prov.Provision(ctx, id)
	if err != nil {
		return nil, err
	}
	switch o := out.(type) {
	case *provisioning.Provisioned:
		e.logger.Info("device provisioned", "uuid", id, "address", o.Node.UnicastAddress)
		e.persist()
	case *provisioning.Unprovisioned:
		e.logger.Warn("device not provisioned", "uuid", id, "reason", o.Reason)
	}
	return out, nil
}

func (e *Engine) linkUnprovisioned(ctx context.Context, id uuid.UUID) error {
	if err := e.ready(); err != nil {
		return err
	}
	if _, err := e.loadedNetwork(); err != nil {
		return err
	}
	var address string
	if dev, ok := e.scan.FindUnprovisioned(id); ok {
		address = dev.Address
	}
	return e.conn.ConnectToUnprovisioned(ctx, address, id)
}

// GetNodeLivenessStates returns every tracked node, sorted by address.
func (e *Engine) GetNodeLivenessStates() []liveness.State {
	return e.live.States()
}
