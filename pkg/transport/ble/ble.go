// Package ble implements transport.Transport on a Bluetooth LE adapter.
//
// It scans for the mesh provisioning and proxy services, connects to one
// device at a time and exchanges proxy PDUs through the service's data-in
// (write without response) and data-out (notify) characteristics.
package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/meshlink/meshlink-go/pkg/transport"
)

// Mesh GATT characteristics.
const (
	charProvisioningDataIn  uint16 = 0x2ADB
	charProvisioningDataOut uint16 = 0x2ADC
	charProxyDataIn         uint16 = 0x2ADD
	charProxyDataOut        uint16 = 0x2ADE
)

// DefaultMTU is the proxy PDU size of a link with the minimum ATT MTU.
const DefaultMTU = 20

// Errors returned by the BLE transport.
var (
	ErrUnknownDevice  = errors.New("device not seen in scan")
	ErrNoLink         = errors.New("no link")
	ErrServiceMissing = errors.New("mesh service not found")
)

// Config configures the BLE transport.
type Config struct {
	// Adapter is the radio to use. Defaults to bluetooth.DefaultAdapter.
	Adapter *bluetooth.Adapter

	// MTU is the proxy PDU size used for segmentation.
	MTU int

	// Logger for operational logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Transport drives a Bluetooth LE adapter.
type Transport struct {
	adapter *bluetooth.Adapter
	mtu     int
	logger  *slog.Logger

	mu       sync.Mutex
	seen     map[string]bluetooth.Address
	device   *bluetooth.Device
	address  string
	dataIn   bluetooth.DeviceCharacteristic
	closing  bool
	scanning bool

	onReceive      func([]byte)
	onLinkState    func(string, transport.LinkState)
	onAdapterState func(transport.AdapterState)

	wg sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// New enables the adapter and returns a transport bound to it.
func New(cfg Config) (*Transport, error) {
	if cfg.Adapter == nil {
		cfg.Adapter = bluetooth.DefaultAdapter
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	t := &Transport{
		adapter: cfg.Adapter,
		mtu:     cfg.MTU,
		logger:  cfg.Logger,
		seen:    make(map[string]bluetooth.Address),
	}

	if err := t.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}
	t.adapter.SetConnectHandler(t.handleConnect)
	return t, nil
}

// StartScan starts a background scan. The adapter reports scan failures
// through h.OnError once scanning has stopped.
func (t *Transport) StartScan(h transport.ScanHandler) error {
	t.mu.Lock()
	if t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = true
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			adv, ok := t.convert(result)
			if ok && h.OnAdvertisement != nil {
				h.OnAdvertisement(adv)
			}
		})

		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()

		if err != nil && h.OnError != nil {
			h.OnError(err)
		}
	}()
	return nil
}

// StopScan stops a running scan.
func (t *Transport) StopScan() error {
	t.mu.Lock()
	scanning := t.scanning
	t.mu.Unlock()
	if !scanning {
		return nil
	}
	return t.adapter.StopScan()
}

func (t *Transport) convert(result bluetooth.ScanResult) (transport.Advertisement, bool) {
	adv := transport.Advertisement{
		Address:     result.Address.String(),
		Name:        result.LocalName(),
		RSSI:        result.RSSI,
		ServiceData: make(map[uint16][]byte),
		Seen:        time.Now(),
	}
	for _, el := range result.ServiceData() {
		if !el.UUID.Is16Bit() {
			continue
		}
		id := el.UUID.Get16Bit()
		if id == transport.ServiceProvisioning || id == transport.ServiceProxy {
			adv.ServiceData[id] = append([]byte(nil), el.Data...)
		}
	}
	if len(adv.ServiceData) == 0 {
		return adv, false
	}

	t.mu.Lock()
	t.seen[adv.Address] = result.Address
	t.mu.Unlock()
	return adv, true
}

// Connect opens a GATT link to address and subscribes to the mesh
// data-out characteristic of service.
func (t *Transport) Connect(ctx context.Context, address string, service uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	addr, ok := t.seen[address]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}

	in, out := charProxyDataIn, charProxyDataOut
	if service == transport.ServiceProvisioning {
		in, out = charProvisioningDataIn, charProvisioningDataOut
	}

	t.emitLinkState(address, transport.LinkConnecting)
	device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		t.emitLinkState(address, transport.LinkDisconnected)
		return err
	}

	dataIn, err := t.subscribe(device, service, in, out)
	if err != nil {
		_ = device.Disconnect()
		t.emitLinkState(address, transport.LinkDisconnected)
		return err
	}

	t.mu.Lock()
	t.device = &device
	t.address = address
	t.dataIn = dataIn
	t.closing = false
	t.mu.Unlock()

	t.logger.Debug("link up", "address", address, "service", fmt.Sprintf("0x%04X", service))
	t.emitLinkState(address, transport.LinkConnected)
	return nil
}

func (t *Transport) subscribe(device bluetooth.Device, service, in, out uint16) (bluetooth.DeviceCharacteristic, error) {
	var dataIn bluetooth.DeviceCharacteristic

	services, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.New16BitUUID(service)})
	if err != nil {
		return dataIn, err
	}
	if len(services) == 0 {
		return dataIn, ErrServiceMissing
	}

	inUUID, outUUID := bluetooth.New16BitUUID(in), bluetooth.New16BitUUID(out)
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{inUUID, outUUID})
	if err != nil {
		return dataIn, err
	}

	var dataOut bluetooth.DeviceCharacteristic
	var haveIn, haveOut bool
	for _, c := range chars {
		switch c.UUID() {
		case inUUID:
			dataIn, haveIn = c, true
		case outUUID:
			dataOut, haveOut = c, true
		}
	}
	if !haveIn || !haveOut {
		return dataIn, ErrServiceMissing
	}

	err = dataOut.EnableNotifications(func(buf []byte) {
		t.mu.Lock()
		fn := t.onReceive
		t.mu.Unlock()
		if fn != nil {
			fn(append([]byte(nil), buf...))
		}
	})
	return dataIn, err
}

// Disconnect closes the current link.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	device, address := t.device, t.address
	if device == nil {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	t.mu.Unlock()

	t.emitLinkState(address, transport.LinkDisconnecting)
	err := device.Disconnect()
	t.clearLink(address)
	t.emitLinkState(address, transport.LinkDisconnected)
	return err
}

// handleConnect is the adapter's connect handler. A disconnect we did not
// ask for is reported as link loss.
func (t *Transport) handleConnect(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	address := device.Address.String()

	t.mu.Lock()
	current, closing := t.address, t.closing
	t.mu.Unlock()
	if address != current || closing {
		return
	}

	t.clearLink(address)
	t.logger.Warn("link lost", "address", address)
	t.emitLinkState(address, transport.LinkLost)
}

func (t *Transport) clearLink(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.address == address {
		t.device = nil
		t.address = ""
		t.dataIn = bluetooth.DeviceCharacteristic{}
	}
}

// Send writes pdu to the data-in characteristic.
func (t *Transport) Send(pdu []byte) error {
	t.mu.Lock()
	device, dataIn := t.device, t.dataIn
	t.mu.Unlock()
	if device == nil {
		return ErrNoLink
	}
	_, err := dataIn.WriteWithoutResponse(pdu)
	return err
}

// MTU returns the configured proxy PDU size.
func (t *Transport) MTU() int { return t.mtu }

// Connected returns the linked device address.
func (t *Transport) Connected() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address, t.device != nil
}

// OnReceive sets the inbound PDU handler.
func (t *Transport) OnReceive(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReceive = fn
}

// OnLinkState sets the link state handler.
func (t *Transport) OnLinkState(fn func(string, transport.LinkState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLinkState = fn
}

// OnAdapterState sets the adapter state handler and reports the adapter
// as powered on, since New enabled it.
func (t *Transport) OnAdapterState(fn func(transport.AdapterState)) {
	t.mu.Lock()
	t.onAdapterState = fn
	t.mu.Unlock()
	if fn != nil {
		fn(transport.AdapterOn)
	}
}

func (t *Transport) emitLinkState(address string, state transport.LinkState) {
	t.mu.Lock()
	fn := t.onLinkState
	t.mu.Unlock()
	if fn != nil {
		fn(address, state)
	}
}

// Close stops scanning, drops the link and waits for the scan goroutine.
func (t *Transport) Close() error {
	_ = t.StopScan()
	err := t.Disconnect()
	t.wg.Wait()
	return err
}
