package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshlink/meshlink-go/internal/meshsim"
	"github.com/meshlink/meshlink-go/pkg/codec"
	"github.com/meshlink/meshlink-go/pkg/liveness"
	"github.com/meshlink/meshlink-go/pkg/mesherr"
	"github.com/meshlink/meshlink-go/pkg/network"
	"github.com/meshlink/meshlink-go/pkg/provisioning"
	"github.com/meshlink/meshlink-go/pkg/scanner"
	"github.com/meshlink/meshlink-go/pkg/transport"
	"github.com/meshlink/meshlink-go/pkg/wire"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name() == name {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	eng    *Engine
	radio  *meshsim.Radio
	clock  *clock.Mock
	net    *network.Network
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mc := clock.NewMock()
	radio := meshsim.New(meshsim.Config{Clock: mc})
	t.Cleanup(func() { radio.Close() })

	cfg := DefaultConfig()
	cfg.Clock = mc
	eng, err := New(radio, codec.New(), cfg)
	require.NoError(t, err)

	n, err := eng.CreateNetwork("test")
	require.NoError(t, err)

	rec := &recorder{}
	eng.OnEvent(rec.handle)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { eng.Close() })

	return &fixture{eng: eng, radio: radio, clock: mc, net: n, events: rec}
}

// addNode puts a provisioned node of the test network on the air.
func (f *fixture) addNode(t *testing.T, address string, unicast uint16) *meshsim.Device {
	t.Helper()
	d := meshsim.NewDevice(address, uuid.New(), 1)
	devKey, err := network.NewKey()
	require.NoError(t, err)
	d.Provision(codec.ProvisioningData{
		UUID:           d.UUID,
		UnicastAddress: unicast,
		NetKey:         f.net.PrimaryNetKey().Key,
		IVIndex:        f.net.IVIndex(),
		DeviceKey:      devKey,
	})
	require.NoError(t, f.net.AddNode(network.Node{
		UUID:           d.UUID,
		UnicastAddress: network.Address(unicast),
		DeviceKey:      devKey,
		Elements:       network.NewElements(1),
	}))
	f.eng.live.AddNode(unicast)
	f.radio.Add(d)
	return d
}

// scanUntil scans until cond holds for the listed devices.
func (f *fixture) scanUntil(t *testing.T, cond func(scanner.Snapshot) bool) {
	t.Helper()
	_, err := f.eng.StartScan(context.Background(), 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		f.radio.Advertise()
		return cond(f.eng.FetchDevices())
	}, time.Second, 5*time.Millisecond)
}

func (f *fixture) scanProxy(t *testing.T) {
	t.Helper()
	f.scanUntil(t, func(s scanner.Snapshot) bool { return len(s.Provisioned) > 0 })
}

// await advances the clock until done is closed.
func (f *fixture) await(t *testing.T, done <-chan struct{}) {
	t.Helper()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			f.clock.Add(time.Second)
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Scanner.Expiry = -time.Second
	assert.ErrorIs(t, cfg.Validate(), scanner.ErrInvalidExpiry)

	_, err := New(meshsim.New(meshsim.Config{}), codec.New(), cfg)
	assert.ErrorIs(t, err, scanner.ErrInvalidExpiry)
}

func TestLifecycle(t *testing.T) {
	radio := meshsim.New(meshsim.Config{Clock: clock.NewMock()})
	defer radio.Close()
	eng, err := New(radio, codec.New(), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, eng.State())

	_, err = eng.StartScan(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = eng.ExportNetwork()
	assert.ErrorIs(t, err, ErrNoNetwork)

	require.NoError(t, eng.Start(context.Background()))
	assert.Equal(t, StateRunning, eng.State())
	assert.ErrorIs(t, eng.Start(context.Background()), ErrAlreadyStarted)

	_, err = eng.SendGenericOnOffGet(context.Background(), 0x0002, 0)
	assert.ErrorIs(t, err, ErrNoNetwork)

	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())
	assert.Equal(t, StateClosed, eng.State())
	assert.ErrorIs(t, eng.Start(context.Background()), ErrClosed)
	_, err = eng.StartScan(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStartContextClosesEngine(t *testing.T) {
	radio := meshsim.New(meshsim.Config{Clock: clock.NewMock()})
	defer radio.Close()
	eng, err := New(radio, codec.New(), DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return eng.State() == StateClosed }, time.Second, time.Millisecond)
}

func TestScanning(t *testing.T) {
	t.Run("Classifies", func(t *testing.T) {
		f := newFixture(t)
		f.addNode(t, "AA:BB", 0x0002)
		f.radio.Add(meshsim.NewDevice("CC:DD", uuid.New(), 1))

		f.scanUntil(t, func(s scanner.Snapshot) bool {
			return len(s.Provisioned) == 1 && len(s.Unprovisioned) == 1
		})
		snap := f.eng.FetchDevices()
		assert.Equal(t, "AA:BB", snap.Provisioned[0].Address)
		assert.Equal(t, "CC:DD", snap.Unprovisioned[0].Address)
		assert.NotEmpty(t, f.events.named("scan-updated"))
	})

	t.Run("Duration", func(t *testing.T) {
		f := newFixture(t)
		f.radio.Add(meshsim.NewDevice("CC:DD", uuid.New(), 1))

		var snap scanner.Snapshot
		var scanErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			snap, scanErr = f.eng.StartScan(context.Background(), 3*time.Second)
		}()
		f.await(t, done)

		require.NoError(t, scanErr)
		assert.Len(t, snap.Unprovisioned, 1)
		assert.False(t, f.radio.Scanning())
	})

	t.Run("HardwareFailure", func(t *testing.T) {
		f := newFixture(t)

		var scanErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, scanErr = f.eng.StartScan(context.Background(), time.Hour)
		}()
		require.Eventually(t, f.radio.Scanning, time.Second, time.Millisecond)
		f.radio.FailScan(errors.New("adapter reset"))

		<-done
		assert.True(t, mesherr.IsScan(scanErr))
	})

	t.Run("RestartClears", func(t *testing.T) {
		f := newFixture(t)
		f.radio.Add(meshsim.NewDevice("CC:DD", uuid.New(), 1))
		f.scanUntil(t, func(s scanner.Snapshot) bool { return len(s.Unprovisioned) == 1 })

		f.radio.Remove("CC:DD")
		require.NoError(t, f.eng.RestartScan())
		assert.Empty(t, f.eng.FetchDevices().Unprovisioned)
		require.NoError(t, f.eng.StopScan())
		assert.False(t, f.radio.Scanning())
	})
}

func TestConnect(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "AA:BB", 0x0002)
	f.addNode(t, "EE:FF", 0x0003)
	f.scanUntil(t, func(s scanner.Snapshot) bool { return len(s.Provisioned) == 2 })

	require.True(t, f.eng.Connect(context.Background(), "AA:BB", false))
	require.True(t, f.eng.Connect(context.Background(), "EE:FF", false))

	addr, ok := f.eng.ConnectedAddress()
	require.True(t, ok)
	assert.Equal(t, "EE:FF", addr)
	current, _ := f.radio.Connected()
	assert.Equal(t, "EE:FF", current)

	var states []string
	for _, ev := range f.events.named("link-state-changed") {
		ls := ev.(EventLinkStateChanged)
		states = append(states, ls.Address+" "+ls.State.String())
	}
	assert.Equal(t, []string{
		"AA:BB CONNECTING", "AA:BB CONNECTED",
		"AA:BB DISCONNECTING", "AA:BB DISCONNECTED",
		"EE:FF CONNECTING", "EE:FF CONNECTED",
	}, states)

	f.eng.Disconnect(false)
	assert.False(t, f.eng.IsConnected())
}

func TestAdapterEvents(t *testing.T) {
	f := newFixture(t)
	f.radio.SetAdapterState(transport.AdapterOff)

	events := f.events.named("adapter-state-changed")
	require.Len(t, events, 2)
	assert.Equal(t, transport.AdapterOn, events[0].(EventAdapterStateChanged).State)
	assert.Equal(t, transport.AdapterOff, events[1].(EventAdapterStateChanged).State)
}

func TestModelOperations(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "AA:BB", 0x0002)
	f.scanProxy(t)
	ctx := context.Background()

	t.Run("OnOff", func(t *testing.T) {
		status, err := f.eng.SendGenericOnOffSet(ctx, 0x0002, 0, true, nil, true)
		require.NoError(t, err)
		require.NotNil(t, status)
		assert.True(t, status.Present)
		assert.Equal(t, uint16(0x0002), status.Src)
		assert.True(t, node.OnOff())

		status, err = f.eng.SendGenericOnOffGet(ctx, 0x0002, 0)
		require.NoError(t, err)
		assert.True(t, status.Present)
	})

	t.Run("Unacknowledged", func(t *testing.T) {
		status, err := f.eng.SendGenericOnOffSet(ctx, 0x0002, 0, false, nil, false)
		require.NoError(t, err)
		assert.Nil(t, status)
		require.Eventually(t, func() bool { return !node.OnOff() }, time.Second, time.Millisecond)
	})

	t.Run("Level", func(t *testing.T) {
		status, err := f.eng.SendGenericLevelSet(ctx, 0x0002, 0, -1200, &wire.Transition{Time: 0x41}, true)
		require.NoError(t, err)
		assert.Equal(t, int16(-1200), status.Present)
		assert.Equal(t, int16(-1200), node.Level())
	})

	t.Run("PowerLevel", func(t *testing.T) {
		status, err := f.eng.SendGenericPowerLevelSet(ctx, 0x0002, 0, 0x8000, nil, true)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x8000), status.Present)

		status, err = f.eng.SendGenericPowerLevelGet(ctx, 0x0002, 0)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x8000), status.Present)
	})

	t.Run("HSL", func(t *testing.T) {
		v := wire.HSL{Lightness: 0x1000, Hue: 0x2000, Saturation: 0x3000}
		status, err := f.eng.SendLightHSLSet(ctx, 0x0002, 0, v, nil, true)
		require.NoError(t, err)
		assert.Equal(t, v, status.HSL)
	})

	t.Run("CTL", func(t *testing.T) {
		status, err := f.eng.SendLightCTLSet(ctx, 0x0002, 0, wire.CTL{Lightness: 0x4000, Temperature: 3000}, nil, true)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x4000), status.Lightness)
		assert.Equal(t, uint16(3000), status.Temperature)
	})

	t.Run("TemperatureRange", func(t *testing.T) {
		status, err := f.eng.SendLightCTLTemperatureRangeSet(ctx, 0x0002, 0, 1000, 9000, true)
		require.NoError(t, err)
		assert.Equal(t, uint16(1000), status.Min)
		assert.Equal(t, uint16(9000), status.Max)

		status, err = f.eng.SendLightCTLTemperatureRangeGet(ctx, 0x0002, 0)
		require.NoError(t, err)
		assert.Equal(t, uint16(9000), status.Max)
	})

	t.Run("HealthFaults", func(t *testing.T) {
		node.SetFaults(0x01, 0x02)
		status, err := f.eng.SendHealthFaultGet(ctx, 0x0002, 0, node.CompanyID)
		require.NoError(t, err)
		assert.Equal(t, []uint8{0x01, 0x02}, status.Faults)
	})

	t.Run("GroupResolvesWithoutResponse", func(t *testing.T) {
		status, err := f.eng.SendGenericOnOffSet(ctx, wire.AddressAllNodes, 0, true, nil, true)
		require.NoError(t, err)
		assert.Nil(t, status)
		assert.Zero(t, f.eng.calls.Pending())
	})

	t.Run("UnknownAppKey", func(t *testing.T) {
		_, err := f.eng.SendGenericOnOffGet(ctx, 0x0002, 7)
		assert.True(t, mesherr.IsNotFound(err))
	})
}

func TestUnmatchedStatusBecomesEvent(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "AA:BB", 0x0002)
	f.scanProxy(t)

	status, err := f.eng.SendGenericOnOffGet(context.Background(), wire.AddressAllNodes, 0)
	require.NoError(t, err)
	assert.Nil(t, status)

	require.Eventually(t, func() bool {
		return len(f.events.named("model-message")) == 1
	}, time.Second, time.Millisecond)
	ev := f.events.named("model-message")[0].(EventModelMessage)
	assert.Equal(t, uint16(0x0002), ev.Src)
	assert.Equal(t, wire.OpGenericOnOffStatus, ev.Opcode)
}

func TestVendorMessage(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "AA:BB", 0x0002)
	request := wire.VendorOpcode(0x01, 0x05F1)
	response := wire.VendorOpcode(0x02, 0x05F1)
	modelID := wire.VendorModelID(0x05F1, 0x0001)
	node.Handlers.OnVendor = func(op wire.Opcode, id uint32, params []byte) (wire.Opcode, []byte, bool) {
		return response, append([]byte{0xAA}, params...), op == request && id == modelID
	}
	f.scanProxy(t)

	resp, err := f.eng.SendVendorModelMessage(context.Background(), VendorMessage{
		Dst:          0x0002,
		ModelID:      modelID,
		Opcode:       request,
		Params:       []byte{0x01},
		Response:     response,
		Acknowledged: true,
	})
	require.NoError(t, err)
	assert.Equal(t, response, resp.Opcode())
	assert.Equal(t, modelID, resp.ModelID)
	assert.Equal(t, []byte{0xAA, 0x01}, resp.Params)
}

func TestRequestFailures(t *testing.T) {
	t.Run("NoProxy", func(t *testing.T) {
		f := newFixture(t)

		var reqErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, reqErr = f.eng.SendGenericOnOffGet(context.Background(), 0x0002, 0)
		}()
		f.await(t, done)

		assert.True(t, mesherr.IsState(reqErr))
		assert.True(t, mesherr.IsNotFound(reqErr))
	})

	t.Run("Timeout", func(t *testing.T) {
		f := newFixture(t)
		node := f.addNode(t, "AA:BB", 0x0002)
		f.scanProxy(t)
		node.SetSilent(true)

		var reqErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, reqErr = f.eng.SendGenericOnOffGet(context.Background(), 0x0002, 0)
		}()
		f.await(t, done)

		assert.True(t, mesherr.IsTimeout(reqErr))
		assert.Zero(t, f.eng.calls.Pending())
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		f := newFixture(t)
		node := f.addNode(t, "AA:BB", 0x0002)
		f.scanProxy(t)
		node.SetSilent(true)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := f.eng.SendGenericOnOffGet(ctx, 0x0002, 0)
			done <- err
		}()
		require.Eventually(t, func() bool { return f.eng.calls.Pending() == 1 }, time.Second, time.Millisecond)
		cancel()

		assert.ErrorIs(t, <-done, context.Canceled)
		assert.Zero(t, f.eng.calls.Pending())
	})

	t.Run("CloseRejectsPending", func(t *testing.T) {
		f := newFixture(t)
		node := f.addNode(t, "AA:BB", 0x0002)
		f.scanProxy(t)
		node.SetSilent(true)

		done := make(chan error, 1)
		go func() {
			_, err := f.eng.SendGenericOnOffGet(context.Background(), 0x0002, 0)
			done <- err
		}()
		require.Eventually(t, func() bool { return f.eng.calls.Pending() == 1 }, time.Second, time.Millisecond)
		require.NoError(t, f.eng.Close())

		assert.Error(t, <-done)
	})
}

func TestConfiguration(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "AA:BB", 0x0002)
	f.scanProxy(t)
	ctx := context.Background()

	t.Run("BindWithoutKeyFails", func(t *testing.T) {
		_, err := f.eng.BindApplicationKeyToModel(ctx, 0x0002, 0x0002, 0, 0x1000)
		require.True(t, mesherr.IsProtocol(err))
		var perr *mesherr.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, meshsim.StatusInvalidAppKeyIndex, perr.Status)
	})

	t.Run("CompositionData", func(t *testing.T) {
		status, err := f.eng.GetCompositionData(ctx, 0x0002, 0)
		require.NoError(t, err)
		assert.Equal(t, node.CompanyID, status.CompanyID)
		assert.True(t, status.Proxy())

		rec, ok := f.net.Node(0x0002)
		require.True(t, ok)
		assert.Equal(t, node.CompanyID, rec.CompanyID)
		require.Len(t, rec.Elements, 1)
		assert.NotEmpty(t, rec.Elements[0].Models)
	})

	t.Run("AddKeyAndBind", func(t *testing.T) {
		status, err := f.eng.AddApplicationKeyToNode(ctx, 0x0002, 0)
		require.NoError(t, err)
		assert.Equal(t, uint16(0), status.AppKeyIndex)
		assert.True(t, node.HasAppKey(0))

		_, err = f.eng.BindApplicationKeyToModel(ctx, 0x0002, 0x0002, 0, 0x1000)
		require.NoError(t, err)
		assert.True(t, node.IsBound(0x0002, 0, 0x1000))

		rec, _ := f.net.Node(0x0002)
		assert.Equal(t, []network.KeyRef{{Index: 0}}, rec.AppKeys)
		assert.Equal(t, []uint16{0}, boundKeys(rec, 0x1000))

		_, err = f.eng.GetCompositionData(ctx, 0x0002, 0)
		require.NoError(t, err)
		rec, _ = f.net.Node(0x0002)
		assert.Equal(t, []uint16{0}, boundKeys(rec, 0x1000), "composition refresh keeps bindings")
	})

	t.Run("UnbindAndDelete", func(t *testing.T) {
		_, err := f.eng.UnbindApplicationKeyFromModel(ctx, 0x0002, 0x0002, 0, 0x1000)
		require.NoError(t, err)
		assert.False(t, node.IsBound(0x0002, 0, 0x1000))

		_, err = f.eng.BindApplicationKeyToModel(ctx, 0x0002, 0x0002, 0, 0x1000)
		require.NoError(t, err)
		_, err = f.eng.DeleteApplicationKeyFromNode(ctx, 0x0002, 0)
		require.NoError(t, err)
		assert.False(t, node.HasAppKey(0))

		rec, _ := f.net.Node(0x0002)
		assert.Empty(t, rec.AppKeys)
		assert.Empty(t, boundKeys(rec, 0x1000))
	})

	t.Run("HeartbeatPublication", func(t *testing.T) {
		pub := wire.HeartbeatPublication{Destination: 0x0001, CountLog: 0xFF, PeriodLog: 2, TTL: 5}
		status, err := f.eng.SendConfigHeartbeatPublicationSet(ctx, 0x0002, pub)
		require.NoError(t, err)
		assert.Equal(t, pub, status.HeartbeatPublication)
		assert.Equal(t, pub, node.Publication())
	})

	t.Run("UnknownNode", func(t *testing.T) {
		_, err := f.eng.GetCompositionData(ctx, 0x0042, 0)
		assert.True(t, mesherr.IsNotFound(err))
	})
}

func boundKeys(node network.Node, modelID uint32) []uint16 {
	for _, el := range node.Elements {
		for _, m := range el.Models {
			if uint32(m.ModelID) == modelID {
				return m.Bind
			}
		}
	}
	return nil
}

func TestUnprovisionDevice(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "AA:BB", 0x0002)
	other := f.addNode(t, "EE:FF", 0x0003)
	f.scanUntil(t, func(s scanner.Snapshot) bool { return len(s.Provisioned) == 2 })

	require.True(t, f.eng.Connect(context.Background(), "AA:BB", false))
	require.NoError(t, f.eng.UnprovisionDevice(context.Background(), 0x0003))

	_, provisioned := other.Provisioned()
	assert.False(t, provisioned)
	_, ok := f.net.Node(0x0003)
	assert.False(t, ok)
	for _, s := range f.eng.GetNodeLivenessStates() {
		assert.NotEqual(t, uint16(0x0003), s.Address)
	}

	err := f.eng.UnprovisionDevice(context.Background(), 0x0003)
	assert.True(t, mesherr.IsNotFound(err))
}

func TestProvisioning(t *testing.T) {
	f := newFixture(t)
	dev := meshsim.NewDevice("CC:DD", uuid.New(), 2)
	f.radio.Add(dev)
	f.scanUntil(t, func(s scanner.Snapshot) bool { return len(s.Unprovisioned) == 1 })
	ctx := context.Background()

	t.Run("WithoutCapabilities", func(t *testing.T) {
		_, err := f.eng.ProvisionDevice(ctx, dev.UUID)
		assert.True(t, mesherr.IsNotFound(err))
		assert.False(t, f.eng.IsConnected())
		assert.Empty(t, f.events.named("link-state-changed"), "no link is opened")
	})

	t.Run("UnknownDevice", func(t *testing.T) {
		_, err := f.eng.GetProvisioningCapabilities(ctx, uuid.New())
		assert.True(t, mesherr.IsNotFound(err))
	})

	t.Run("Success", func(t *testing.T) {
		f.scanUntil(t, func(s scanner.Snapshot) bool { return len(s.Unprovisioned) == 1 })

		caps, err := f.eng.GetProvisioningCapabilities(ctx, dev.UUID)
		require.NoError(t, err)
		assert.Equal(t, uint8(2), caps.NumberOfElements)
		addr, _ := f.eng.ConnectedAddress()
		assert.Equal(t, "CC:DD", addr)

		out, err := f.eng.ProvisionDevice(ctx, dev.UUID)
		require.NoError(t, err)
		p, ok := out.(*provisioning.Provisioned)
		require.True(t, ok, "outcome %v", out)
		assert.Equal(t, network.Address(0x0002), p.Node.UnicastAddress)
		assert.False(t, f.eng.IsConnected())

		unicast, provisioned := dev.Provisioned()
		assert.True(t, provisioned)
		assert.Equal(t, uint16(0x0002), unicast)

		_, ok = f.net.Node(0x0002)
		assert.True(t, ok)
		assert.Contains(t, f.eng.GetNodeLivenessStates(), liveness.State{Address: 0x0002})
	})
}

func TestResetDeviceForgotten(t *testing.T) {
	f := newFixture(t)
	store := network.NewStore(filepath.Join(t.TempDir(), "net.json"))
	require.NoError(t, store.Save(f.net))
	n, err := f.eng.LoadNetwork(store)
	require.NoError(t, err)
	f.net = n

	dev := f.addNode(t, "AA:BB", 0x0002)
	f.addNode(t, "EE:FF", 0x0003)
	f.scanUntil(t, func(s scanner.Snapshot) bool { return len(s.Provisioned) == 2 })

	dev.Unprovision()
	f.scanUntil(t, func(s scanner.Snapshot) bool { return len(s.Unprovisioned) == 1 })

	require.Eventually(t, func() bool {
		_, ok := f.net.NodeByUUID(dev.UUID)
		return !ok
	}, time.Second, 5*time.Millisecond)
	_, ok := f.net.Node(0x0003)
	assert.True(t, ok, "other nodes stay")

	var tracked []uint16
	for _, s := range f.eng.GetNodeLivenessStates() {
		tracked = append(tracked, s.Address)
	}
	assert.Equal(t, []uint16{0x0003}, tracked)

	saved, err := store.Load()
	require.NoError(t, err)
	_, ok = saved.NodeByUUID(dev.UUID)
	assert.False(t, ok)
	_, ok = saved.Node(0x0003)
	assert.True(t, ok)
}

func TestProvisioningFailure(t *testing.T) {
	f := newFixture(t)
	dev := meshsim.NewDevice("CC:DD", uuid.New(), 1)
	dev.FailProvisioning(uint8(provisioning.FailureOutOfResources))
	f.radio.Add(dev)
	f.scanUntil(t, func(s scanner.Snapshot) bool { return len(s.Unprovisioned) == 1 })

	_, err := f.eng.GetProvisioningCapabilities(context.Background(), dev.UUID)
	require.NoError(t, err)
	out, err := f.eng.ProvisionDevice(context.Background(), dev.UUID)
	require.NoError(t, err)

	u, ok := out.(*provisioning.Unprovisioned)
	require.True(t, ok, "outcome %v", out)
	assert.Equal(t, provisioning.FailureOutOfResources, u.Reason)
	assert.Len(t, f.net.Nodes(), 1, "only the provisioner")
	assert.Empty(t, f.eng.GetNodeLivenessStates())
}

func TestHeartbeatLiveness(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "AA:BB", 0x0002)
	f.scanProxy(t)
	require.True(t, f.eng.Connect(context.Background(), "AA:BB", false))

	require.Equal(t, []liveness.State{{Address: 0x0002}}, f.eng.GetNodeLivenessStates())
	require.True(t, f.radio.Heartbeat(node))

	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		states := f.eng.GetNodeLivenessStates()
		return len(states) == 1 && states[0].Online
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.events.named("liveness-changed")) > 0
	}, time.Second, time.Millisecond)
	ev := f.events.named("liveness-changed")[0].(EventLivenessChanged)
	require.Len(t, ev.Nodes, 1)
	assert.True(t, ev.Nodes[0].Online)
}

func TestReconnectPrimesProxy(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "AA:BB", 0x0002)
	f.scanProxy(t)

	_, err := f.eng.SendGenericOnOffGet(context.Background(), 0x0002, 0)
	require.NoError(t, err)
	f.radio.DropLink()

	primed := func() bool {
		for _, msg := range node.Received() {
			if msg.Dst == wire.AddressAllNodes && msg.Opcode == wire.OpGenericOnOffGet {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		return primed()
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, f.eng.IsConnected())
}

func TestNetworkLifecycle(t *testing.T) {
	t.Run("LoadCreatesAndPersists", func(t *testing.T) {
		f := newFixture(t)
		store := network.NewStore(filepath.Join(t.TempDir(), "mesh.json"))

		n, err := f.eng.LoadNetwork(store)
		require.NoError(t, err)
		assert.Same(t, n, f.eng.Network())

		key, err := f.eng.CreateApplicationKey()
		require.NoError(t, err)

		saved, err := store.Load()
		require.NoError(t, err)
		require.NotNil(t, saved)
		assert.Equal(t, n.ID(), saved.ID())
		_, ok := saved.AppKey(key.Index)
		assert.True(t, ok)

		require.NoError(t, f.eng.RemoveApplicationKey(key.Index))
		saved, err = store.Load()
		require.NoError(t, err)
		_, ok = saved.AppKey(key.Index)
		assert.False(t, ok)
	})

	t.Run("ImportRepopulatesLiveness", func(t *testing.T) {
		f := newFixture(t)
		src, err := network.New("imported")
		require.NoError(t, err)
		devKey, err := network.NewKey()
		require.NoError(t, err)
		require.NoError(t, src.AddNode(network.Node{
			UUID:           uuid.New(),
			UnicastAddress: 0x0005,
			DeviceKey:      devKey,
			Elements:       network.NewElements(1),
		}))
		data, err := src.Export()
		require.NoError(t, err)

		n, err := f.eng.ImportNetwork(data)
		require.NoError(t, err)
		assert.Equal(t, "imported", n.Name())
		assert.Equal(t, []liveness.State{{Address: 0x0005}}, f.eng.GetNodeLivenessStates())

		exported, err := f.eng.ExportNetwork()
		require.NoError(t, err)
		again, err := network.Import(exported)
		require.NoError(t, err)
		assert.Equal(t, src.ID(), again.ID())
	})

	t.Run("ResetForgetsNodes", func(t *testing.T) {
		f := newFixture(t)
		f.addNode(t, "AA:BB", 0x0002)
		old := f.eng.Network()

		n, err := f.eng.ResetNetwork()
		require.NoError(t, err)
		assert.Equal(t, "test", n.Name())
		assert.NotEqual(t, old.ID(), n.ID())
		assert.Len(t, n.Nodes(), 1)
		assert.Empty(t, f.eng.GetNodeLivenessStates())
	})

	t.Run("ImportRejectsInvalid", func(t *testing.T) {
		f := newFixture(t)
		old := f.eng.Network()
		_, err := f.eng.ImportNetwork([]byte(`{"meshName": 5}`))
		assert.Error(t, err)
		assert.Same(t, old, f.eng.Network())
	})
}
