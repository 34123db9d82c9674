// Package service provides the mesh engine, the entry point for
// applications.
//
// An Engine owns one session against a single radio:
//
//   - the device scanner, classifying advertisements into unprovisioned
//     and provisioned devices
//   - the connection manager, holding the one link with retry and
//     auto-reconnect
//   - the pending call correlator, routing every status back to the
//     request that caused it
//   - the liveness monitor, tracking node heartbeats
//   - the provisioning orchestrator
//
// Inbound PDUs are decoded by the codec and dispatched: access messages go
// to the correlator, heartbeats to the liveness monitor and provisioning
// PDUs to the orchestrator. Access messages nobody waited for are reported
// as EventModelMessage.
//
// # Usage
//
//	eng, err := service.New(radio, codec.New(), service.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	if _, err := eng.LoadNetwork(network.NewStore("mesh.json")); err != nil {
//		return err
//	}
//	eng.OnEvent(func(ev service.Event) { ... })
//	if err := eng.Start(ctx); err != nil {
//		return err
//	}
//	defer eng.Close()
//
//	devices, err := eng.StartScan(ctx, 5*time.Second)
//	status, err := eng.SendGenericOnOffSet(ctx, 0x0002, 0, true, nil, true)
//
// Every model and configuration operation obtains a proxy link first and
// fails with a *mesherr.StateError when none can be found. Waits are
// bounded by the correlator and provisioning timeouts as well as ctx.
package service
