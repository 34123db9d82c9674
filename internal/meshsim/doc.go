// Package meshsim simulates a small Bluetooth mesh in process.
//
// A Radio implements transport.Transport over a set of simulated Devices.
// Unprovisioned devices advertise the provisioning service and answer the
// invite and start frames of the provisioning exchange. Provisioned
// devices advertise the proxy service with their network identity, relay
// access frames to every node of their network, answer configuration and
// model requests, and publish heartbeats.
//
// Faults are injected explicitly: DropLink loses the link, RefuseConnects
// fails connection attempts, FailScan aborts a scan, and Device.SetSilent
// makes a node ignore requests.
//
// Deliveries to the client run on a single goroutine in the order the
// radio produced them.
package meshsim
