// Package provisioning admits unprovisioned devices into the network.
//
// Each device UUID has at most one unresolved waiter. A capabilities
// request invites the device and resolves when its capabilities arrive;
// provisioning reserves an address block sized to the reported element
// count, sends the provisioning data and resolves with either a
// *Provisioned or an *Unprovisioned outcome. Timeouts, send failures and
// device failures all release the reservation.
package provisioning
