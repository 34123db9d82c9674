// Package connection owns the single link between the controller and the
// mesh.
//
// The Manager connects with a bounded number of attempts separated by a
// fixed delay, and tears down any existing link before opening a new one.
// Every Connect and Disconnect records whether the link should come back
// on its own. When the transport reports an unsolicited loss and that flag
// is set, the reconnect loop restarts scanning and tries the best known
// proxy, backing off between cycles:
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s
//  3. Maximum delay: 30 seconds
//  4. Reset after a successful reconnect
//
// # Proxy Selection
//
// A live link to a device in the provisioned set is kept as is. A link to
// anything else is dropped. Otherwise candidates are ranked by RSSI; the
// default order picks the numerically smallest value, ProxyOrderStrongest
// the value closest to zero.
package connection
