// Package scanner classifies advertising mesh devices.
//
// Devices advertising the provisioning service are listed as
// unprovisioned. Devices advertising the proxy service are listed as
// provisioned when their network or node identity belongs to the loaded
// network; other proxies are ignored. Each sighting restarts a per-device
// expiry timer, and an update is published whenever set membership
// changes.
package scanner
