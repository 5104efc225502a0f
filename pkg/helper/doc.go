// Package helper orchestrates SD card mounting over SPI: handle acquisition,
// pre-mount validation, filesystem mount, settling, and the rate-limited
// query surface, all under one caller-supplied deadline.
//
// # Logging Verbosity Convention
//
// This package follows Kubernetes logging conventions for verbosity levels:
//
//   - V(0): Always visible - mount/unmount outcomes, failures
//   - V(2): Production default - phase outcomes, state changes
//     Examples: "Mounted /sd in 0.4s", "SD card not mounted, nothing to do"
//   - V(4): Debug level - intermediate steps, parameters, diagnostics
//     Examples: "Reusing existing bus and card handles", timing detail
//
// The helper's own Verbosity (silent/diags/debug) additionally gates its
// diagnostic narration, matching interactive use on a serial console.
//
// Production deployments use V(2) by default. Set --v=4 for troubleshooting.
package helper
