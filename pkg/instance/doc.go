// Package instance defines the provisioning port the worker factory consumes
// and its drivers: a local process driver and a containerd driver. Drivers
// inject the allocated worker id and the orchestrator endpoint into every
// instance so the worker can dial back. Termination is idempotent at the port
// boundary.
package instance
