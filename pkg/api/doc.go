// Package api is the admin JSON ingress: job submission and lifecycle,
// pool management, health, Prometheus metrics and the worker websocket
// endpoint. Handlers are thin; all domain decisions live in the coordinator
// and the store.
package api
