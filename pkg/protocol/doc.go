// Package protocol defines the frames exchanged on the worker channel. Each
// frame is an Envelope carrying a type tag and a JSON payload; decoders
// ignore unknown fields, so endpoints of different versions interoperate.
package protocol
