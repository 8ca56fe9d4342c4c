// Package config loads the Hodei server configuration from YAML, layered over
// built-in defaults. Durations are declared in whole seconds or milliseconds
// in the file and exposed as time.Duration accessors.
package config
