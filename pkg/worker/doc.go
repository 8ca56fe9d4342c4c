// Package worker turns jobs into running worker instances. The factory maps
// each pool type to a worker configuration, derives an instance size from the
// job's resource hints, and provisions through the instance-manager port
// while tracking live workers.
package worker
