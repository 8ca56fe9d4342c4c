package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ComponentHealth tracks the health of a single subsystem
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// HealthStatus is the aggregate health report
type HealthStatus struct {
	Healthy    bool                       `json:"healthy"`
	Version    string                     `json:"version,omitempty"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

var (
	healthMu   sync.RWMutex
	version    string
	components = make(map[string]ComponentHealth)
)

// SetVersion records the server version reported by health endpoints
func SetVersion(v string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	version = v
}

// RegisterComponent adds a component to the health report
func RegisterComponent(name string, healthy bool, message string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	components[name] = ComponentHealth{Healthy: healthy, Message: message}
}

// UpdateComponent updates a component's health state
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth returns the aggregate health snapshot
func GetHealth() HealthStatus {
	healthMu.RLock()
	defer healthMu.RUnlock()

	status := HealthStatus{
		Healthy:    true,
		Version:    version,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth, len(components)),
	}
	for name, c := range components {
		status.Components[name] = c
		if !c.Healthy {
			status.Healthy = false
		}
	}
	return status
}

// HealthHandler serves the aggregate health report as JSON
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := GetHealth()
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}
