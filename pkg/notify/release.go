package notify

import "time"

// StatusDeployed is the only status the controller reports today.
const StatusDeployed = "deployed"

// Release is the record posted for every deployed revision.
type Release struct {
	App           string    `json:"app"`
	CorrelationID string    `json:"correlation_id"`
	Version       string    `json:"version"`
	Image         string    `json:"image"`
	Archive       string    `json:"archive"`
	Namespace     string    `json:"namespace"`
	Deployment    string    `json:"deployment"`
	Service       string    `json:"service"`
	URL           string    `json:"url,omitempty"`
	Status        string    `json:"status"`
	DeployedAt    time.Time `json:"deployed_at"`
}
