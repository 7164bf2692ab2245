package registry

import "time"

// ServerKind distinguishes World and Scene server records
type ServerKind string

const (
	ServerKindWorld ServerKind = "world"
	ServerKindScene ServerKind = "scene"
)

// ServerRecord is the registry row a server process publishes about itself.
// Only the owning process's heartbeat publisher mutates it; every process
// may read it. There is no explicit deregistration path for crashes - a row
// whose LastPulse is older than the liveness window is treated as absent by
// readers.
type ServerRecord struct {
	ID           string
	Name         string
	Kind         ServerKind
	Address      string
	Port         uint16
	ReportedLoad int
	Locked       bool
	LastPulse    time.Time
}

// Alive reports whether the record's pulse is fresh enough to be routable
func (r *ServerRecord) Alive(window time.Duration, now time.Time) bool {
	if r == nil {
		return false
	}
	return now.Sub(r.LastPulse) <= window
}

// InstanceStatus is the lifecycle state of a scene instance record
type InstanceStatus string

const (
	// StatusPending marks a load request waiting for a Scene server to claim it
	StatusPending InstanceStatus = "pending"
	// StatusLoading marks a claimed request whose scene is being loaded
	StatusLoading InstanceStatus = "loading"
	// StatusReady marks a loaded instance accepting redirected clients
	StatusReady InstanceStatus = "ready"
)

// SceneInstanceRecord is the shared record of one scene instance.
// Created Pending by a World server's router when a queue has waiters but no
// capacity; transitions Pending -> Loading -> Ready are made only by the Scene
// server that claims it, always through conditional updates.
type SceneInstanceRecord struct {
	ID             string
	WorldServerID  string
	SceneServerID  string
	SceneName      string
	SceneHandle    int
	Status         InstanceStatus
	CharacterCount int
	UpdatedAt      time.Time
}

// Open reports whether the record is an unfinished load request
// (Pending or Loading) for queue-demand accounting
func (r *SceneInstanceRecord) Open() bool {
	return r.Status == StatusPending || r.Status == StatusLoading
}
