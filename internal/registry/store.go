package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("registry: record not found")

// Store is the shared server registry all roles coordinate through instead
// of talking to each other directly. Every status transition is a single
// conditional update so that concurrent processes cannot lose each other's
// writes; no lock is held across calls.
type Store interface {
	// RegisterServer upserts a server record and returns its id.
	// An empty ID is filled with a generated one.
	RegisterServer(ctx context.Context, rec *ServerRecord) (string, error)

	// Pulse refreshes the server's reported load and last-pulse timestamp
	Pulse(ctx context.Context, serverID string, load int) error

	// GetServer fetches one server record
	GetServer(ctx context.Context, serverID string) (*ServerRecord, error)

	// SceneServers lists all known Scene server records, fresh or stale;
	// callers filter with ServerRecord.Alive
	SceneServers(ctx context.Context) ([]*ServerRecord, error)

	// DeregisterServer removes the server record
	DeregisterServer(ctx context.Context, serverID string) error

	// CreatePendingIfAbsent inserts a Pending load request for sceneName
	// unless an open (Pending or Loading) request already exists for it.
	// Returns the record and whether a new one was created.
	CreatePendingIfAbsent(ctx context.Context, sceneName, worldServerID string) (*SceneInstanceRecord, bool, error)

	// GetInstance fetches one scene instance record
	GetInstance(ctx context.Context, instanceID string) (*SceneInstanceRecord, error)

	// InstancesByScene lists all instance records for a scene name in
	// ascending id order, so fill order is stable across ticks and processes
	InstancesByScene(ctx context.Context, sceneName string) ([]*SceneInstanceRecord, error)

	// ClaimPending atomically transitions one Pending record to Loading
	// owned by sceneServerID. Returns (nil, nil) when nothing is claimable.
	ClaimPending(ctx context.Context, sceneServerID string) (*SceneInstanceRecord, error)

	// MarkReady transitions Loading -> Ready for the given owner, recording
	// the runtime scene handle. Returns false when the record is not in
	// Loading or owned by someone else.
	MarkReady(ctx context.Context, instanceID, sceneServerID string, handle int) (bool, error)

	// RevertToPending transitions Loading -> Pending after a failed load so
	// another claim attempt can pick the request up. Returns false when the
	// record is not in Loading.
	RevertToPending(ctx context.Context, instanceID string) (bool, error)

	// RevertStuckLoading reverts every Loading record older than the given
	// age back to Pending and returns how many were reverted
	RevertStuckLoading(ctx context.Context, olderThan time.Duration) (int, error)

	// AddCharacterCount adjusts an instance's occupant count and returns
	// the new value, clamped at zero
	AddCharacterCount(ctx context.Context, instanceID string, delta int) (int, error)

	// DeleteInstance removes one instance record
	DeleteInstance(ctx context.Context, instanceID string) error

	// DeleteInstancesOwnedBy removes every instance record owned by the
	// given Scene server and returns how many were deleted
	DeleteInstancesOwnedBy(ctx context.Context, sceneServerID string) (int, error)
}
