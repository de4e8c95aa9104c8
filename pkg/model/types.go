package model

// Collection identifies one persisted record collection (one storage key).
type Collection string

const (
	CollectionPositions       Collection = "positions"
	CollectionWorkers         Collection = "workers"
	CollectionClockRecords    Collection = "clock-records"
	CollectionAbsenceRequests Collection = "absence-requests"
	CollectionAuditLog        Collection = "audit-log"
	CollectionSyncQueue       Collection = "sync-queue"
	CollectionBackups         Collection = "backups"
	CollectionUserSettings    Collection = "user-settings"
	CollectionNotifications   Collection = "notifications"
	CollectionSyncPolicies    Collection = "sync-policies"
	CollectionWriterLock      Collection = "writer-lock"
)

// String returns the storage key of the collection.
func (c Collection) String() string {
	return string(c)
}

// RecordCollections are the CRUD collections managed by the persistent store.
var RecordCollections = []Collection{
	CollectionPositions,
	CollectionWorkers,
	CollectionClockRecords,
	CollectionAbsenceRequests,
	CollectionUserSettings,
	CollectionNotifications,
}

// BackupCollections are the keys captured in a backup snapshot.
var BackupCollections = []Collection{
	CollectionPositions,
	CollectionWorkers,
	CollectionClockRecords,
	CollectionAbsenceRequests,
	CollectionUserSettings,
	CollectionNotifications,
	CollectionAuditLog,
	CollectionSyncPolicies,
}

// HashValue is a SHA-256 or HMAC-SHA256 digest stored as hex string.
type HashValue string

// Role is the authorization role of an actor.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleWorker     Role = "worker"
	RoleSystem     Role = "system"
)

// Actor identifies who performed an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used for mutations the core performs on its own behalf.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Privileged reports whether the actor may perform repair and purge operations.
func (a Actor) Privileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSupervisor || a.Role == RoleSystem
}

// IntegrityState represents the verification status of a record.
type IntegrityState string

const (
	IntegrityVerified IntegrityState = "verified"
	IntegrityTampered IntegrityState = "tampered"
	IntegrityUnsigned IntegrityState = "unsigned"
)
