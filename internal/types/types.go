// Package types holds the data model shared across every subsystem of
// the bridge: punches as they come off the device, user records as
// cached from the cloud store, attendance records as published and
// persisted, and the envelopes the durability layer spills to disk.
package types

import "time"

// BiometricId is the device-assigned per-user identifier. It is always
// carried as a string — never cast to a fixed integer width, since the
// device driver itself treats it as an opaque token.
type BiometricId = string

// Scan-failed sentinel biometric IDs. A punch carrying one of these is
// not an attendance event at all.
const (
	BiometricIDNone    BiometricId = "0"
	BiometricIDInvalid BiometricId = "-1"
)

// IsScanFailedID reports whether id is one of the device's "scan
// failed" sentinels rather than a real enrolled user.
func IsScanFailedID(id BiometricId) bool {
	return id == BiometricIDNone || id == BiometricIDInvalid
}

// EventSource distinguishes a punch that arrived over the realtime
// listener from one recovered by polling pullLog.
type EventSource string

const (
	SourceRealtime EventSource = "realtime"
	SourcePoll     EventSource = "poll"
)

// RawPunch is produced by the device session for every frame that
// carries a real (non-sentinel) biometric ID.
type RawPunch struct {
	BiometricID BiometricId
	Instant     time.Time
	DeviceID    string
	Source      EventSource
}

// MembershipStatus enumerates the membership states a UserRecord may
// report, mirrored verbatim onto the AttendanceRecord it produces.
type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipExpired  MembershipStatus = "expired"
	MembershipPending  MembershipStatus = "pending"
	MembershipInactive MembershipStatus = "inactive"
	MembershipUnknown  MembershipStatus = "unknown"
)

// UserRecord is owned by the cloud store and cached by the user cache.
// Exactly one of PhotoPath (disk-local, offloaded) or PhotoURL (remote)
// is populated; a cached record never carries inline image bytes.
type UserRecord struct {
	ID                string           `json:"id" firestore:"-"`
	BiometricID       BiometricId      `json:"biometricId" firestore:"biometricId"`
	Name              string           `json:"name" firestore:"name"`
	PhotoPath         string           `json:"photoPath,omitempty" firestore:"photoPath,omitempty"`
	PhotoURL          string           `json:"photoUrl,omitempty" firestore:"photoUrl,omitempty"`
	PlanID            string           `json:"planId,omitempty" firestore:"planId,omitempty"`
	MembershipStatus  MembershipStatus `json:"membershipStatus" firestore:"membershipStatus"`
	MembershipEndDate *time.Time       `json:"membershipEndDate,omitempty" firestore:"membershipEndDate,omitempty"`
}

// AttendanceStatus is always "present" today; it is a named type so a
// future status does not require rewriting every call site.
type AttendanceStatus string

const StatusPresent AttendanceStatus = "present"

// AttendanceRecord is the canonical on-wire and on-disk shape for one
// accepted punch. Date is always the check-in instant
// projected through the configured IANA zone; UserID starts with
// "unknown_" if and only if the user could not be resolved.
type AttendanceRecord struct {
	UserID            string           `json:"userId" firestore:"userId"`
	Name              string           `json:"name" firestore:"name"`
	PhotoURL          string           `json:"photoUrl,omitempty" firestore:"photoUrl,omitempty"`
	BiometricID       BiometricId      `json:"biometricId" firestore:"biometricId"`
	CheckInTime       time.Time        `json:"checkInTime" firestore:"checkInTime"`
	Date              string           `json:"date" firestore:"date"` // YYYY-MM-DD in configured zone
	Status            AttendanceStatus `json:"status" firestore:"status"`
	Source            EventSource      `json:"source" firestore:"source"`
	PlanID            string           `json:"planId,omitempty" firestore:"planId,omitempty"`
	MembershipStatus  MembershipStatus `json:"membershipStatus" firestore:"membershipStatus"`
	MembershipEndDate *time.Time       `json:"membershipEndDate,omitempty" firestore:"membershipEndDate,omitempty"`
	Remarks           string           `json:"remarks,omitempty" firestore:"remarks,omitempty"`
	CreatedAt         time.Time        `json:"createdAt" firestore:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt" firestore:"updatedAt"`
}

// IsUnknownUser reports whether this record was produced for a
// biometric ID with no resolvable user.
func (a AttendanceRecord) IsUnknownUser() bool {
	return len(a.UserID) >= len("unknown_") && a.UserID[:len("unknown_")] == "unknown_"
}

// UnknownUserID formats the synthetic user ID used when a biometric ID
// has no matching UserRecord anywhere (cloud store or offline cache).
func UnknownUserID(biometricID BiometricId) string {
	return "unknown_" + biometricID
}

// SyncStatus is the lifecycle state of a DurableEnvelope while it sits
// in the spill. Today the only state reachable on disk is "pending":
// once synced, the envelope's line is gone.
type SyncStatus string

const SyncPending SyncStatus = "pending"

// DurableEnvelope is what the durability layer spills to disk: an
// AttendanceRecord plus the bookkeeping needed to drain it later.
// DBID is a legacy alias for RecordID kept so a pre-migration spill
// file still deserializes; new envelopes set it equal to RecordID.
// OfflineTimestamp records when the envelope was spilled.
type DurableEnvelope struct {
	AttendanceRecord
	RecordID         string     `json:"recordId"`
	DBID             string     `json:"dbId,omitempty"`
	OfflineTimestamp time.Time  `json:"offlineTimestamp"`
	SyncStatus       SyncStatus `json:"syncStatus"`
}

// EnrollmentStatus is the outcome of pushing an intent to the device.
type EnrollmentStatus string

const (
	EnrollmentSuccess EnrollmentStatus = "success"
	EnrollmentFailed  EnrollmentStatus = "failed"
)

// EnrollmentIntent mirrors a /member_registrations/{key} node on the
// cloud feed. It is read-only from the core's perspective except for
// the EsslEnrolled/EsslStatus/EsslError/EsslAttemptedAt/EsslEnrolledAt
// fields, which the enrollment consumer writes back.
type EnrollmentIntent struct {
	Key             string     `json:"-"`
	BiometricID     BiometricId `json:"biometricId"`
	Name            string     `json:"name"`
	EsslEnrolled    bool       `json:"esslEnrolled"`
	EsslStatus      EnrollmentStatus `json:"esslStatus,omitempty"`
	EsslError       string     `json:"esslError,omitempty"`
	EsslAttemptedAt *time.Time `json:"esslAttemptedAt,omitempty"`
	EsslEnrolledAt  *time.Time `json:"esslEnrolledAt,omitempty"`
}

// SaveOutcome is the durability layer's best-effort report of where a
// record ended up, consumed by the pipeline to decide which UI notice
// (if any) to fan out.
type SaveOutcome int

const (
	SaveOK SaveOutcome = iota
	SaveSpilled
	SaveFailed
)

// DeviceInfo describes a terminal located by the discovery scanner or
// returned by the driver's GetInfo call.
type DeviceInfo struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	MAC      string `json:"mac,omitempty"`
	Name     string `json:"name,omitempty"`
	Serial   string `json:"serial,omitempty"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}
