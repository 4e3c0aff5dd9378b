// Package domain defines the persistent entities, value types, and rule
// evaluation primitives used by installcore.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records, watch notifications and persistence buckets.
const (
	// EntityDevice identifies a manufactured device record.
	EntityDevice EntityType = "device"
	// EntityLocation identifies a surveyed location record.
	EntityLocation EntityType = "location"
	// EntityTeam identifies an installer team.
	EntityTeam EntityType = "team"
	// EntityTeamMember identifies a row of a team's member sub-collection.
	EntityTeamMember EntityType = "team_member"
	// EntityMembership identifies a row of the flat authorization membership table.
	EntityMembership EntityType = "membership"
	// EntityInstallation identifies a field installation record.
	EntityInstallation EntityType = "installation"
	// EntityServerData identifies a telemetry record keyed by device id.
	EntityServerData EntityType = "server_data"
)

// AllEntities lists every entity type in a stable order.
var AllEntities = []EntityType{
	EntityDevice,
	EntityLocation,
	EntityTeam,
	EntityTeamMember,
	EntityMembership,
	EntityInstallation,
	EntityServerData,
}

// DeviceStatus mirrors the installation progress of a physical device.
type DeviceStatus string

// Canonical device statuses.
const (
	DeviceStatusPending   DeviceStatus = "pending"
	DeviceStatusInstalled DeviceStatus = "installed"
	DeviceStatusVerified  DeviceStatus = "verified"
	DeviceStatusFlagged   DeviceStatus = "flagged"
)

// InstallationStatus enumerates the verification workflow states of an installation.
type InstallationStatus string

// Canonical installation statuses. Verified is terminal; flagged may still move to verified.
const (
	InstallationPending  InstallationStatus = "pending"
	InstallationVerified InstallationStatus = "verified"
	InstallationFlagged  InstallationStatus = "flagged"
)

// MaxInstallationImages caps the number of photos attached to one installation.
const MaxInstallationImages = 4

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Device represents a manufactured IoT unit that can be installed in the field.
type Device struct {
	Base
	ProductID             string       `json:"product_id"`
	DeviceSerialID        string       `json:"device_serial_id"`
	DeviceIMEI            string       `json:"device_imei"`
	ICCID                 string       `json:"iccid"`
	BoxNumber             *string      `json:"box_number,omitempty"`
	Status                DeviceStatus `json:"status"`
	AssignedTeamID        *string      `json:"assigned_team_id,omitempty"`
	BoxOpened             bool         `json:"box_opened"`
	AssignedInstallerName *string      `json:"assigned_installer_name,omitempty"`
}

// Location is a surveyed coordinate pair addressed by its external location id.
type Location struct {
	Base
	LocationID string  `json:"location_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// Team groups installers under a single owner.
type Team struct {
	Base
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"`
	OwnerName string `json:"owner_name"`
}

// TeamMember is a row of a team's member sub-collection.
type TeamMember struct {
	Base
	TeamID     string    `json:"team_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	DeviceID   string    `json:"device_id"`
	Height     float64   `json:"height"`
	HeightUnit string    `json:"height_unit"`
	AddedAt    time.Time `json:"added_at"`
}

// Membership is a row of the flat table consulted for access checks.
type Membership struct {
	Base
	TeamID string `json:"team_id"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}

// Installation is the field record of a device being placed and read by an installer.
type Installation struct {
	Base
	DeviceID            string             `json:"device_id"`
	LocationID          string             `json:"location_id"`
	Latitude            *float64           `json:"latitude,omitempty"`
	Longitude           *float64           `json:"longitude,omitempty"`
	SensorReading       float64            `json:"sensor_reading"`
	Status              InstallationStatus `json:"status"`
	SystemPreVerified   bool               `json:"system_pre_verified"`
	SystemPreVerifiedAt *time.Time         `json:"system_pre_verified_at,omitempty"`
	FlaggedReason       string             `json:"flagged_reason,omitempty"`
	InstalledBy         string             `json:"installed_by"`
	InstalledByName     string             `json:"installed_by_name"`
	TeamID              *string            `json:"team_id,omitempty"`
	VerifiedBy          string             `json:"verified_by,omitempty"`
	VerifiedAt          *time.Time         `json:"verified_at,omitempty"`
	ImageURLs           []string           `json:"image_urls,omitempty"`
	VideoURL            string             `json:"video_url,omitempty"`
}

// Actionable reports whether the installation still awaits a decision: pending and not
// yet approved by the automated check.
func (i Installation) Actionable() bool {
	return i.Status == InstallationPending && !i.SystemPreVerified
}

// Coordinates returns the installation's own override coordinates when both are set.
func (i Installation) Coordinates() (lat, lng float64, ok bool) {
	if i.Latitude == nil || i.Longitude == nil {
		return 0, 0, false
	}
	return *i.Latitude, *i.Longitude, true
}

// ServerData is the externally refreshed telemetry sample for a device. Its ID is the device id.
type ServerData struct {
	Base
	DeviceID   string    `json:"device_id"`
	Reading    float64   `json:"reading"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}
