package models

import (
	"math"
	"time"
)

// Location is a WGS84 point in decimal degrees.
type Location struct {
	Lat       float64   `json:"latitude" bson:"lat" yaml:"latitude"`
	Lon       float64   `json:"longitude" bson:"lon" yaml:"longitude"`
	Timestamp time.Time `json:"timestamp,omitempty" bson:"ts" yaml:"-"`
}

// Valid reports whether the coordinates are finite and inside the WGS84 ranges.
func (l Location) Valid() bool {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) || math.IsInf(l.Lat, 0) || math.IsInf(l.Lon, 0) {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

type Role string

const (
	RoleJobMaster  Role = "JobMaster"  // requester of labor
	RoleTaskMaster Role = "TaskMaster" // requester of work
)

func (r Role) Valid() bool { return r == RoleJobMaster || r == RoleTaskMaster }

// Counterpart is the role a requester of this role is matched against.
func (r Role) Counterpart() Role {
	if r == RoleJobMaster {
		return RoleTaskMaster
	}
	return RoleJobMaster
}

type Participant struct {
	ID             string    `json:"id" bson:"_id" yaml:"id"`
	Role           Role      `json:"role" bson:"role" yaml:"role"`
	Name           string    `json:"name" bson:"name" yaml:"name"`
	Loc            Location  `json:"location" bson:"loc" yaml:"location"`
	Available      bool      `json:"available" bson:"available" yaml:"available"`
	AvailableSince time.Time `json:"available_since,omitempty" bson:"available_since" yaml:"-"`
	Updated        time.Time `json:"updated" bson:"updated" yaml:"-"`
}

type SearchStatus string

const (
	StatusPending   SearchStatus = "Pending"
	StatusReady     SearchStatus = "Ready"
	StatusExpired   SearchStatus = "Expired"
	StatusCancelled SearchStatus = "Cancelled"
)

func (s SearchStatus) Terminal() bool { return s != StatusPending }

// Match is one ranked counterparty in a search result.
type Match struct {
	ParticipantID  string  `json:"participantId" bson:"participant_id"`
	Name           string  `json:"name" bson:"name"`
	Lat            float64 `json:"latitude" bson:"lat"`
	Lon            float64 `json:"longitude" bson:"lon"`
	DistanceMeters float64 `json:"distanceMeters" bson:"distance_m"`
	Score          float64 `json:"score" bson:"score"`
}

type SearchRequest struct {
	ID           string       `json:"requestId" bson:"_id"`
	RequesterID  string       `json:"requesterId" bson:"requester_id"`
	Role         Role         `json:"role" bson:"role"`
	Origin       Location     `json:"origin" bson:"origin"`
	RadiusMeters float64      `json:"radiusMeters" bson:"radius_m"`
	Status       SearchStatus `json:"status" bson:"status"`
	CreatedAt    time.Time    `json:"createdAt" bson:"created_at"`
	CompletedAt  time.Time    `json:"completedAt,omitempty" bson:"completed_at"`
	Acknowledged bool         `json:"-" bson:"acknowledged"`
	Failure      string       `json:"failure,omitempty" bson:"failure,omitempty"`
	Results      []Match      `json:"results,omitempty" bson:"results,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r SearchRequest) Clone() SearchRequest {
	if r.Results != nil {
		r.Results = append([]Match(nil), r.Results...)
	}
	return r
}

// PresenceEvent is the message carried on the presence topic.
type PresenceEvent struct {
	Type        string      `json:"type"` // upsert | remove
	Participant Participant `json:"participant"`
	At          time.Time   `json:"at"`
}

const (
	PresenceUpsert = "upsert"
	PresenceRemove = "remove"
)
