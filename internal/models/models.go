// Package models defines the core domain types for Courier.
package models

import (
	"encoding/json"
	"time"
)

// Lane identifies the dispatch path a work item takes.
type Lane string

const (
	// LaneNormal items bypass the priority queue and go straight to least-connections.
	LaneNormal Lane = "normal"
	// LanePriority items are queued and drained ahead of everything else.
	LanePriority Lane = "priority"
)

// Valid reports whether l is a known lane.
func (l Lane) Valid() bool {
	return l == LaneNormal || l == LanePriority
}

// WorkItem is one unit of inbound work to be routed to a worker.
type WorkItem struct {
	ID         string          `json:"id"`
	Lane       Lane            `json:"lane"`
	Priority   int             `json:"priority"` // lower value = more urgent
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// WorkerInfo is a read-only view of a worker handle owned by the supervisor.
type WorkerInfo struct {
	ID        string    `json:"id"`
	InFlight  int       `json:"in_flight"`
	Alive     bool      `json:"alive"`
	Started   int64     `json:"started"`
	Finished  int64     `json:"finished"`
	SpawnedAt time.Time `json:"spawned_at"`
}

// PartnerState is the availability of a delivery partner.
type PartnerState string

const (
	PartnerAvailable PartnerState = "available"
	PartnerBusy      PartnerState = "busy"
)

// Partner is a scarce external resource granted for a fixed window.
type Partner struct {
	ID        int          `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	State     PartnerState `json:"status" yaml:"-"`
	BusyUntil *time.Time   `json:"busy_until,omitempty" yaml:"-"`
}

// Grant is the result of a successful partner acquisition.
type Grant struct {
	Partner   Partner   `json:"partner"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Order is a delivery order that needs both a worker and a partner.
type Order struct {
	ID              string    `json:"id"`
	CustomerName    string    `json:"customerName"`
	DeliveryAddress string    `json:"deliveryAddress"`
	OrderItems      string    `json:"orderItems"`
	PartnerID       int       `json:"partner_id,omitempty"`
	PartnerName     string    `json:"partner_name,omitempty"`
	WorkerID        string    `json:"worker_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Command is the verb of a supervisor/worker protocol message.
type Command string

const (
	CommandHandle   Command = "handle"
	CommandStarted  Command = "started"
	CommandFinished Command = "finished"
)

// WorkerMessage is exchanged between the supervisor and a worker.
type WorkerMessage struct {
	Command Command         `json:"command"`
	ItemID  string          `json:"item_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
