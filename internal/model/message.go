package model

import "time"

type Status string

const (
	Received          Status = "received"
	Handled           Status = "handled"
	Processing        Status = "processing"
	Locked            Status = "locked"
	Queued            Status = "queued"
	Sent              Status = "sent"
	Delivered         Status = "delivered"
	Cancelled         Status = "cancelled"
	Errored           Status = "errored"
	PermanentlyFailed Status = "permanently_failed"
)

// Sendable reports whether a dispatcher may attempt delivery of a message in this status.
func (s Status) Sendable() bool {
	return s == Queued || s == Errored
}

// Terminal reports whether no automatic transition leaves this status.
func (s Status) Terminal() bool {
	switch s {
	case Sent, Delivered, Cancelled, PermanentlyFailed:
		return true
	}
	return false
}

// Resolved reports whether a batch member counts as done when closing its batch.
func (s Status) Resolved() bool {
	return s == Sent || s == Delivered || s == Cancelled
}

// ResolvedStatuses lists the statuses for which Resolved is true.
func ResolvedStatuses() []Status {
	return []Status{Sent, Delivered, Cancelled}
}

func (s Status) Valid() bool {
	switch s {
	case Received, Handled, Processing, Locked, Queued, Sent,
		Delivered, Cancelled, Errored, PermanentlyFailed:
		return true
	}
	return false
}

type Direction string

const (
	Incoming Direction = "I"
	Outgoing Direction = "O"
)

const DefaultPriority = 10

// Connection is a contact identity on a named backend.
type Connection struct {
	Identity string `json:"identity"`
	Backend  string `json:"backend"`
}

type Message struct {
	ID           int64      `json:"id"`
	Connection   Connection `json:"connection"`
	Text         string     `json:"text"`
	Direction    Direction  `json:"direction"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	BatchID      *int64     `json:"batch_id,omitempty"`
	Priority     int        `json:"priority"`
	InResponseTo *int64     `json:"in_response_to,omitempty"`
}

type MessageBatch struct {
	ID     int64   `json:"id"`
	Status Status  `json:"status"`
	Name   *string `json:"name,omitempty"`
}

// DeliveryError is one failed delivery attempt. Rows are never updated or
// deleted; the number of rows for a message is its failure count.
type DeliveryError struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	Log       string    `json:"log"`
	CreatedAt time.Time `json:"created_at"`
}
