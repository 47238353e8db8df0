// Package storage is the per-agent durable store. One SQLite database per
// agent DID holds everything the agent has received, processed, decided,
// and delivered. Cross-agent access is impossible by construction: every
// agent gets its own Store handle.
package storage

import (
	"encoding/json"
	"time"
)

// TransactionType is the kind of transaction-initiating message.
type TransactionType string

const (
	TransactionTypeTransfer TransactionType = "transfer"
	TransactionTypePayment  TransactionType = "payment"
)

// TransactionStatus is the durable transaction state.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
	TransactionStatusReverted  TransactionStatus = "reverted"
)

// Terminal reports whether no further status change is permitted, except
// Revert on confirmed.
func (s TransactionStatus) Terminal() bool {
	return s != TransactionStatusPending
}

// Transaction is a durable record keyed by the originating message's thread.
type Transaction struct {
	ID          int64
	Type        TransactionType
	ReferenceID string
	FromDID     string
	ToDID       string
	ThreadID    string
	MessageType string
	Status      TransactionStatus
	MessageJSON json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AgentStatus is the per-agent authorization state within a transaction.
type AgentStatus string

const (
	AgentStatusPending    AgentStatus = "pending"
	AgentStatusAuthorized AgentStatus = "authorized"
	AgentStatusRejected   AgentStatus = "rejected"
	AgentStatusCancelled  AgentStatus = "cancelled"
)

// TransactionAgent tracks one agent's standing in one transaction.
type TransactionAgent struct {
	TransactionID string
	AgentDID      string
	Role          string
	Status        AgentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessageDirection distinguishes received from sent messages.
type MessageDirection string

const (
	DirectionIncoming MessageDirection = "incoming"
	DirectionOutgoing MessageDirection = "outgoing"
)

// Message is one logged plain message.
type Message struct {
	ID             int64
	MessageID      string
	MessageType    string
	FromDID        string
	ToDID          string
	ThreadID       string
	ParentThreadID string
	Direction      MessageDirection
	MessageJSON    json.RawMessage
	CreatedAt      time.Time
}

// DeliveryStatus is the terminal outcome of a send attempt chain.
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// DeliveryType selects the transport for an outgoing envelope.
type DeliveryType string

const (
	DeliveryTypeHTTPS      DeliveryType = "https"
	DeliveryTypeInternal   DeliveryType = "internal"
	DeliveryTypeReturnPath DeliveryType = "return_path"
	DeliveryTypePickup     DeliveryType = "pickup"
)

// Delivery is one outgoing send attempt. MessageText holds the packed
// envelope so retries never re-pack.
type Delivery struct {
	ID             int64
	MessageID      string
	MessageText    string
	RecipientDID   string
	DeliveryURL    string
	DeliveryType   DeliveryType
	Status         DeliveryStatus
	RetryCount     int
	LastHTTPStatus int
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeliveredAt    *time.Time
}

// SourceType records where a raw envelope arrived from.
type SourceType string

const (
	SourceTypeHTTPS      SourceType = "https"
	SourceTypeInternal   SourceType = "internal"
	SourceTypeWebSocket  SourceType = "websocket"
	SourceTypeReturnPath SourceType = "return_path"
	SourceTypePickup     SourceType = "pickup"
)

// ReceivedStatus is the processing state of a raw inbound envelope.
type ReceivedStatus string

const (
	ReceivedStatusPending   ReceivedStatus = "pending"
	ReceivedStatusProcessed ReceivedStatus = "processed"
	ReceivedStatusFailed    ReceivedStatus = "failed"
)

// Received is one raw inbound envelope.
type Received struct {
	ID                 int64
	RawMessage         string
	SourceType         SourceType
	SourceIdentifier   string
	Status             ReceivedStatus
	ErrorMessage       string
	ReceivedAt         time.Time
	ProcessedAt        *time.Time
	ProcessedMessageID string
}

// DecisionType names the choice the FSM externalized.
type DecisionType string

const (
	DecisionAuthorizationRequired      DecisionType = "AuthorizationRequired"
	DecisionPolicySatisfactionRequired DecisionType = "PolicySatisfactionRequired"
	DecisionSettlementRequired         DecisionType = "SettlementRequired"
)

// DecisionStatus tracks a decision through its external lifecycle.
type DecisionStatus string

const (
	DecisionStatusPending   DecisionStatus = "pending"
	DecisionStatusDelivered DecisionStatus = "delivered"
	DecisionStatusResolved  DecisionStatus = "resolved"
	DecisionStatusExpired   DecisionStatus = "expired"
)

// Decision is one externalized choice awaiting resolution.
type Decision struct {
	ID            int64
	TransactionID string
	AgentDID      string
	DecisionType  DecisionType
	Context       json.RawMessage
	Status        DecisionStatus
	Resolution    string
	Detail        json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SchemaType is the schema.org type of a customer profile.
type SchemaType string

const (
	SchemaPerson       SchemaType = "Person"
	SchemaOrganization SchemaType = "Organization"
	SchemaThing        SchemaType = "Thing"
)

// Customer is a profile derived from party metadata.
type Customer struct {
	ID          string
	AgentDID    string
	SchemaType  SchemaType
	GivenName   string
	FamilyName  string
	DisplayName string
	LegalName   string
	LEICode     string
	MCCCode     string
	Country     string
	Profile     json.RawMessage
	IVMS101Data json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CustomerIdentifier is an IRI alias of a customer.
type CustomerIdentifier struct {
	ID             string // the IRI itself
	CustomerID     string
	IdentifierType string
	Verified       bool
	CreatedAt      time.Time
}

// CustomerRelationship links a customer to a related identifier, e.g. a
// confirmed settlement address.
type CustomerRelationship struct {
	ID                string
	CustomerID        string
	RelationshipType  string
	RelatedIdentifier string
	Proof             json.RawMessage
	ConfirmedAt       *time.Time
	CreatedAt         time.Time
}
