package websocket

import (
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeScanDecision represents a gate decision
	EventTypeScanDecision EventType = "scan_decision"
	// EventTypeRulesInvalidated is sent when an organization's cached rules are dropped
	EventTypeRulesInvalidated EventType = "rules_invalidated"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// ScanDecisionEvent describes one gate decision. It only ever carries
// redacted match text.
type ScanDecisionEvent struct {
	RequestID       string            `json:"request_id"`
	OrganizationID  string            `json:"organization_id"`
	UserID          string            `json:"user_id,omitempty"`
	Destination     string            `json:"destination,omitempty"`
	Action          string            `json:"action"`
	Degraded        bool              `json:"degraded,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Findings        []DecisionFinding `json:"findings"`
	EntropyFindings int               `json:"entropy_findings"`
	ProcessingMS    float64           `json:"processing_ms"`
}

// DecisionFinding is a redacted rule match inside a ScanDecisionEvent
type DecisionFinding struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name,omitempty"`
	Category string `json:"category"`
	Severity string `json:"severity"`
	Redacted string `json:"redacted"`
}

// RulesInvalidatedEvent names the organizations whose rule sets were dropped
type RulesInvalidatedEvent struct {
	Organizations []string `json:"organizations"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	TotalScans       int64  `json:"total_scans"`
	TotalBlocked     int64  `json:"total_blocked"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows scan_decision events. Categories are glob patterns
// such as "api_*"; MinAction is allow, warn or block.
type EventFilter struct {
	Organizations []string `json:"organizations,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	MinAction     string   `json:"min_action,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string

	mu     sync.RWMutex
	filter *compiledFilter
}

// compiledFilter is an EventFilter with its category globs compiled
type compiledFilter struct {
	organizations map[string]struct{}
	categories    []glob.Glob
	minRank       int
}
