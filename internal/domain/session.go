package domain

import (
	"strings"
	"time"
)

// Action is the access decision for a scored session.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionRequire2FA Action = "require_2fa"
	ActionDeny       Action = "deny_access"
)

// Human returns the action with underscores replaced by spaces.
func (a Action) Human() string {
	return strings.ReplaceAll(string(a), "_", " ")
}

// Alert reasons.
const (
	ReasonExtremeRisk          = "extreme_single_session_risk"
	ReasonRepeatedElevatedRisk = "repeated_elevated_risk"
)

// SessionOutcome is the result of one scoring pass.
type SessionOutcome struct {
	UserID    string             `json:"userId"`
	SessionID string             `json:"sessionId"`
	RiskScore float64            `json:"riskScore"`
	Action    Action             `json:"action"`
	Features  NormalizedFeatures `json:"features"`
	Timestamp time.Time          `json:"timestamp"`
}

// SessionLog is the persisted audit record of a scored session.
type SessionLog struct {
	SessionID         string             `json:"sessionId"`
	UserID            string             `json:"userId"`
	Timestamp         time.Time          `json:"timestamp"`
	RiskScore         float64            `json:"riskScore"`
	ActionTaken       Action             `json:"actionTaken"`
	RawLogID          string             `json:"rawLogId,omitempty"`
	ProcessedFeatures NormalizedFeatures `json:"processedFeatures"`
}

// RawLog is the undecoded payload as received from the client.
type RawLog struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"sessionId"`
	UserID            string    `json:"userId"`
	FrontendTimestamp int64     `json:"frontendTimestamp,omitempty"`
	ServerReceivedAt  time.Time `json:"serverReceivedAt"`
	EncryptedData     string    `json:"encryptedData"`
}

// AlertRecord is raised by the alert evaluator.
type AlertRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	SessionID   string    `json:"sessionId"`
	RiskScore   float64   `json:"riskScore"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
	ActionTaken Action    `json:"actionTaken"`
}
