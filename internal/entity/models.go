package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Table names.
const (
	Ministries  = "ministries"
	Portfolios  = "portfolios"
	Programs    = "programs"
	Actions     = "actions"
	Operations  = "operations"
	Engagements = "engagements"
	Payments    = "payments"
)

type Ministry struct {
	ID        string     `json:"id,omitempty"`
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

type Portfolio struct {
	ID         string `json:"id,omitempty"`
	MinistryID string `json:"ministry_id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
}

type Program struct {
	ID          string `json:"id,omitempty"`
	PortfolioID string `json:"portfolio_id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
}

type Action struct {
	ID        string `json:"id,omitempty"`
	ProgramID string `json:"program_id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
}

// Operation carries the budget line that engagements draw on.
type Operation struct {
	ID       string          `json:"id,omitempty"`
	ActionID string          `json:"action_id"`
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Budget   decimal.Decimal `json:"budget"`
}

type EngagementStatus string

const (
	EngagementDraft     EngagementStatus = "draft"
	EngagementValidated EngagementStatus = "validated"
	EngagementCancelled EngagementStatus = "cancelled"
)

// Engagement is a commitment of part of an operation's budget.
type Engagement struct {
	ID          string           `json:"id,omitempty"`
	OperationID string           `json:"operation_id"`
	Reference   string           `json:"reference"`
	Amount      decimal.Decimal  `json:"amount"`
	Status      EngagementStatus `json:"status"`
	EngagedAt   *time.Time       `json:"engaged_at,omitempty"`
}

type Payment struct {
	ID           string          `json:"id,omitempty"`
	EngagementID string          `json:"engagement_id"`
	Reference    string          `json:"reference"`
	Amount       decimal.Decimal `json:"amount"`
	PaidAt       *time.Time      `json:"paid_at,omitempty"`
}
