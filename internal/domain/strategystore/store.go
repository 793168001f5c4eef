// Package strategystore defines persistence contracts for the strategy registry.
package strategystore

import (
	"context"
	"time"
)

// PersonaType classifies a strategy's trading style.
type PersonaType string

const (
	PersonaLongTerm   PersonaType = "long_term"
	PersonaDividend   PersonaType = "dividend"
	PersonaTrading    PersonaType = "trading"
	PersonaAggressive PersonaType = "aggressive"
	PersonaEmergency  PersonaType = "emergency"
)

// TimeHorizon describes how long a strategy usually holds a position.
type TimeHorizon string

const (
	HorizonShort  TimeHorizon = "short"
	HorizonMedium TimeHorizon = "medium"
	HorizonLong   TimeHorizon = "long"
)

// Priority bounds. Higher priority wins arbitration.
const (
	MinPriority = 0
	MaxPriority = 1000
)

// Strategy is the persisted registry row.
type Strategy struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	DisplayName    string         `json:"displayName"`
	PersonaType    PersonaType    `json:"personaType"`
	Priority       int            `json:"priority"`
	TimeHorizon    TimeHorizon    `json:"timeHorizon"`
	Active         bool           `json:"active"`
	ConfigMetadata map[string]any `json:"configMetadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Store abstracts persistence operations for strategies.
//
// Implementations return errs envelopes: CodeAlreadyExists on a duplicate name,
// CodeNotFound for unknown names or ids and CodeUnavailable on transport failures.
type Store interface {
	Create(ctx context.Context, strategy Strategy) (Strategy, error)
	GetByName(ctx context.Context, name string) (Strategy, error)
	GetByID(ctx context.Context, id string) (Strategy, error)
	List(ctx context.Context) ([]Strategy, error)
	UpdatePriority(ctx context.Context, name string, priority int) (Strategy, error)
	SetActive(ctx context.Context, name string, active bool) (Strategy, error)
}
