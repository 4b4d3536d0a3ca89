package credential

import (
	"errors"
	"time"
)

var (
	ErrPoolExhausted = errors.New("credential pool exhausted")
	ErrLeaseReleased = errors.New("lease already released or unknown")
)

type State string

const (
	StateAvailable State = "available"
	StateLeased    State = "leased"
	StateCooling   State = "cooling"
	StateDisabled  State = "disabled"
)

var allStates = []State{StateAvailable, StateLeased, StateCooling, StateDisabled}

// Outcome tags how a leased credential fared upstream.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeAuthInvalid
	OutcomeOther
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeAuthInvalid:
		return "auth_invalid"
	default:
		return "other"
	}
}

// Credential is the material needed to authenticate one upstream account.
type Credential struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
	// OrgID skips the organization lookup when known up front.
	OrgID string `yaml:"org_id,omitempty"`
}

// Lease binds one in-flight request to one credential until released.
type Lease struct {
	ID           string
	CredentialID string
	Secret       string
	OrgID        string
	IssuedAt     time.Time
	// Deadline is zero when the pool has no lease TTL.
	Deadline time.Time
}

// Status is a read-only view of one credential, without secret material.
type Status struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	Failures       int       `json:"failures"`
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
	LastUsed       time.Time `json:"last_used,omitempty"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
}

// entry is the pool's private, mutable record for a credential.
type entry struct {
	cred           Credential
	order          int
	state          State
	failures       int
	cooldownUntil  time.Time
	lastUsed       time.Time
	disabledReason string
	leaseID        string
	stopCooldown   func() bool
}

func (e *entry) status() Status {
	return Status{
		ID:             e.cred.ID,
		State:          e.state,
		Failures:       e.failures,
		CooldownUntil:  e.cooldownUntil,
		LastUsed:       e.lastUsed,
		DisabledReason: e.disabledReason,
	}
}
