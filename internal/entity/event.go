package entity

import (
	"fmt"
	"strings"
	"time"
)

type PolicyOp int

const (
	PolicyAssigned PolicyOp = iota
	PolicyUnassigned
	PolicyChanged
)

func (o PolicyOp) String() string {
	switch o {
	case PolicyAssigned:
		return "assigned"
	case PolicyUnassigned:
		return "unassigned"
	case PolicyChanged:
		return "changed"
	default:
		return "unknown"
	}
}

func ParsePolicyOp(op string) (PolicyOp, error) {
	switch strings.ToLower(op) {
	case "assigned":
		return PolicyAssigned, nil
	case "unassigned":
		return PolicyUnassigned, nil
	case "changed":
		return PolicyChanged, nil
	default:
		return 0, fmt.Errorf("%w: unknown policy operation '%s'", ErrInvalidParameter, op)
	}
}

// PolicyEvent is the notification sent by the server when a policy changes.
type PolicyEvent struct {
	Op             PolicyOp
	DeviceModelURN string
	PolicyID       string
	LastModified   time.Time
}

func (e PolicyEvent) String() string {
	return fmt.Sprintf("%s urn=%s policy_id=%s last_modified=%s", e.Op, e.DeviceModelURN, e.PolicyID, e.LastModified.Format(time.RFC3339Nano))
}
