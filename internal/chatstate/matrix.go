package chatstate

import "github.com/zulandar/chatyard/internal/models"

// allowed is the fixed transition matrix. Same-status entries are
// sub-status-only moves; CLOSED is terminal.
var allowed = map[string]map[string]bool{
	models.StatusWaiting: {
		models.StatusWaiting: true,
		models.StatusActive:  true,
		models.StatusBot:     true,
		models.StatusClosed:  true,
	},
	models.StatusBot: {
		models.StatusBot:     true,
		models.StatusActive:  true,
		models.StatusWaiting: true,
		models.StatusClosed:  true,
	},
	models.StatusActive: {
		models.StatusActive:   true,
		models.StatusPending:  true,
		models.StatusResolved: true,
		models.StatusClosed:   true,
		models.StatusBot:      true,
	},
	models.StatusPending: {
		models.StatusPending: true,
		models.StatusActive:  true,
		models.StatusClosed:  true,
	},
	models.StatusResolved: {
		models.StatusResolved: true,
		models.StatusActive:   true,
		models.StatusClosed:   true,
	},
	models.StatusClosed: {},
}

// CanTransition reports whether from -> to is in the matrix.
func CanTransition(from, to string) bool {
	return allowed[from][to]
}

// Targets returns the statuses reachable from from, excluding from itself.
func Targets(from string) []string {
	var out []string
	for _, s := range statusOrder {
		if s != from && allowed[from][s] {
			out = append(out, s)
		}
	}
	return out
}

var statusOrder = []string{
	models.StatusWaiting,
	models.StatusBot,
	models.StatusActive,
	models.StatusPending,
	models.StatusResolved,
	models.StatusClosed,
}

// Statuses returns every chat status in lifecycle order.
func Statuses() []string {
	return append([]string(nil), statusOrder...)
}

// ValidStatus reports whether s is a known chat status.
func ValidStatus(s string) bool {
	_, ok := allowed[s]
	return ok
}

// AgentOwned reports whether an agent holds the chat in status s.
func AgentOwned(s string) bool {
	switch s {
	case models.StatusActive, models.StatusPending, models.StatusResolved:
		return true
	}
	return false
}
