package api

import (
	"github.com/sessiondeck/sessiondeck/auth"
	"github.com/sessiondeck/sessiondeck/autoswitch"
	"github.com/sessiondeck/sessiondeck/events"
	"github.com/sessiondeck/sessiondeck/profile"
	"github.com/sessiondeck/sessiondeck/session"
	"github.com/sessiondeck/sessiondeck/usage"
)

// Handlers holds references to the components the API surfaces
type Handlers struct {
	sessions  *session.Registry
	persister *session.Persister
	profiles  *profile.Store
	auth      *auth.Manager
	usage     *usage.Monitor
	switcher  *autoswitch.Controller
	bus       *events.Bus
}

// NewHandlers creates a Handlers instance wired to the given components
func NewHandlers(
	sessions *session.Registry,
	persister *session.Persister,
	profiles *profile.Store,
	authMgr *auth.Manager,
	usageMon *usage.Monitor,
	switcher *autoswitch.Controller,
	bus *events.Bus,
) *Handlers {
	return &Handlers{
		sessions:  sessions,
		persister: persister,
		profiles:  profiles,
		auth:      authMgr,
		usage:     usageMon,
		switcher:  switcher,
		bus:       bus,
	}
}
