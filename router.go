package main

import (
	"errors"
	"net/http"

	"github.com/marcus-crane/lightshow/auth"
	"github.com/marcus-crane/lightshow/broadcast"
	"github.com/marcus-crane/lightshow/config"
	"github.com/marcus-crane/lightshow/engine"
	"github.com/marcus-crane/lightshow/events"
	"github.com/marcus-crane/lightshow/metrics"
	"github.com/marcus-crane/lightshow/routes"
)

// newVerifier prefers the remote identity authority and falls back to
// locally verified JWTs signed with the shared secret.
func newVerifier(cfg config.IdentityConfig) (auth.Verifier, error) {
	switch {
	case cfg.VerifyURL != "":
		return auth.Bounded(auth.NewRemoteVerifier(cfg.VerifyURL, cfg.VerifyTimeout()), cfg.VerifyTimeout()), nil
	case cfg.JWTSecret != "":
		return auth.Bounded(auth.NewJWTVerifier(cfg.JWTSecret), cfg.VerifyTimeout()), nil
	default:
		return nil, errors.New("either IDENTITY_VERIFY_URL or IDENTITY_JWT_SECRET must be set")
	}
}

func broadcastOptions(cfg config.BroadcastConfig) broadcast.Options {
	return broadcast.Options{
		PluginQueueDepth:  cfg.PluginQueueDepth,
		BrowserQueueDepth: cfg.BrowserQueueDepth,
		AdminQueueDepth:   cfg.AdminQueueDepth,
		StallTimeout:      cfg.StallTimeout(),
	}
}

func newRouter(cfg config.Config, e *engine.Engine, collector *metrics.Collector, verifier auth.Verifier) http.Handler {
	return routes.Register(http.NewServeMux(), routes.Options{
		Engine:         e,
		Collector:      collector,
		Events:         events.Server,
		AdminVerifier:  verifier,
		WebhookSecret:  cfg.Admin.WebhookSecret,
		AllowedOrigins: cfg.Server.Origins(),
	})
}
