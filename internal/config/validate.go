package config

import (
	"fmt"
	"strings"

	"github.com/ruachtech/gatewayd/internal/apperrors"
)

// Validate checks structural invariants across the three files and returns
// a single wrapped apperrors.ErrConfigValidation listing every violation,
// so a reload attempt reports everything wrong at once instead of
// stopping at the first error.
func Validate(main *MainConfig, proxy *ProxyConfig, procs *ProcessesConfig) error {
	var errs []string

	for i, r := range proxy.Routes {
		label := fmt.Sprintf("routes[%d] (%s%s)", i, r.Domain, r.Path)
		if r.Domain == "" {
			errs = append(errs, label+": domain is required")
		}
		switch r.Type {
		case "proxy":
			if r.Target == "" {
				errs = append(errs, label+": type=proxy requires target")
			}
		case "static":
			if r.StaticPath == "" {
				errs = append(errs, label+": type=static requires staticPath")
			}
		case "redirect":
			if r.Target == "" {
				errs = append(errs, label+": type=redirect requires target")
			}
		case "forward":
			// Target is ignored for forward routes; nothing required.
		default:
			errs = append(errs, label+fmt.Sprintf(": unknown type %q", r.Type))
		}
		if r.OAuth2 != nil {
			if hasUnresolvedPlaceholder(r.OAuth2.ClientID) ||
				hasUnresolvedPlaceholder(r.OAuth2.ClientSecret) ||
				hasUnresolvedPlaceholder(r.OAuth2.CallbackURL) {
				errs = append(errs, label+": oauth2 config has an unresolved ${VAR} placeholder in clientId, clientSecret, or callbackUrl")
			}
		}
	}

	for id, p := range procs.Processes {
		label := fmt.Sprintf("processes[%s]", id)
		if p.Command == "" {
			errs = append(errs, label+": command is required")
		}
		if p.Restart.MaxRestarts < 0 {
			errs = append(errs, label+": restart.maxRestarts must be >= 0")
		}
		if p.Schedule.Enabled && p.Schedule.Cron == "" {
			errs = append(errs, label+": schedule.enabled requires schedule.cron")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrConfigValidation, strings.Join(errs, "; "))
	}
	return nil
}
