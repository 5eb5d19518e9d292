// Package guardrails scans loaded configuration for credentials that
// appear to be committed inline in the YAML files instead of referenced
// through ${VAR} substitution.
//
// The scan flags values matching known key formats, values with high
// Shannon entropy, and length anomalies. A warning never blocks startup;
// it tells the operator a secret is sitting in a file that is probably
// under version control.
package guardrails

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/ruachtech/gatewayd/internal/config"
)

// Warning is one guardrail detection.
type Warning struct {
	Location      string // e.g. "routes[2].oauth2.clientSecret"
	DetectionType string // "known_format", "high_entropy", "length_anomaly"
	Message       string
}

// Result collects the warnings from one scan.
type Result struct {
	Warnings []Warning
}

// HasWarnings returns true if any warnings were detected.
func (r *Result) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// Detection thresholds. Random tokens land near log2 of their alphabet
// size (5 bits/rune for base32, 6 for base64); prose, hostnames, and
// identifiers sit well below 4.
const (
	entropyThreshold = 4.5
	minEntropyLen    = 16
	longOpaqueLen    = 64
)

// secretFormats maps well-known credential prefixes to the service that
// issues them.
var secretFormats = map[string]string{
	"AKIA":            "AWS access key",
	"ASIA":            "AWS temporary access key",
	"eyJ":             "JWT",
	"ghp_":            "GitHub personal access token",
	"gho_":            "GitHub OAuth token",
	"github_pat_":     "GitHub fine-grained PAT",
	"sk_live_":        "Stripe secret key",
	"sk-":             "OpenAI API key",
	"xoxb-":           "Slack bot token",
	"xoxp-":           "Slack user token",
	"SG.":             "SendGrid API key",
	"-----BEGIN":      "private key / certificate",
	"AGE-SECRET-KEY-": "age encryption key",
}

// Scan inspects the credential-bearing fields of a loaded snapshot:
// per-route OAuth2 client credentials, injected header values, and the
// management admin password. The server runs it on the loaded snapshot at
// startup and after each reload, so the values are already substituted: a
// secret supplied through ${VAR} is indistinguishable from an inline
// literal and is flagged the same way. Only placeholders left unresolved
// are skipped.
func Scan(main *config.MainConfig, proxy *config.ProxyConfig, logger *slog.Logger) *Result {
	result := &Result{}
	if logger == nil {
		logger = slog.Default()
	}

	check := func(location, value string) {
		if value == "" || strings.Contains(value, "${") {
			// Unresolved placeholders are validation's problem, not a leak.
			return
		}
		if w, ok := inspect(location, value); ok {
			result.Warnings = append(result.Warnings, w)
			logger.Warn("gatewayd.guardrails.inline_secret",
				"location", w.Location,
				"detection_type", w.DetectionType,
				"detail", w.Message,
			)
		}
	}

	for i, r := range proxy.Routes {
		if r.OAuth2 != nil {
			check(fmt.Sprintf("routes[%d].oauth2.clientId", i), r.OAuth2.ClientID)
			check(fmt.Sprintf("routes[%d].oauth2.clientSecret", i), r.OAuth2.ClientSecret)
		}
		for name, value := range r.Headers {
			if strings.EqualFold(name, "Authorization") || strings.Contains(strings.ToLower(name), "token") ||
				strings.Contains(strings.ToLower(name), "key") {
				check(fmt.Sprintf("routes[%d].headers[%s]", i, name), value)
			}
		}
	}

	if main != nil {
		check("management.adminPassword", main.Management.AdminPassword)
	}

	return result
}

// inspect applies the three detections to a single value. One warning per
// value; known-format matches take precedence since they name the service.
func inspect(location, value string) (Warning, bool) {
	if prefix, service, ok := matchKnownFormat(value); ok {
		return Warning{
			Location:      location,
			DetectionType: "known_format",
			Message:       fmt.Sprintf("value matches known %s format (prefix: %s)", service, prefix),
		}, true
	}

	if bits := entropyPerRune(value); bits > entropyThreshold && len(value) > minEntropyLen {
		return Warning{
			Location:      location,
			DetectionType: "high_entropy",
			Message:       fmt.Sprintf("value has high entropy (%.2f bits/char) — likely a secret committed inline", bits),
		}, true
	}

	if len(value) > longOpaqueLen && !strings.Contains(value, " ") && !strings.HasPrefix(value, "http") {
		return Warning{
			Location:      location,
			DetectionType: "length_anomaly",
			Message:       fmt.Sprintf("value is %d chars with no spaces and no URL prefix — may be an encoded secret", len(value)),
		}, true
	}

	return Warning{}, false
}

func matchKnownFormat(value string) (prefix, service string, ok bool) {
	for p, svc := range secretFormats {
		if strings.HasPrefix(value, p) {
			return p, svc, true
		}
	}
	return "", "", false
}

// entropyPerRune returns the Shannon entropy of s in bits per rune.
func entropyPerRune(s string) float64 {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0
	}

	counts := make(map[rune]int, len(runes))
	for _, r := range runes {
		counts[r]++
	}

	total := float64(len(runes))
	var bits float64
	for _, n := range counts {
		frac := float64(n) / total
		bits -= frac * math.Log2(frac)
	}
	return bits
}
