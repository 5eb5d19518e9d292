package config

import (
	"os"
	"strconv"
)

// applyEnvOverrides applies the documented environment overrides to a
// loaded proxy config. An override wins over whatever the YAML said, but
// only when the variable is actually set; an empty-but-set variable still
// counts as set for the string-valued overrides.
func applyEnvOverrides(p *ProxyConfig) {
	if v, ok := envInt("PORT"); ok {
		p.Port = v
	}
	if v, ok := envInt("HTTPS_PORT"); ok {
		p.HTTPSPort = v
	}
	if v, ok := os.LookupEnv("LETSENCRYPT_EMAIL"); ok {
		p.LetsEncrypt.Email = v
	}
	if v, ok := os.LookupEnv("LETSENCRYPT_STAGING"); ok {
		p.LetsEncrypt.Staging = v == "true"
	}
	if v, ok := os.LookupEnv("CERT_DIR"); ok {
		p.LetsEncrypt.CertDir = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		p.Logging.Level = v
	}
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		p.Logging.File = v
	}
	if v, ok := envInt("RATE_LIMIT_WINDOW_MS"); ok {
		p.Security.RateLimitWindowMs = v
	}
	if v, ok := envInt("RATE_LIMIT_MAX_REQUESTS"); ok {
		p.Security.RateLimitMaxRequests = v
	}
}

func envInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
