package config

const (
	defaultHTTPPort    = 80
	defaultHTTPSPort   = 443
	defaultRateWindowMs = 900_000
	defaultRateMaxReqs  = 100
)

// applyMainDefaults fills in the schema defaults for main.yaml.
func applyMainDefaults(m *MainConfig, proxyPort int) {
	if m.Management.Port == 0 {
		m.Management.Port = proxyPort + 1000
	}
	if m.Management.Host == "" {
		m.Management.Host = "0.0.0.0"
	}
}

// applyProxyDefaults fills in the schema defaults for proxy.yaml: ports,
// the security-level rate limit window/max, and per-route defaults (type,
// name, redirect status, geolocation unknown branch).
func applyProxyDefaults(p *ProxyConfig) {
	if p.Port == 0 {
		p.Port = defaultHTTPPort
	}
	if p.HTTPSPort == 0 {
		p.HTTPSPort = defaultHTTPSPort
	}
	if p.Security.RateLimitWindowMs == 0 {
		p.Security.RateLimitWindowMs = defaultRateWindowMs
	}
	if p.Security.RateLimitMaxRequests == 0 {
		p.Security.RateLimitMaxRequests = defaultRateMaxReqs
	}
	for i := range p.Routes {
		applyRouteDefaults(&p.Routes[i])
	}
}

func applyRouteDefaults(r *Route) {
	if r.Type == "" {
		r.Type = "proxy"
	}
	if r.Name == "" {
		r.Name = r.Domain + r.Path
	}
	if r.Type == "redirect" && r.RedirectStatus == 0 {
		r.RedirectStatus = 301
	}
	if r.Geo != nil && r.Geo.Unknown == "" {
		r.Geo.Unknown = "allow"
	}
}

// applyProcessDefaults fills in defaults for processes.yaml, projecting the
// settings-level defaultHealthCheck/defaultRestart onto any process that
// doesn't declare its own.
func applyProcessDefaults(pc *ProcessesConfig) {
	for id, proc := range pc.Processes {
		if proc.Name == "" {
			proc.Name = id
		}
		if proc.Restart.DelayMs == 0 && pc.Settings.DefaultRestart.DelayMs != 0 {
			proc.Restart.DelayMs = pc.Settings.DefaultRestart.DelayMs
		}
		if proc.Restart.MaxRestarts == 0 && pc.Settings.DefaultRestart.MaxRestarts != 0 {
			proc.Restart.MaxRestarts = pc.Settings.DefaultRestart.MaxRestarts
		}
		if !proc.HealthCheck.Enabled && pc.Settings.DefaultHealthCheck.Enabled {
			proc.HealthCheck = pc.Settings.DefaultHealthCheck
		}
		if proc.HealthCheck.Enabled {
			if proc.HealthCheck.IntervalMs == 0 {
				proc.HealthCheck.IntervalMs = 30_000
			}
			if proc.HealthCheck.TimeoutMs == 0 {
				proc.HealthCheck.TimeoutMs = 5_000
			}
			if proc.HealthCheck.Retries == 0 {
				proc.HealthCheck.Retries = 3
			}
		}
		pc.Processes[id] = proc
	}
}
