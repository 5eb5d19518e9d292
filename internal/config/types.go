// Package config loads, validates, and serves the gateway's three
// layered YAML configuration files (main, proxy, processes) as immutable
// snapshots. Precedence is env overrides > file values > defaults, with
// ${VAR} substitution applied before validation.
package config

// Route is one entry in proxy.yaml's routes list. Type selects how the
// route is dispatched, and Target is read according to Type; no other
// field is derived from Target.
type Route struct {
	Domain    string            `yaml:"domain"`
	Path      string            `yaml:"path,omitempty"`
	Type      string            `yaml:"type,omitempty"` // proxy | static | redirect | forward
	Target    string            `yaml:"target,omitempty"`
	Rewrite   RewriteRules      `yaml:"rewrite,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	SSL       bool              `yaml:"ssl,omitempty"`
	CSP       []string          `yaml:"csp,omitempty"`
	CORS      *CORSConfig       `yaml:"cors,omitempty"`
	Geo       *GeoFilter        `yaml:"geolocationFilter,omitempty"`
	OAuth2    *OAuth2Config     `yaml:"oauth2,omitempty"`
	RequireAuth bool            `yaml:"requireAuth,omitempty"`
	PublicPaths []string        `yaml:"publicPaths,omitempty"`

	RateLimitWindowMs  int `yaml:"rateLimitWindowMs,omitempty"`
	RateLimitMaxReqs   int `yaml:"rateLimitMaxRequests,omitempty"`

	// StaticPath and SPAFallback apply to Type == "static".
	StaticPath  string `yaml:"staticPath,omitempty"`
	SPAFallback bool   `yaml:"spaFallback,omitempty"`

	// RedirectStatus applies to Type == "redirect"; defaults to 301.
	RedirectStatus int `yaml:"redirectStatus,omitempty"`

	// Name identifies the route for statistics and process-by-convention
	// lookups (process supervisor routes are matched to processes by this
	// name, per the glossary's "by convention of name" rule).
	Name string `yaml:"name,omitempty"`

	// Forward configures Type == "forward" routes.
	Forward *ForwardConfig `yaml:"forward,omitempty"`
}

// ForwardConfig constrains a dynamic forward-proxy route.
type ForwardConfig struct {
	AllowedDomains    []string `yaml:"allowedDomains"`
	QueryParam        string   `yaml:"queryParam,omitempty"` // default "url"
	AllowInsecureHTTP bool     `yaml:"allowInsecureHttp,omitempty"`
}

// CORSConfig may be declared as `cors: true` (defaults) or as an object in
// YAML; the custom UnmarshalYAML handles both forms.
type CORSConfig struct {
	Enabled          bool     `yaml:"-"`
	AllowedOrigins   []string `yaml:"allowedOrigins,omitempty"`
	AllowedMethods   []string `yaml:"allowedMethods,omitempty"`
	AllowedHeaders   []string `yaml:"allowedHeaders,omitempty"`
	AllowCredentials bool     `yaml:"allowCredentials,omitempty"`
	MaxAge           int      `yaml:"maxAge,omitempty"`

	// PreflightStatus is the status an allowed OPTIONS preflight answers
	// with; 0 means 204.
	PreflightStatus int `yaml:"preflightStatus,omitempty"`
}

// GeoFilter declares a country/region/city allow or block list. Mode is
// "allow" or "block"; Unknown controls the branch taken when the client's
// country cannot be resolved (default: allow).
type GeoFilter struct {
	Mode       string   `yaml:"mode"`
	Countries  []string `yaml:"countries,omitempty"`
	Regions    []string `yaml:"regions,omitempty"`
	Cities     []string `yaml:"cities,omitempty"`
	Unknown    string   `yaml:"unknown,omitempty"` // "allow" | "block"
	BlockStatus int     `yaml:"blockStatus,omitempty"`
	BlockBody   string  `yaml:"blockMessage,omitempty"`
	RedirectTo  string  `yaml:"redirectTo,omitempty"`
}

// OAuth2Config configures the per-route OAuth2 collaborator.
type OAuth2Config struct {
	Provider     string `yaml:"provider,omitempty"`
	ClientID     string `yaml:"clientId,omitempty"`
	ClientSecret string `yaml:"clientSecret,omitempty"`
	CallbackURL  string `yaml:"callbackUrl,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// MainConfig is main.yaml.
type MainConfig struct {
	Management  ManagementConfig  `yaml:"management"`
	ConfigPaths ConfigPathsConfig `yaml:"config"`
	Settings    SettingsConfig    `yaml:"settings"`
	Development DevelopmentConfig `yaml:"development"`
}

type ManagementConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Host           string      `yaml:"host,omitempty"`
	AdminPassword  string      `yaml:"adminPassword,omitempty"`
	SessionTimeout Duration    `yaml:"sessionTimeout,omitempty"`
	CORS           *CORSConfig `yaml:"cors,omitempty"`
}

type ConfigPathsConfig struct {
	Proxy     string `yaml:"proxy,omitempty"`
	Processes string `yaml:"processes,omitempty"`
}

type SettingsConfig struct {
	DataDir          string          `yaml:"dataDir,omitempty"`
	LogsDir          string          `yaml:"logsDir,omitempty"`
	CertificatesDir  string          `yaml:"certificatesDir,omitempty"`
	TempDir          string          `yaml:"tempDir,omitempty"`
	StatsDir         string          `yaml:"statsDir,omitempty"`
	CacheDir         string          `yaml:"cacheDir,omitempty"`
	BackupDir        string          `yaml:"backupDir,omitempty"`
	Statistics       StatisticsConfig `yaml:"statistics,omitempty"`
	Cache            CacheConfig      `yaml:"cache,omitempty"`
}

type StatisticsConfig struct {
	Enabled        bool `yaml:"enabled,omitempty"`
	BackupInterval int  `yaml:"backupInterval,omitempty"`
	RetentionDays  int  `yaml:"retentionDays,omitempty"`
}

type CacheConfig struct {
	Enabled         bool `yaml:"enabled,omitempty"`
	MaxAge          int  `yaml:"maxAge,omitempty"`
	MaxSize         int  `yaml:"maxSize,omitempty"`
	CleanupInterval int  `yaml:"cleanupInterval,omitempty"`
}

type DevelopmentConfig struct {
	Debug     bool `yaml:"debug,omitempty"`
	Verbose   bool `yaml:"verbose,omitempty"`
	HotReload bool `yaml:"hotReload,omitempty"`
}

// ProxyConfig is proxy.yaml.
type ProxyConfig struct {
	Port             int             `yaml:"port,omitempty"`
	HTTPSPort        int             `yaml:"httpsPort,omitempty"`
	Routes           []Route         `yaml:"routes,omitempty"`
	LetsEncrypt      LetsEncryptConfig `yaml:"letsEncrypt,omitempty"`
	Logging          LoggingConfig   `yaml:"logging,omitempty"`
	Security         SecurityConfig  `yaml:"security,omitempty"`

	// ProcessConfigFile is the legacy single-file layout pointer, resolved
	// relative to this file's own directory.
	ProcessConfigFile string `yaml:"processConfigFile,omitempty"`
}

type LetsEncryptConfig struct {
	Email   string `yaml:"email,omitempty"`
	Staging bool   `yaml:"staging,omitempty"`
	CertDir string `yaml:"certDir,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

type SecurityConfig struct {
	RateLimitWindowMs     int         `yaml:"rateLimitWindowMs,omitempty"`
	RateLimitMaxRequests  int         `yaml:"rateLimitMaxRequests,omitempty"`
	CSP                   []string    `yaml:"csp,omitempty"`
	RouteCSP              []string    `yaml:"routeCSP,omitempty"`
	GeolocationFilter     *GeoFilter  `yaml:"geolocationFilter,omitempty"`
}

// ProcessesConfig is processes.yaml.
type ProcessesConfig struct {
	Processes map[string]ProcessConfig `yaml:"processes,omitempty"`
	Settings  ProcessesSettingsConfig  `yaml:"settings,omitempty"`
}

type ProcessesSettingsConfig struct {
	DefaultHealthCheck HealthCheckConfig `yaml:"defaultHealthCheck,omitempty"`
	DefaultRestart     RestartConfig     `yaml:"defaultRestart,omitempty"`
	PIDManagement      string            `yaml:"pidManagement,omitempty"` // "", "strict"
	Logging            LoggingConfig     `yaml:"logging,omitempty"`
}

// ProcessConfig is one entry of processes.yaml's `processes` map; the map
// key is the process's stable id.
type ProcessConfig struct {
	Name        string            `yaml:"name,omitempty"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Cwd         string            `yaml:"cwd,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Target      string            `yaml:"target,omitempty"` // base URL for health checks

	Restart     RestartConfig     `yaml:"restart,omitempty"`
	PIDFile     string            `yaml:"pidFile,omitempty"`
	LogFile     string            `yaml:"logFile,omitempty"`
	HealthCheck HealthCheckConfig `yaml:"healthCheck,omitempty"`
	Schedule    ScheduleConfig    `yaml:"schedule,omitempty"`
}

type RestartConfig struct {
	OnExit      bool `yaml:"onExit,omitempty"`
	DelayMs     int  `yaml:"delayMs,omitempty"`
	MaxRestarts int  `yaml:"maxRestarts,omitempty"`
}

type HealthCheckConfig struct {
	Enabled            bool `yaml:"enabled,omitempty"`
	URL                string `yaml:"url,omitempty"`
	Path               string `yaml:"path,omitempty"`
	IntervalMs         int    `yaml:"intervalMs,omitempty"`
	TimeoutMs          int    `yaml:"timeoutMs,omitempty"`
	Retries            int    `yaml:"retries,omitempty"`
}

type ScheduleConfig struct {
	Enabled       bool   `yaml:"enabled,omitempty"`
	Cron          string `yaml:"cron,omitempty"`
	Timezone      string `yaml:"timezone,omitempty"`
	MaxDurationMs int    `yaml:"maxDurationMs,omitempty"`
	AutoStop      bool   `yaml:"autoStop,omitempty"`
	SkipIfRunning bool   `yaml:"skipIfRunning,omitempty"`
}
