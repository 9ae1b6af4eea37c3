package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"
)

const (
	StrategyMinRTT           = "min_rtt"
	StrategyLeastPacketLoss  = "least_packet_loss"
	StrategyFastestHandshake = "fastest_handshake"

	LockModePerHost = "per_host"
	LockModeGlobal  = "global"

	ProbeTCP  = "tcp"
	ProbeICMP = "icmp"
)

var validate = validator.New()

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes durations in their human-readable form ("30s").
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

type Config struct {
	DoH         DoHConfig         `yaml:"doh"`
	Cache       CacheConfig       `yaml:"cache"`
	IPSelection IPSelectionConfig `yaml:"ip_selection"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Certs       CertsConfig       `yaml:"certs"`
	Control     ControlConfig     `yaml:"control"`
	AccessLog   AccessLogConfig   `yaml:"access_log"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DoHConfig is the DoH server set plus wire-client tuning.
type DoHConfig struct {
	Primary           string   `yaml:"primary" validate:"required"`
	Fallbacks         []string `yaml:"fallbacks" validate:"dive,required"`
	Timeout           Duration `yaml:"timeout"`
	MaxRetries        int      `yaml:"max_retries" validate:"min=1"`
	RetryBaseDelay    Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     Duration `yaml:"retry_max_delay"`
	MaxCnameRecursion *int     `yaml:"max_cname_recursion" validate:"omitempty,min=0,max=16"`
	// MaxQPS caps outbound DoH requests per second across all servers. 0 disables the limit.
	MaxQPS float64 `yaml:"max_qps" validate:"min=0"`
}

// Servers returns the primary followed by fallbacks, in consultation order.
func (c DoHConfig) Servers() []string {
	out := make([]string, 0, 1+len(c.Fallbacks))
	out = append(out, c.Primary)
	return append(out, c.Fallbacks...)
}

type CacheConfig struct {
	MaxSize         int         `yaml:"max_size" validate:"min=1"`
	CleanupInterval Duration    `yaml:"cleanup_interval"`
	PersistPath     string      `yaml:"persist_path"`
	Debounce        Duration    `yaml:"debounce"`
	Redis           RedisConfig `yaml:"redis"`
}

// RedisConfig enables sharing the cache snapshot through redis instead of a local file.
type RedisConfig struct {
	Address  string `yaml:"address"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Key      string `yaml:"key"`
}

type IPSelectionConfig struct {
	Strategy        string      `yaml:"strategy" validate:"oneof=min_rtt least_packet_loss fastest_handshake"`
	MaxResponseTime Duration    `yaml:"max_response_time"`
	CacheDuration   Duration    `yaml:"cache_duration"`
	Probe           ProbeConfig `yaml:"probe"`
}

type ProbeConfig struct {
	Method string `yaml:"method" validate:"oneof=tcp icmp"`
	// Port is used by the tcp method.
	Port int `yaml:"port" validate:"min=1,max=65535"`
	// Privileged selects raw ICMP sockets instead of unprivileged datagram pings.
	Privileged bool `yaml:"privileged"`
}

type ResolverConfig struct {
	LockMode string `yaml:"lock_mode" validate:"oneof=per_host global"`
}

type ProxyConfig struct {
	ListenAddress string            `yaml:"listen_address" validate:"ip"`
	ListenPort    int               `yaml:"listen_port" validate:"min=1,max=65535"`
	TargetDomains []string          `yaml:"target_domains" validate:"min=1"`
	CustomSNIs    map[string]string `yaml:"custom_snis"`
	Warmup        WarmupConfig      `yaml:"warmup"`
	Outbound      OutboundConfig    `yaml:"outbound"`
}

type WarmupConfig struct {
	Enabled *bool    `yaml:"enabled"`
	Delay   Duration `yaml:"delay"`
}

type OutboundConfig struct {
	// SkipVerify disables certificate validation on the backend hop. Backend
	// authenticity then rests on the DoH-resolved address.
	SkipVerify      *bool `yaml:"skip_verify"`
	MaxConnsPerHost int   `yaml:"max_conns_per_host" validate:"min=0"`
}

type CertsConfig struct {
	Directory      string `yaml:"directory"`
	RootCommonName string `yaml:"root_common_name"`
}

type ControlConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
	// TokenHash is a bcrypt hash of the token; takes precedence over Token.
	TokenHash string `yaml:"token_hash"`
}

type AccessLogConfig struct {
	Enabled        *bool  `yaml:"enabled"`
	Directory      string `yaml:"directory"`
	FilenamePrefix string `yaml:"filename_prefix"`
	// Format: "text" (default) or "json".
	Format string `yaml:"format"`
	// AnonymizeClientIP masks client addresses: "none", "hash" or "truncate".
	AnonymizeClientIP string `yaml:"anonymize_client_ip" validate:"oneof=none hash truncate"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// IsTarget reports whether host (without port) is on the allow-list.
func (c ProxyConfig) IsTarget(host string) bool {
	host = NormalizeHost(host)
	for _, d := range c.TargetDomains {
		if d == host {
			return true
		}
	}
	return false
}

func Load(overridePath string) (Config, error) {
	defaultPath := os.Getenv("DEFAULT_CONFIG_PATH")
	if strings.TrimSpace(defaultPath) == "" {
		defaultPath = "config/default.yaml"
	}
	return LoadWithFiles(defaultPath, overridePath)
}

func LoadWithFiles(defaultPath, overridePath string) (Config, error) {
	baseData, err := os.ReadFile(defaultPath)
	if err != nil {
		return Config{}, err
	}
	base, err := parseYAMLMap(baseData)
	if err != nil {
		return Config{}, fmt.Errorf("parse default config: %w", err)
	}
	overridePath = strings.TrimSpace(overridePath)
	if overridePath != "" {
		overrideData, err := os.ReadFile(overridePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		} else {
			override, err := parseYAMLMap(overrideData)
			if err != nil {
				return Config{}, fmt.Errorf("parse override config: %w", err)
			}
			base = mergeMaps(base, override)
		}
	}

	merged, err := yaml.Marshal(base)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse merged config: %w", err)
	}
	applyDefaults(&cfg)
	normalize(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DoH.Primary == "" {
		cfg.DoH.Primary = "https://1.1.1.1/dns-query"
	}
	if cfg.DoH.Fallbacks == nil {
		cfg.DoH.Fallbacks = []string{"https://8.8.8.8/dns-query", "https://9.9.9.9/dns-query"}
	}
	if cfg.DoH.Timeout.Duration == 0 {
		cfg.DoH.Timeout.Duration = 5 * time.Second
	}
	if cfg.DoH.MaxRetries == 0 {
		cfg.DoH.MaxRetries = 3
	}
	if cfg.DoH.RetryBaseDelay.Duration == 0 {
		cfg.DoH.RetryBaseDelay.Duration = 200 * time.Millisecond
	}
	if cfg.DoH.RetryMaxDelay.Duration == 0 {
		cfg.DoH.RetryMaxDelay.Duration = 2 * time.Second
	}
	// 0 disables CNAME chasing, so only an absent key takes the default.
	if cfg.DoH.MaxCnameRecursion == nil {
		cfg.DoH.MaxCnameRecursion = intPtr(5)
	}
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = 1000
	}
	if cfg.Cache.CleanupInterval.Duration == 0 {
		cfg.Cache.CleanupInterval.Duration = 10 * time.Minute
	}
	if cfg.Cache.PersistPath == "" {
		cfg.Cache.PersistPath = "dns_cache.json"
	}
	if cfg.Cache.Debounce.Duration == 0 {
		cfg.Cache.Debounce.Duration = 50 * time.Millisecond
	}
	if cfg.Cache.Redis.Key == "" {
		cfg.Cache.Redis.Key = "doh-sni-proxy:cache"
	}
	if cfg.IPSelection.Strategy == "" {
		cfg.IPSelection.Strategy = StrategyMinRTT
	}
	if cfg.IPSelection.MaxResponseTime.Duration == 0 {
		cfg.IPSelection.MaxResponseTime.Duration = time.Second
	}
	if cfg.IPSelection.CacheDuration.Duration == 0 {
		cfg.IPSelection.CacheDuration.Duration = 30 * time.Minute
	}
	if cfg.IPSelection.Probe.Method == "" {
		cfg.IPSelection.Probe.Method = ProbeTCP
	}
	if cfg.IPSelection.Probe.Port == 0 {
		cfg.IPSelection.Probe.Port = 443
	}
	if cfg.Resolver.LockMode == "" {
		cfg.Resolver.LockMode = LockModeGlobal
	}
	if cfg.Proxy.ListenAddress == "" {
		cfg.Proxy.ListenAddress = "127.0.0.1"
	}
	if cfg.Proxy.ListenPort == 0 {
		cfg.Proxy.ListenPort = 443
	}
	if cfg.Proxy.CustomSNIs == nil {
		cfg.Proxy.CustomSNIs = make(map[string]string)
	}
	if cfg.Proxy.Warmup.Enabled == nil {
		cfg.Proxy.Warmup.Enabled = boolPtr(false)
	}
	if cfg.Proxy.Warmup.Delay.Duration == 0 {
		cfg.Proxy.Warmup.Delay.Duration = 100 * time.Millisecond
	}
	if cfg.Proxy.Outbound.SkipVerify == nil {
		cfg.Proxy.Outbound.SkipVerify = boolPtr(true)
	}
	if cfg.Proxy.Outbound.MaxConnsPerHost == 0 {
		cfg.Proxy.Outbound.MaxConnsPerHost = 100
	}
	if cfg.Certs.Directory == "" {
		cfg.Certs.Directory = "certs"
	}
	if cfg.Certs.RootCommonName == "" {
		cfg.Certs.RootCommonName = "doh-sni-proxy Root"
	}
	if cfg.Control.Enabled == nil {
		cfg.Control.Enabled = boolPtr(false)
	}
	if cfg.Control.Listen == "" {
		cfg.Control.Listen = "127.0.0.1:8081"
	}
	if cfg.AccessLog.Enabled == nil {
		cfg.AccessLog.Enabled = boolPtr(false)
	}
	if cfg.AccessLog.Directory == "" {
		cfg.AccessLog.Directory = "logs"
	}
	if cfg.AccessLog.FilenamePrefix == "" {
		cfg.AccessLog.FilenamePrefix = "proxy-access"
	}
	if cfg.AccessLog.Format == "" {
		cfg.AccessLog.Format = "text"
	}
	if cfg.AccessLog.AnonymizeClientIP == "" {
		cfg.AccessLog.AnonymizeClientIP = "none"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func normalize(cfg *Config) {
	cfg.DoH.Primary = strings.TrimSpace(cfg.DoH.Primary)
	for i := range cfg.DoH.Fallbacks {
		cfg.DoH.Fallbacks[i] = strings.TrimSpace(cfg.DoH.Fallbacks[i])
	}
	cfg.Cache.PersistPath = strings.TrimSpace(cfg.Cache.PersistPath)
	cfg.Cache.Redis.Address = strings.TrimSpace(cfg.Cache.Redis.Address)
	cfg.IPSelection.Strategy = strings.ToLower(strings.TrimSpace(cfg.IPSelection.Strategy))
	cfg.IPSelection.Probe.Method = strings.ToLower(strings.TrimSpace(cfg.IPSelection.Probe.Method))
	cfg.Resolver.LockMode = strings.ToLower(strings.TrimSpace(cfg.Resolver.LockMode))
	cfg.Proxy.ListenAddress = strings.TrimSpace(cfg.Proxy.ListenAddress)

	domains := make([]string, 0, len(cfg.Proxy.TargetDomains))
	seen := make(map[string]bool, len(cfg.Proxy.TargetDomains))
	for _, d := range cfg.Proxy.TargetDomains {
		d = NormalizeHost(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	cfg.Proxy.TargetDomains = domains

	snis := make(map[string]string, len(cfg.Proxy.CustomSNIs))
	for host, sni := range cfg.Proxy.CustomSNIs {
		snis[NormalizeHost(host)] = strings.TrimSpace(sni)
	}
	cfg.Proxy.CustomSNIs = snis

	cfg.Certs.Directory = strings.TrimSpace(cfg.Certs.Directory)
	cfg.Control.Listen = strings.TrimSpace(cfg.Control.Listen)
	cfg.Control.Token = strings.TrimSpace(cfg.Control.Token)
	cfg.Control.TokenHash = strings.TrimSpace(cfg.Control.TokenHash)
	cfg.AccessLog.Directory = strings.TrimSpace(cfg.AccessLog.Directory)
	cfg.AccessLog.FilenamePrefix = strings.TrimSpace(cfg.AccessLog.FilenamePrefix)
	cfg.AccessLog.Format = strings.ToLower(strings.TrimSpace(cfg.AccessLog.Format))
	cfg.AccessLog.AnonymizeClientIP = strings.ToLower(strings.TrimSpace(cfg.AccessLog.AnonymizeClientIP))
	if cfg.AccessLog.Format != "json" && cfg.AccessLog.Format != "text" {
		cfg.AccessLog.Format = "text"
	}
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
}

// NormalizeHost lowercases host, strips a trailing dot and any port.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, server := range cfg.DoH.Servers() {
		if err := validateServerURL(server); err != nil {
			return err
		}
	}
	if cfg.DoH.Timeout.Duration <= 0 {
		return fmt.Errorf("doh.timeout must be greater than zero")
	}
	if cfg.DoH.RetryBaseDelay.Duration < 0 || cfg.DoH.RetryMaxDelay.Duration < cfg.DoH.RetryBaseDelay.Duration {
		return fmt.Errorf("doh.retry_max_delay must be >= doh.retry_base_delay")
	}
	if cfg.Cache.CleanupInterval.Duration <= 0 {
		return fmt.Errorf("cache.cleanup_interval must be greater than zero")
	}
	if cfg.Cache.Redis.Address == "" && cfg.Cache.PersistPath == "" {
		return fmt.Errorf("cache.persist_path must not be empty when redis is not configured")
	}
	if cfg.IPSelection.MaxResponseTime.Duration <= 0 {
		return fmt.Errorf("ip_selection.max_response_time must be greater than zero")
	}
	if cfg.IPSelection.CacheDuration.Duration <= 0 {
		return fmt.Errorf("ip_selection.cache_duration must be greater than zero")
	}
	for _, d := range cfg.Proxy.TargetDomains {
		if _, ok := dns.IsDomainName(d); !ok {
			return fmt.Errorf("proxy.target_domains: invalid hostname %q", d)
		}
	}
	if len(cfg.Proxy.TargetDomains) == 0 {
		return fmt.Errorf("proxy.target_domains must not be empty")
	}
	for host, sni := range cfg.Proxy.CustomSNIs {
		if !cfg.Proxy.IsTarget(host) {
			return fmt.Errorf("proxy.custom_snis: %q is not a target domain", host)
		}
		if sni == "" {
			return fmt.Errorf("proxy.custom_snis[%q] must not be empty", host)
		}
	}
	if *cfg.Control.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Control.Listen); err != nil {
			return fmt.Errorf("invalid control.listen %q: %w", cfg.Control.Listen, err)
		}
	}
	if *cfg.AccessLog.Enabled {
		if cfg.AccessLog.Directory == "" {
			return fmt.Errorf("access_log.directory must not be empty when access logging is enabled")
		}
		if cfg.AccessLog.FilenamePrefix == "" {
			return fmt.Errorf("access_log.filename_prefix must not be empty when access logging is enabled")
		}
	}
	return nil
}

// validateServerURL allows https://host/path (DoH) or quic://host:port (DoQ).
func validateServerURL(server string) error {
	switch {
	case strings.HasPrefix(server, "https://"):
		u, err := url.Parse(server)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid DoH server %q", server)
		}
	case strings.HasPrefix(server, "quic://"):
		if _, _, err := net.SplitHostPort(strings.TrimPrefix(server, "quic://")); err != nil {
			return fmt.Errorf("invalid DoQ server %q: %w", server, err)
		}
	default:
		return fmt.Errorf("DoH server %q must use https:// or quic://", server)
	}
	return nil
}

func boolPtr(value bool) *bool {
	return &value
}

func intPtr(value int) *int {
	return &value
}

func parseYAMLMap(data []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	normalized, ok := normalizeMap(raw).(map[string]interface{})
	if !ok {
		return map[string]interface{}{}, nil
	}
	return normalized, nil
}

func normalizeMap(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, val := range typed {
			out[key] = normalizeMap(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, val := range typed {
			keyStr, ok := key.(string)
			if !ok {
				continue
			}
			out[keyStr] = normalizeMap(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, val := range typed {
			out = append(out, normalizeMap(val))
		}
		return out
	default:
		return typed
	}
}

func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = map[string]interface{}{}
	}
	for key, overrideVal := range override {
		if baseVal, ok := base[key]; ok {
			baseMap, baseOK := baseVal.(map[string]interface{})
			overrideMap, overrideOK := overrideVal.(map[string]interface{})
			if baseOK && overrideOK {
				base[key] = mergeMaps(baseMap, overrideMap)
				continue
			}
		}
		base[key] = overrideVal
	}
	return base
}
