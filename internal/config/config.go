// Package config loads av_gate.ini: the fixed [config] section describing
// process-wide policy, and one section per client upstream profile.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// GlobalPolicy holds the process-wide immutable values derived from the
// [config] section. Constructed once at startup.
type GlobalPolicy struct {
	LogLevel   string `mapstructure:"log_level"`
	ContentMax int    `mapstructure:"content_max"`

	RemoveMalicious bool `mapstructure:"remove_malicious"`
	AllPNGMalicious bool `mapstructure:"all_png_malicious"`
	AllPDFMalicious bool `mapstructure:"all_pdf_malicious"`

	ClamdSocket string `mapstructure:"clamd_socket"`

	ICAPHost    string `mapstructure:"icap_host"`
	ICAPPort    int    `mapstructure:"icap_port"`
	ICAPService string `mapstructure:"icap_service"`
	ICAPTLS     bool   `mapstructure:"icap_tls"`

	ListenAddr     string `mapstructure:"listen_addr"`
	ReplacementDir string `mapstructure:"replacement_dir"`
}

// UsesClamAV reports whether the ClamAV backend was selected.
func (p *GlobalPolicy) UsesClamAV() bool {
	return p.ClamdSocket != ""
}

// UsesICAP reports whether the ICAP backend was selected.
func (p *GlobalPolicy) UsesICAP() bool {
	return p.ICAPHost != ""
}

// UpstreamProfile is a single client-profile section: "<ip>:<port>" or
// "*:<port>". Immutable after startup.
type UpstreamProfile struct {
	Key string // section name, e.g. "10.0.0.1:443" or "*:443"

	Konnektor        string
	SSLCert          string
	SSLKey           string
	SSLVerify        bool
	ProxyAllServices bool
}

// Config is the fully parsed av_gate.ini document.
type Config struct {
	Policy   GlobalPolicy
	Profiles []UpstreamProfile
}

// reservedSections are not client profiles.
var reservedSections = map[string]bool{
	ini.DefaultSection: true,
	"config":           true,
}

// Load reads and validates av_gate.ini at path.
//
// The [config] section is decoded with viper (fixed schema, defaults,
// mapstructure tags). Client profile sections have names the process
// cannot know in advance, so they are enumerated directly with
// gopkg.in/ini.v1, which viper's own ini backend vendors transitively.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetDefault("log_level", "ERROR")
	v.SetDefault("content_max", 800)
	v.SetDefault("remove_malicious", false)
	v.SetDefault("all_png_malicious", false)
	v.SetDefault("all_pdf_malicious", false)
	v.SetDefault("icap_port", 1344)
	v.SetDefault("icap_service", "avscan")
	v.SetDefault("icap_tls", false)
	v.SetDefault("listen_addr", ":8443")
	v.SetDefault("replacement_dir", "/etc/avgate/replacements")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The defaults above are top-level keys, while the file's values live
	// under "config." and v.Sub does not carry defaults along. Decode the
	// defaults first, then overlay the [config] section on top of them.
	var policy GlobalPolicy
	if err := v.Unmarshal(&policy); err != nil {
		return nil, fmt.Errorf("failed to apply [config] defaults: %w", err)
	}
	if err := v.Sub("config").Unmarshal(&policy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal [config] section: %w", err)
	}
	policy.LogLevel = strings.ToUpper(policy.LogLevel)

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client profiles: %w", err)
	}

	var profiles []UpstreamProfile
	for _, section := range iniFile.Sections() {
		name := section.Name()
		if reservedSections[name] {
			continue
		}
		profile, err := parseProfile(name, section)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		profiles = append(profiles, profile)
	}

	cfg := &Config{Policy: policy, Profiles: profiles}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseProfile(name string, section *ini.Section) (UpstreamProfile, error) {
	profile := UpstreamProfile{
		Key:              name,
		Konnektor:        section.Key("Konnektor").String(),
		SSLCert:          section.Key("ssl_cert").String(),
		SSLKey:           section.Key("ssl_key").String(),
		ProxyAllServices: section.Key("proxy_all_services").MustBool(false),
	}
	if section.HasKey("ssl_verify") {
		var err error
		profile.SSLVerify, err = section.Key("ssl_verify").Bool()
		if err != nil {
			return UpstreamProfile{}, fmt.Errorf("invalid ssl_verify: %w", err)
		}
	}
	if profile.Konnektor == "" {
		return UpstreamProfile{}, fmt.Errorf("missing required Konnektor key")
	}
	return profile, nil
}

// Validate checks that the configuration is internally consistent.
// Startup fatal conditions (per spec.md §7 ConfigError) are reported here.
func (c *Config) Validate() error {
	if c.Policy.UsesClamAV() == c.Policy.UsesICAP() {
		return fmt.Errorf("exactly one of clamd_socket or icap_host must be configured")
	}

	if len(c.Profiles) == 0 {
		return fmt.Errorf("at least one client profile section must be defined")
	}

	seen := make(map[string]bool, len(c.Profiles))
	for _, p := range c.Profiles {
		if seen[p.Key] {
			return fmt.Errorf("duplicate profile section: %s", p.Key)
		}
		seen[p.Key] = true
		if (p.SSLCert == "") != (p.SSLKey == "") {
			return fmt.Errorf("profile %s: ssl_cert and ssl_key must both be set or both be empty", p.Key)
		}
	}

	return nil
}

// FindProfile looks up a profile by exact "ip:port" key, falling back to
// "*:port". Returns false if neither matches.
func (c *Config) FindProfile(clientIP, port string) (UpstreamProfile, bool) {
	exact := clientIP + ":" + port
	wildcard := "*:" + port

	var wildcardMatch *UpstreamProfile
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if p.Key == exact {
			return *p, true
		}
		if p.Key == wildcard {
			wildcardMatch = p
		}
	}
	if wildcardMatch != nil {
		return *wildcardMatch, true
	}
	return UpstreamProfile{}, false
}
