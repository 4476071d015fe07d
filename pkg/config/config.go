package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-envparse"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"

	"github.com/clickcluster/segmentd/pkg/logging"
)

// Default locations probed for the optional flat configuration file.
var defaultConfPaths = []string{
	"/etc/segmentd/segmentd.conf",
	"segmentd.conf",
}

var siteSlugRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Config carries everything the daemon needs. Precedence:
// process environment > env file > flat config file > defaults.
type Config struct {
	IPAMURL       string `json:"ipam_url"`
	IPAMToken     string `json:"ipam_token"`
	IPAMSSLVerify *bool  `json:"ipam_ssl_verify,omitempty"`

	TenantName string   `json:"tenant_name"`
	Sites      []string `json:"sites"`

	// SitePrefixes maps vrf -> site -> first octet. Entries parsed from
	// the legacy single-network form land under the "" vrf.
	SitePrefixes map[string]map[string]int `json:"site_prefixes"`

	ListenAddr  string `json:"listen_addr"`
	MetricsAddr string `json:"metrics_addr"`

	LogFile  string `json:"log_file"`
	LogLevel string `json:"log_level"`

	ScanScheduleFile string `json:"scan_schedule_file"`

	ReadWorkers  int `json:"read_workers"`
	WriteWorkers int `json:"write_workers"`
}

func defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		MetricsAddr:      ":9100",
		LogLevel:         "debug",
		ScanScheduleFile: "/etc/segmentd/scan-schedule",
		ReadWorkers:      30,
		WriteWorkers:     20,
	}
}

// SSLVerify reports whether IPAM TLS certificates are verified. Unset
// means verify.
func (c *Config) SSLVerify() bool {
	if c.IPAMSSLVerify == nil {
		return true
	}
	return *c.IPAMSSLVerify
}

// HasSite reports whether site is one of the configured canonical slugs.
func (c *Config) HasSite(site string) bool {
	for _, s := range c.Sites {
		if s == site {
			return true
		}
	}
	return false
}

// FirstOctetFor resolves the configured leading octet for a (vrf, site),
// falling back to legacy single-network entries.
func (c *Config) FirstOctetFor(vrf, site string) (int, bool) {
	if m, ok := c.SitePrefixes[vrf]; ok {
		if octet, ok := m[site]; ok {
			return octet, true
		}
	}
	if m, ok := c.SitePrefixes[""]; ok {
		if octet, ok := m[site]; ok {
			return octet, true
		}
	}
	return 0, false
}

// Load assembles the configuration. extraConfigPaths are probed before
// the default flat-file locations (handy for tests).
func Load(extraConfigPaths ...string) (*Config, error) {
	lookup, err := envLookup()
	if err != nil {
		return nil, err
	}

	cfg := Config{}

	confpaths := append([]string{}, extraConfigPaths...)
	if p, ok := lookup("SEGMENTD_CONFIG"); ok && p != "" {
		confpaths = append([]string{p}, confpaths...)
	}
	confpaths = append(confpaths, defaultConfPaths...)
	foundflatfile := ""
	for _, confpath := range confpaths {
		if !pathExists(confpath) {
			continue
		}
		jsonBytes, err := os.ReadFile(confpath)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading flat configuration file @ %s", confpath)
		}
		if err := json.Unmarshal(jsonBytes, &cfg); err != nil {
			return nil, errors.Wrapf(err, "flat configuration file (%s) JSON parsing error", confpath)
		}
		foundflatfile = confpath
		break
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}

	// Fill whatever is still unset from the defaults.
	if err := mergo.Merge(&cfg, defaults()); err != nil {
		return nil, errors.Wrap(err, "merge error with defaults")
	}

	if foundflatfile != "" {
		logging.Debugf("Used defaults from parsed flat file config @ %s", foundflatfile)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envLookup builds a key resolver over the process environment plus the
// optional env file. Process environment wins.
func envLookup() (func(string) (string, bool), error) {
	fileVars := map[string]string{}
	if path := os.Getenv("SEGMENTD_ENV_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "error opening env file @ %s", path)
		}
		defer f.Close()
		fileVars, err = envparse.Parse(f)
		if err != nil {
			return nil, errors.Wrapf(err, "error parsing env file @ %s", path)
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("IPAM_URL"); ok {
		cfg.IPAMURL = v
	}
	if v, ok := lookup("IPAM_TOKEN"); ok {
		cfg.IPAMToken = v
	}
	if v, ok := lookup("IPAM_SSL_VERIFY"); ok {
		verify, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("invalid IPAM_SSL_VERIFY %q: %v", v, err)
		}
		cfg.IPAMSSLVerify = &verify
	}
	if v, ok := lookup("TENANT_NAME"); ok {
		cfg.TenantName = v
	}
	if v, ok := lookup("SITES"); ok {
		cfg.Sites = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Sites = append(cfg.Sites, s)
			}
		}
	}
	prefixes, ok := lookup("NETWORK_SITE_PREFIXES")
	if !ok {
		prefixes, ok = lookup("SITE_PREFIXES")
	}
	if ok {
		parsed, err := parseSitePrefixes(prefixes)
		if err != nil {
			return err
		}
		cfg.SitePrefixes = parsed
	}
	if v, ok := lookup("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := lookup("METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := lookup("LOG_FILE"); ok {
		cfg.LogFile = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("SCAN_SCHEDULE_FILE"); ok {
		cfg.ScanScheduleFile = v
	}
	return nil
}

// parseSitePrefixes understands "vrf:site:octet" triples and legacy
// "site:octet" pairs (single-network deployments), comma-separated.
func parseSitePrefixes(raw string) (map[string]map[string]int, error) {
	result := map[string]map[string]int{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		var vrf, site, octetStr string
		switch len(parts) {
		case 3:
			vrf, site, octetStr = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])
		case 2:
			vrf, site, octetStr = "", strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		default:
			return nil, fmt.Errorf("invalid site prefix entry %q (want vrf:site:octet or site:octet)", entry)
		}
		octet, err := strconv.Atoi(octetStr)
		if err != nil {
			return nil, fmt.Errorf("invalid first octet in site prefix entry %q: %v", entry, err)
		}
		if octet < 1 || octet > 223 {
			return nil, fmt.Errorf("first octet %d in site prefix entry %q outside unicast range 1-223", octet, entry)
		}
		if result[vrf] == nil {
			result[vrf] = map[string]int{}
		}
		result[vrf][site] = octet
	}
	return result, nil
}

func (c *Config) validate() error {
	if c.IPAMURL == "" {
		return fmt.Errorf("you have not configured the IPAM endpoint (set IPAM_URL)")
	}
	u, err := url.Parse(c.IPAMURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid IPAM_URL %q", c.IPAMURL)
	}
	if c.IPAMToken == "" {
		return fmt.Errorf("you have not configured the IPAM credentials (set IPAM_TOKEN)")
	}
	if c.TenantName == "" {
		return fmt.Errorf("you have not configured the tenant (set TENANT_NAME)")
	}
	if len(c.Sites) == 0 {
		return fmt.Errorf("you have not configured any sites (set SITES)")
	}
	for _, site := range c.Sites {
		if !siteSlugRE.MatchString(site) {
			return fmt.Errorf("site %q is not a lowercase slug", site)
		}
	}
	// Every configured site needs a prefix octet somewhere, or allocation
	// in it could never pass the prefix/site match check.
	for _, site := range c.Sites {
		covered := false
		for _, m := range c.SitePrefixes {
			if _, ok := m[site]; ok {
				covered = true
				break
			}
		}
		if !covered {
			return fmt.Errorf("site %q has no entry in NETWORK_SITE_PREFIXES/SITE_PREFIXES", site)
		}
	}
	if c.ReadWorkers < 1 || c.WriteWorkers < 1 {
		return fmt.Errorf("worker pool sizes must be positive (read %d, write %d)", c.ReadWorkers, c.WriteWorkers)
	}
	return nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	return true
}
