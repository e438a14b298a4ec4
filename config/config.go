package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"github.com/zrepl/yaml-config"
)

type Config struct {
	Global     *Global        `yaml:"global,optional,fromdefaults"`
	Store      *Store         `yaml:"store,optional,fromdefaults"`
	Gateway    GatewayEnum    `yaml:"gateway"`
	Membership MembershipEnum `yaml:"membership"`
	Audit      *Audit         `yaml:"audit,optional,fromdefaults"`
}

type LoggingOutletEnumList []LoggingOutletEnum

func (l *LoggingOutletEnumList) SetDefault() {
	def := `
type: "stdout"
time: true
level: "warn"
format: "human"
`
	s := &StdoutLoggingOutlet{}
	err := yaml.UnmarshalStrict([]byte(def), s)
	if err != nil {
		panic(err)
	}
	*l = []LoggingOutletEnum{{Ret: s}}
}

var _ yaml.Defaulter = &LoggingOutletEnumList{}

type Global struct {
	Logging    *LoggingOutletEnumList `yaml:"logging,optional,fromdefaults"`
	Monitoring []MonitoringEnum       `yaml:"monitoring,optional"`
	Control    *GlobalControl         `yaml:"control,optional,fromdefaults"`
}

func Default(i interface{}) {
	v := reflect.ValueOf(i)
	if v.Kind() != reflect.Ptr {
		panic(v)
	}
	y := `{}`
	err := yaml.Unmarshal([]byte(y), v.Interface())
	if err != nil {
		panic(err)
	}
}

type LoggingOutletEnum struct {
	Ret interface{}
}

type LoggingOutletCommon struct {
	Type   string `yaml:"type"`
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StdoutLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	Time                bool `yaml:"time,default=true"`
	Color               bool `yaml:"color,default=true"`
}

type SyslogLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	Facility            string        `yaml:"facility,optional,default=local0"`
	RetryInterval       time.Duration `yaml:"retry_interval,positive,default=10s"`
}

type TCPLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	Address             string               `yaml:"address"`
	Net                 string               `yaml:"net,default=tcp"`
	RetryInterval       time.Duration        `yaml:"retry_interval,positive,default=10s"`
	TLS                 *TCPLoggingOutletTLS `yaml:"tls,optional"`
}

type TCPLoggingOutletTLS struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type MonitoringEnum struct {
	Ret interface{}
}

type PrometheusMonitoring struct {
	Type   string `yaml:"type"`
	Listen string `yaml:"listen"`
}

type GlobalControl struct {
	SockPath string `yaml:"sockpath,default=/var/run/hooksync/control"`
}

// Store selects the database the daemon journals hook definitions and
// per-server replica state to.
type Store struct {
	Driver string `yaml:"driver,default=sqlite"`
	DSN    string `yaml:"dsn,default=/var/lib/hooksync/hooks.db"`
}

var StoreDrivers = []string{"sqlite", "postgres", "mysql"}

type GatewayEnum struct {
	Ret interface{}
}

type GatewayCommon struct {
	Type string `yaml:"type"`
	// Per server call. Calls exceeding it count as failed for that server.
	Timeout time.Duration `yaml:"timeout,optional,positive,default=30s"`
	// Upper bound on server calls in flight across all operations.
	MaxConcurrent int `yaml:"max_concurrent,optional,default=16"`
}

type CommandGateway struct {
	GatewayCommon `yaml:",inline"`
	Path          string   `yaml:"path"`
	Args          []string `yaml:"args,optional"`
}

type MembershipEnum struct {
	Ret interface{}
}

type ClusterMembers struct {
	ID      string   `yaml:"id"`
	Servers []string `yaml:"servers"`
}

type StaticMembership struct {
	Type     string           `yaml:"type"`
	Clusters []ClusterMembers `yaml:"clusters"`
}

type FileMembership struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// MembershipFile is the document format read by the file membership provider.
type MembershipFile struct {
	Clusters []ClusterMembers `yaml:"clusters"`
}

type Audit struct {
	Disabled bool          `yaml:"disabled,optional,default=false"`
	Interval time.Duration `yaml:"interval,optional,positive,default=10m"`
}

func enumUnmarshal(u func(interface{}, bool) error, types map[string]interface{}) (interface{}, error) {
	var in struct {
		Type string
	}
	if err := u(&in, true); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, &yaml.TypeError{Errors: []string{"must specify type"}}
	}

	v, ok := types[in.Type]
	if !ok {
		return nil, &yaml.TypeError{Errors: []string{fmt.Sprintf("invalid type name %q", in.Type)}}
	}
	if err := u(v, false); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *LoggingOutletEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"stdout": &StdoutLoggingOutlet{},
		"syslog": &SyslogLoggingOutlet{},
		"tcp":    &TCPLoggingOutlet{},
	})
	return
}

func (t *MonitoringEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"prometheus": &PrometheusMonitoring{},
	})
	return
}

func (t *GatewayEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"command": &CommandGateway{},
	})
	return
}

func (t *MembershipEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"static": &StaticMembership{},
		"file":   &FileMembership{},
	})
	return
}

var ConfigFileDefaultLocations = []string{
	"/etc/hooksync/hooksync.yml",
	"/usr/local/etc/hooksync/hooksync.yml",
}

func ParseConfig(path string) (i *Config, err error) {

	if path == "" {
		// Try default locations
		for _, l := range ConfigFileDefaultLocations {
			stat, statErr := os.Stat(l)
			if statErr != nil {
				continue
			}
			if !stat.Mode().IsRegular() {
				err = errors.Errorf("file at default location is not a regular file: %s", l)
				return
			}
			path = l
			break
		}
	}
	if path == "" {
		return nil, errors.Errorf("no config file found in default locations %v", ConfigFileDefaultLocations)
	}

	var bytes []byte

	if bytes, err = os.ReadFile(path); err != nil {
		return
	}

	return ParseConfigBytes(bytes)
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c *Config
	if err := yaml.UnmarshalStrict(bytes, &c); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("config is empty or only consists of comments")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	driverOK := false
	for _, d := range StoreDrivers {
		driverOK = driverOK || c.Store.Driver == d
	}
	if !driverOK {
		return errors.Errorf("store: unknown driver %q, must be one of %v", c.Store.Driver, StoreDrivers)
	}

	switch g := c.Gateway.Ret.(type) {
	case *CommandGateway:
		if g.Path == "" {
			return errors.New("gateway: 'path' must not be empty")
		}
		if g.MaxConcurrent < 1 {
			return errors.Errorf("gateway: 'max_concurrent' must be positive, got %d", g.MaxConcurrent)
		}
	}

	switch m := c.Membership.Ret.(type) {
	case *StaticMembership:
		if err := ValidateClusters(m.Clusters); err != nil {
			return errors.Wrap(err, "membership")
		}
	case *FileMembership:
		if m.Path == "" {
			return errors.New("membership: 'path' must not be empty")
		}
	}
	return nil
}

// ValidateClusters rejects empty and duplicate cluster ids and duplicate
// servers within a cluster.
func ValidateClusters(clusters []ClusterMembers) error {
	seen := make(map[string]bool, len(clusters))
	for i, cl := range clusters {
		if cl.ID == "" {
			return errors.Errorf("cluster #%d: 'id' must not be empty", i)
		}
		if seen[cl.ID] {
			return errors.Errorf("duplicate cluster id %q", cl.ID)
		}
		seen[cl.ID] = true
		servers := make(map[string]bool, len(cl.Servers))
		for _, s := range cl.Servers {
			if s == "" {
				return errors.Errorf("cluster %q: empty server id", cl.ID)
			}
			if servers[s] {
				return errors.Errorf("cluster %q: duplicate server %q", cl.ID, s)
			}
			servers[s] = true
		}
	}
	return nil
}

// ParseMembershipFile parses and validates a membership document.
func ParseMembershipFile(bytes []byte) (*MembershipFile, error) {
	var f MembershipFile
	if err := yaml.UnmarshalStrict(bytes, &f); err != nil {
		return nil, err
	}
	if err := ValidateClusters(f.Clusters); err != nil {
		return nil, err
	}
	return &f, nil
}
