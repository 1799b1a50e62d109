package connection

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// Valid TCP port range for the remote server.
const (
	MinPort = 1
	MaxPort = 65534
)

// Modality is the dispatch mode of a Connection.
type Modality uint8

const (
	// Synchronous connections block each request for its full round trip.
	Synchronous Modality = iota
	// Asynchronous connections pipeline requests and resolve them through futures.
	Asynchronous
)

func (m Modality) String() string {
	switch m {
	case Synchronous:
		return "sync"
	case Asynchronous:
		return "async"
	default:
		return "unknown"
	}
}

// ParseModality accepts "sync"/"synchronous" and "async"/"asynchronous".
func ParseModality(s string) (Modality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sync", "synchronous", "":
		return Synchronous, nil
	case "async", "asynchronous", "pipeline":
		return Asynchronous, nil
	default:
		return 0, &ConfigError{Field: "modality", Value: s, Reason: "expected sync or async"}
	}
}

// UnmarshalYAML implements yaml.Unmarshaler
func (m *Modality) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseModality(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (m Modality) MarshalYAML() (any, error) {
	return m.String(), nil
}

// Spec is the configuration bundle of a single connection.
type Spec struct {
	Address  string `yaml:"address" json:"address"`
	Port     int    `yaml:"port" json:"port"`
	Database int    `yaml:"database" json:"database"`
	// Credential is carried for higher layers; the connection never sends it.
	Credential string `yaml:"credential,omitempty" json:"credential,omitempty"`
	// Heartbeat is the probe period. Zero disables the heartbeat.
	Heartbeat time.Duration `yaml:"heartbeat" json:"heartbeat"`
	Modality  Modality      `yaml:"modality" json:"modality"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive" json:"keep_alive"`
	MaxPending     int           `yaml:"max_pending" json:"max_pending"`
}

// DefaultSpec returns a spec for a local server on the standard port.
func DefaultSpec() Spec {
	return Spec{
		Address:        "localhost",
		Port:           6379,
		Database:       0,
		Heartbeat:      time.Second,
		Modality:       Synchronous,
		ConnectTimeout: 5 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxPending:     4096,
	}
}

// Validate checks every field and returns the first problem as a *ConfigError.
func (s Spec) Validate() error {
	if err := validateEndpoint(s.Address, s.Port); err != nil {
		return err
	}
	if s.Database < 0 {
		return &ConfigError{Field: "database", Value: s.Database, Reason: "must not be negative"}
	}
	if s.Heartbeat < 0 {
		return &ConfigError{Field: "heartbeat", Value: s.Heartbeat, Reason: "must not be negative"}
	}
	if s.Modality != Synchronous && s.Modality != Asynchronous {
		return &ConfigError{Field: "modality", Value: s.Modality, Reason: "unknown modality"}
	}
	if s.ConnectTimeout < 0 {
		return &ConfigError{Field: "connect_timeout", Value: s.ConnectTimeout, Reason: "must not be negative"}
	}
	if s.KeepAlive < 0 {
		return &ConfigError{Field: "keep_alive", Value: s.KeepAlive, Reason: "must not be negative"}
	}
	if s.MaxPending < 0 {
		return &ConfigError{Field: "max_pending", Value: s.MaxPending, Reason: "must not be negative"}
	}
	return nil
}

func validateEndpoint(address string, port int) error {
	if strings.TrimSpace(address) == "" {
		return &ConfigError{Field: "address", Value: address, Reason: "must not be empty"}
	}
	if port < MinPort || port > MaxPort {
		return &ConfigError{
			Field:  "port",
			Value:  port,
			Reason: fmt.Sprintf("must be within [%d, %d]", MinPort, MaxPort),
		}
	}
	return nil
}

// Endpoint returns the dialable host:port of the server.
func (s Spec) Endpoint() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Fingerprint identifies the server and logical database. It is stable
// across reconnects and processes, which makes it usable in log correlation
// and thread names.
func (s Spec) Fingerprint() uint64 {
	return xxhash.Sum64String(s.Endpoint() + "/" + strconv.Itoa(s.Database))
}

// String renders the spec with the credential redacted.
func (s Spec) String() string {
	cred := ""
	if s.Credential != "" {
		cred = " credential=***"
	}
	return fmt.Sprintf("%s/%d modality=%s heartbeat=%s%s", s.Endpoint(), s.Database, s.Modality, s.Heartbeat, cred)
}

// LoadSpec decodes a YAML document on top of DefaultSpec and validates the result.
func LoadSpec(r io.Reader) (Spec, error) {
	spec := DefaultSpec()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&spec); err != nil && err != io.EOF {
		return Spec{}, err
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}
