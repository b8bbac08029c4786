// Package catalog holds the cluster's service catalog: Service,
// ServiceNameRecord, Instance, Supervisor and Resource, plus the
// Repository abstraction that the registration service and proxy engine
// use to read and write them. The catalog is the only shared mutable
// state in this system; every mutation goes through Repository.
package catalog

import (
	"strconv"
	"strings"
	"time"
)

// Service is a logical service inside the cluster.
type Service struct {
	ID      string
	Name    string
	NodeID  *string
	BaseURL string
	OpsAPI  string
	Public  bool
}

// ServiceNameRecord is one entry in a Service's alias history.
type ServiceNameRecord struct {
	ServiceID      string
	Name           string
	DeprecatedTime *time.Time
}

// Instance is a running endpoint of a Service.
type Instance struct {
	ID         string
	ServiceID  string
	Address    string
	Host       string
	Port       *int

	BaseURL string
	OpsAPI  string

	ResourceID string
	ServerID   string
	RemoteID   string

	Version        string
	VersionMajor   int
	VersionMinor   int
	VersionPatch   int

	Asynchronous    bool
	Production      bool
	Language        string
	LanguageVersion string
	UtilMetaVersion string
	Backend         string
	BackendVersion  string

	Connected bool
	Weight    float64
	AvgLoad   float64
	AvgTime   float64
	AvgRPS    float64

	Resources     []byte // opaque JSON, nil if unknown
	ResourcesETag string
}

// Supervisor is a connected control-plane node record for a Service.
type Supervisor struct {
	ServiceID      string
	NodeID         string
	BaseURL        string
	BackupURLs     []string
	PublicKey      string
	ResourcesETag  string
	Local          bool
	URL            string
	Disabled       bool
	InitKey        string
	OpsAPI         string
}

// Resource is the opaque, read-only entity the supervisor's own catalog
// exposes; registration looks one up to validate an instance's existence.
type Resource struct {
	ID       string
	Type     string
	Service  string
	Ident    string
	NodeID   string
	RemoteID string
	ServerID string
}

// InstanceRegistry is the write model a registration builds and hands to
// Repository.UpsertInstance.
type InstanceRegistry struct {
	ServiceID string
	Address   string
	BaseURL   string
	OpsAPI    string

	ResourceID string
	ServerID   string
	RemoteID   string

	Version      string
	VersionMajor int
	VersionMinor int
	VersionPatch int

	Asynchronous    bool
	Production      bool
	Language        string
	LanguageVersion string
	UtilMetaVersion string
	Backend         string
	BackendVersion  string

	// Resources is nil when the registration omitted a resources snapshot;
	// HasResources distinguishes "omitted" from "explicitly empty".
	Resources     []byte
	HasResources  bool
	ResourcesETag string
}

// ParseAddress splits "host:port" into its parts. An address with no
// port leaves the port nil.
func ParseAddress(address string) (host string, port *int) {
	idx := strings.LastIndex(address, ":")
	if idx < 0 {
		return address, nil
	}
	h := address[:idx]
	p, err := strconv.Atoi(address[idx+1:])
	if err != nil {
		return address, nil
	}
	return h, &p
}

// ParseVersion parses "x[.y[.z]][-suffix]"; any unparseable or absent
// part defaults to 0.
func ParseVersion(version string) (major, minor, patch int) {
	core := version
	if i := strings.IndexByte(version, '-'); i >= 0 {
		core = version[:i]
	}
	parts := strings.SplitN(core, ".", 3)
	nums := make([]int, 3)
	for i, p := range parts {
		if i >= 3 {
			break
		}
		if n, err := strconv.Atoi(p); err == nil {
			nums[i] = n
		}
	}
	return nums[0], nums[1], nums[2]
}
