package net

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	clusterScheme  = "cluster://"
	sentinelScheme = "sentinel://"
)

// ErrMalformedTopology marks connection strings that match a known
// scheme prefix but cannot be parsed into a usable topology.
var ErrMalformedTopology = errors.New("malformed connection string")

// Kind selects the redis deployment shape a connection string resolves
// to.
type Kind int

const (
	Standalone Kind = iota
	Sentinel
	Cluster
)

func (k Kind) String() string {
	switch k {
	case Sentinel:
		return "sentinel"
	case Cluster:
		return "cluster"
	default:
		return "standalone"
	}
}

// Node is a single redis endpoint. A zero port means the backend
// default applies.
type Node struct {
	Host string
	Port int
}

// Addr formats the endpoint as host:port, falling back to the given
// default port when the node has none.
func (n Node) Addr(defaultPort int) string {
	port := n.Port
	if port == 0 {
		port = defaultPort
	}

	return fmt.Sprintf("%s:%d", n.Host, port)
}

// Topology is the parsed form of a redis connection string. Exactly
// one variant is populated, selected by Kind.
type Topology struct {
	Kind Kind

	// URI is the unmodified connection string of a standalone
	// deployment, interpreted by the client.
	URI string

	// Nodes are the seed endpoints of a cluster deployment.
	Nodes []Node

	// Sentinels and MasterName select the monitored master of a
	// sentinel deployment.
	Sentinels  []Node
	MasterName string

	// Password is shared by all nodes of a cluster or sentinel
	// deployment.
	Password string
}

// ParseTopology classifies a connection string by its scheme prefix,
// checked in fixed order: cluster, sentinel, then standalone fallback.
// Strings without a recognized prefix pass through unmodified for the
// client to interpret.
//
// Cluster strings have the form
//
//	cluster://[password@]host1[:port1][,host2[:port2]...]
//
// where the password, if present, is shared by all nodes. Segments may
// repeat the password prefix, the last one wins. Sentinel strings have
// the form
//
//	sentinel://[password@]host1:port1[,host2:port2...]/masterName
func ParseTopology(conn string) (*Topology, error) {
	switch {
	case strings.HasPrefix(conn, clusterScheme):
		return parseCluster(strings.TrimPrefix(conn, clusterScheme))
	case strings.HasPrefix(conn, sentinelScheme):
		return parseSentinel(strings.TrimPrefix(conn, sentinelScheme))
	default:
		return &Topology{Kind: Standalone, URI: conn}, nil
	}
}

func parseCluster(s string) (*Topology, error) {
	t := &Topology{Kind: Cluster}
	for _, segment := range strings.Split(s, ",") {
		if segment == "" {
			continue
		}

		segment, password, err := splitCredential(segment)
		if err != nil {
			return nil, err
		}

		if password != "" {
			t.Password = password
		}

		t.Nodes = append(t.Nodes, parseNode(segment))
	}

	if len(t.Nodes) == 0 {
		return nil, fmt.Errorf("%w: cluster without nodes", ErrMalformedTopology)
	}

	return t, nil
}

func parseSentinel(s string) (*Topology, error) {
	t := &Topology{Kind: Sentinel}

	endpoints := s
	if i := strings.LastIndex(s, "/"); i >= 0 {
		endpoints, t.MasterName = s[:i], s[i+1:]
	}

	if t.MasterName == "" {
		return nil, fmt.Errorf("%w: sentinel without master name", ErrMalformedTopology)
	}

	endpoints, password, err := splitCredential(endpoints)
	if err != nil {
		return nil, err
	}

	t.Password = password
	for _, segment := range strings.Split(endpoints, ",") {
		if segment == "" {
			continue
		}

		t.Sentinels = append(t.Sentinels, parseNode(segment))
	}

	if len(t.Sentinels) == 0 {
		return nil, fmt.Errorf("%w: sentinel without endpoints", ErrMalformedTopology)
	}

	return t, nil
}

// splitCredential strips an optional password@ prefix from a node
// segment. A password with an empty remainder is invalid: there is
// nothing to authenticate against.
func splitCredential(segment string) (remainder, password string, err error) {
	i := strings.Index(segment, "@")
	if i < 0 {
		return segment, "", nil
	}

	password = strings.TrimPrefix(segment[:i], ":")
	remainder = segment[i+1:]
	if remainder == "" {
		return "", "", fmt.Errorf("%w: password without address in segment %q", ErrMalformedTopology, segment)
	}

	return remainder, password, nil
}

// parseNode splits an endpoint into host and optional numeric port. A
// suffix that does not parse as a number belongs to the host.
func parseNode(s string) Node {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		if port, err := strconv.Atoi(s[i+1:]); err == nil {
			return Node{Host: s[:i], Port: port}
		}
	}

	return Node{Host: s}
}
