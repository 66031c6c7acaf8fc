// Package config holds the node's identity and runtime state: the immutable
// environment-derived configuration, the identity assigned by the message
// broker handshake, and the coarse run state reported by the health endpoint.
package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jessevdk/go-flags"
)

// Role of a node within a star analysis.
type Role string

const (
	// RoleAggregator marks the single node which combines partial results
	// and may submit a final result.
	RoleAggregator Role = "aggregator"
	// RoleDefault marks an analyzer node.
	RoleDefault Role = "default"
)

// RunState is the coarse lifecycle state served by the health endpoint.
// Transitions are monotonic and one-way, written only by the SDK facade.
type RunState string

const (
	StateStarting RunState = "starting"
	StateRunning  RunState = "running"
	StateFinished RunState = "finished"
	StateFailed   RunState = "failed"
	StateStuck    RunState = "stuck"
)

// Environment is the immutable configuration read from the container
// environment at startup.
type Environment struct {
	AnalysisID      string `long:"analysis-id" env:"ANALYSIS_ID" description:"ID of the running analysis"`
	ProjectID       string `long:"project-id" env:"PROJECT_ID" description:"ID of the project this analysis belongs to"`
	DeploymentName  string `long:"deployment-name" env:"DEPLOYMENT_NAME" description:"Deployment name, used to derive the ingress host"`
	PlatformToken   string `long:"platform-token" env:"KEYCLOAK_TOKEN" description:"Bearer token for the platform services"`
	DataSourceToken string `long:"data-source-token" env:"DATA_SOURCE_TOKEN" description:"API key for the project data proxy"`
}

// FromEnv parses an Environment from process environment variables.
// Missing entries are an error: the node is useless without its identity.
func FromEnv() (*Environment, error) {
	var env = new(Environment)
	var parser = flags.NewParser(env, flags.IgnoreUnknown)
	if _, err := parser.ParseArgs(nil); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	for _, f := range []struct{ name, value string }{
		{"ANALYSIS_ID", env.AnalysisID},
		{"PROJECT_ID", env.ProjectID},
		{"DEPLOYMENT_NAME", env.DeploymentName},
		{"KEYCLOAK_TOKEN", env.PlatformToken},
		{"DATA_SOURCE_TOKEN", env.DataSourceToken},
	} {
		if f.value == "" {
			return nil, fmt.Errorf("required environment variable %s is not set", f.name)
		}
	}
	return env, nil
}

// IngressHost derives the host of the node-local ingress which fronts
// all platform services.
func (e *Environment) IngressHost() string {
	return "nginx-" + e.DeploymentName
}

// Node is the node's identity and mutable finished flag. The identity
// half (NodeID, Role) is written exactly once, by the broker handshake,
// and is read-only thereafter.
type Node struct {
	Env *Environment

	mu       sync.Mutex
	nodeID   string
	role     Role
	assigned bool

	finished atomic.Bool
}

// NewNode returns a Node wrapping the given environment, with identity
// not yet assigned.
func NewNode(env *Environment) *Node {
	return &Node{Env: env}
}

// SetIdentity records the node ID and role learned from the broker
// handshake. It errors if identity was already assigned, or if the role
// is not a known Role.
func (n *Node) SetIdentity(nodeID string, role Role) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.assigned {
		return fmt.Errorf("node identity is already assigned (nodeID %s)", n.nodeID)
	}
	switch role {
	case RoleAggregator, RoleDefault:
	default:
		return fmt.Errorf("unknown node role %q", role)
	}
	n.nodeID, n.role, n.assigned = nodeID, role, true
	return nil
}

// NodeID returns the broker-assigned node ID, or "" before the handshake.
func (n *Node) NodeID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodeID
}

// Role returns the broker-assigned role, or "" before the handshake.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Finish marks the analysis as finished. The transition is one-way.
func (n *Node) Finish() { n.finished.Store(true) }

// Finished reports whether the analysis has finished.
func (n *Node) Finished() bool { return n.finished.Load() }
