// Package docker implements stack resource types backed by a local or remote
// Docker daemon.
package docker

import (
	"fmt"
	"strings"
	"sync"

	"github.com/docker/docker/client"

	"github.com/stackd-io/stackd/internal/resource"
)

// Clients holds the lazily-created Docker API client shared by every resource
// type in this package.
type Clients struct {
	mu  sync.Mutex
	cli *client.Client
}

// NewClients returns an empty bundle; the API client is created on first use
// from the usual DOCKER_HOST environment.
func NewClients() *Clients {
	return &Clients{}
}

func (c *Clients) ensure() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli != nil {
		return c.cli, nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	c.cli = cli
	return cli, nil
}

// Register wires the Docker resource types into the registry.
func Register(reg *resource.Registry, c *Clients) error {
	types := map[string]resource.Factory{
		"docker::container": func() resource.Implementation { return &Container{clients: c} },
		"docker::network":   func() resource.Implementation { return &Network{clients: c} },
		"docker::volume":    func() resource.Implementation { return &Volume{clients: c} },
	}
	for name, factory := range types {
		if err := reg.Register(name, factory); err != nil {
			return err
		}
	}
	return nil
}

// classifier adapts the Docker client's error predicates.
type classifier struct{}

func (classifier) IsNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

func (classifier) IsConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict") || strings.Contains(msg, "already in use")
}

func (classifier) IsOverLimit(err error) bool {
	return false
}
