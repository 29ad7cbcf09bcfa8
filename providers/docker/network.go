package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/stackd-io/stackd/internal/resource"
)

// Network provisions a Docker network.
//
// Properties:
//
//	name (required) - network name; changing it replaces the network
//	driver          - e.g. bridge; changing it replaces the network
//	internal        - bool
type Network struct {
	classifier
	clients *Clients
}

func (n *Network) Validate(ctx context.Context, req *resource.Request) error {
	if name, _ := req.Properties["name"].(string); name == "" {
		return fmt.Errorf("property %q is required", "name")
	}
	return nil
}

func (n *Network) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	cli, err := n.clients.ensure()
	if err != nil {
		return nil, err
	}

	name := req.Properties["name"].(string)
	driver, _ := req.Properties["driver"].(string)
	internal, _ := req.Properties["internal"].(bool)

	resp, err := cli.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver:   driver,
		Internal: internal,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create network %s: %w", name, err)
	}

	return &resource.Progress{ResourceID: resp.ID, Done: true}, nil
}

func (n *Network) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (n *Network) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	cli, err := n.clients.ensure()
	if err != nil {
		return nil, err
	}
	if err := cli.NetworkRemove(ctx, req.ResourceID); err != nil {
		if client.IsErrNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to remove network: %w", err)
	}
	return &resource.Progress{Done: true}, nil
}

func (n *Network) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleCheck verifies the network still exists.
func (n *Network) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	cli, err := n.clients.ensure()
	if err != nil {
		return nil, err
	}
	_, err = cli.NetworkInspect(ctx, req.ResourceID, types.NetworkInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	return &resource.Progress{Done: true}, nil
}

func (n *Network) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}
