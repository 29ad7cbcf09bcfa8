package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	"github.com/stackd-io/stackd/internal/resource"
)

// Volume provisions a Docker volume.
//
// Properties:
//
//	name (required) - volume name; changing it replaces the volume
//	driver          - volume driver; changing it replaces the volume
type Volume struct {
	classifier
	clients *Clients
}

func (v *Volume) Validate(ctx context.Context, req *resource.Request) error {
	if name, _ := req.Properties["name"].(string); name == "" {
		return fmt.Errorf("property %q is required", "name")
	}
	return nil
}

func (v *Volume) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	cli, err := v.clients.ensure()
	if err != nil {
		return nil, err
	}

	driver, _ := req.Properties["driver"].(string)
	vol, err := cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   req.Properties["name"].(string),
		Driver: driver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create volume: %w", err)
	}

	return &resource.Progress{
		ResourceID: vol.Name,
		Done:       true,
		Data:       map[string]string{"mountpoint": vol.Mountpoint},
	}, nil
}

func (v *Volume) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (v *Volume) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	cli, err := v.clients.ensure()
	if err != nil {
		return nil, err
	}
	if err := cli.VolumeRemove(ctx, req.ResourceID, true); err != nil {
		if client.IsErrNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to remove volume: %w", err)
	}
	return &resource.Progress{Done: true}, nil
}

func (v *Volume) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleCheck verifies the volume still exists.
func (v *Volume) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	cli, err := v.clients.ensure()
	if err != nil {
		return nil, err
	}
	_, err = cli.VolumeInspect(ctx, req.ResourceID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	return &resource.Progress{Done: true}, nil
}

func (v *Volume) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}
