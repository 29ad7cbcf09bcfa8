package docker

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/stackd-io/stackd/internal/resource"
)

// Container provisions a Docker container. Suspend pauses the container's
// processes; resume unpauses them.
//
// Properties:
//
//	image (required) - changing it replaces the container
//	name             - container name; changing it replaces the container
//	command          - string list
//	env              - string map
//	ports            - map of host port to container port, TCP
//	network          - network name or id to attach
//	restart          - restart policy name, applied in place
type Container struct {
	classifier
	clients *Clients
}

func (c *Container) Validate(ctx context.Context, req *resource.Request) error {
	if _, ok := req.Properties["image"].(string); !ok || req.Properties["image"] == "" {
		return fmt.Errorf("property %q is required", "image")
	}
	return nil
}

func (c *Container) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	cli, err := c.clients.ensure()
	if err != nil {
		return nil, err
	}
	imageName := req.Properties["image"].(string)

	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	io.Copy(os.Stdout, reader)
	reader.Close()

	config := &container.Config{
		Image: imageName,
		Cmd:   stringListProp(req.Properties, "command"),
		Env:   envList(req.Properties),
	}
	hostConfig := &container.HostConfig{
		PortBindings: portBindings(req.Properties),
	}
	if netName, _ := req.Properties["network"].(string); netName != "" {
		hostConfig.NetworkMode = container.NetworkMode(netName)
	}
	if restart, _ := req.Properties["restart"].(string); restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(restart)}
	}

	name, _ := req.Properties["name"].(string)
	resp, err := cli.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &resource.Progress{ResourceID: resp.ID, Token: resp.ID}, nil
}

func (c *Container) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	cli, err := c.clients.ensure()
	if err != nil {
		return false, err
	}
	inspect, err := cli.ContainerInspect(ctx, token)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, resource.ErrNotFound
		}
		return false, err
	}
	if inspect.State.Dead || inspect.State.OOMKilled {
		return false, fmt.Errorf("container %s died during startup", token)
	}
	if inspect.State.Health != nil {
		return inspect.State.Health.Status == "healthy", nil
	}
	return inspect.State.Running, nil
}

// HandleUpdate applies the restart policy in place; everything else needs a
// fresh container.
func (c *Container) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	for _, key := range changed {
		if key != "restart" {
			return nil, resource.ErrNeedsReplacement
		}
	}
	cli, err := c.clients.ensure()
	if err != nil {
		return nil, err
	}
	restart, _ := req.Properties["restart"].(string)
	_, err = cli.ContainerUpdate(ctx, req.ResourceID, container.UpdateConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(restart)},
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update container: %w", err)
	}
	return &resource.Progress{Done: true}, nil
}

func (c *Container) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (c *Container) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	cli, err := c.clients.ensure()
	if err != nil {
		return nil, err
	}

	timeout := 10 // seconds
	_ = cli.ContainerStop(ctx, req.ResourceID, container.StopOptions{Timeout: &timeout})
	if err := cli.ContainerRemove(ctx, req.ResourceID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to remove container: %w", err)
	}
	return &resource.Progress{Token: req.ResourceID}, nil
}

func (c *Container) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	cli, err := c.clients.ensure()
	if err != nil {
		return false, err
	}
	_, err = cli.ContainerInspect(ctx, token)
	if err != nil {
		if client.IsErrNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// HandleSuspend pauses the container.
func (c *Container) HandleSuspend(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	cli, err := c.clients.ensure()
	if err != nil {
		return nil, err
	}
	if err := cli.ContainerPause(ctx, req.ResourceID); err != nil {
		if client.IsErrNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to pause container: %w", err)
	}
	return &resource.Progress{Done: true}, nil
}

func (c *Container) CheckSuspendComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleResume unpauses the container.
func (c *Container) HandleResume(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	cli, err := c.clients.ensure()
	if err != nil {
		return nil, err
	}
	if err := cli.ContainerUnpause(ctx, req.ResourceID); err != nil {
		if client.IsErrNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to unpause container: %w", err)
	}
	return &resource.Progress{Done: true}, nil
}

func (c *Container) CheckResumeComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleCheck verifies the container exists and is running or paused.
func (c *Container) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	cli, err := c.clients.ensure()
	if err != nil {
		return nil, err
	}
	inspect, err := cli.ContainerInspect(ctx, req.ResourceID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	if !inspect.State.Running && !inspect.State.Paused {
		return nil, fmt.Errorf("container %s is %s", req.ResourceID, inspect.State.Status)
	}
	return &resource.Progress{Done: true}, nil
}

func (c *Container) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func stringListProp(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func envList(props map[string]any) []string {
	raw, ok := props["env"].(map[string]any)
	if !ok {
		return nil
	}
	var env []string
	for k, v := range raw {
		env = append(env, fmt.Sprintf("%s=%v", k, v))
	}
	return env
}

func portBindings(props map[string]any) nat.PortMap {
	raw, ok := props["ports"].(map[string]any)
	if !ok {
		return nil
	}
	bindings := nat.PortMap{}
	for hostPort, containerPort := range raw {
		p := nat.Port(fmt.Sprintf("%v/tcp", containerPort))
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}
	return bindings
}
