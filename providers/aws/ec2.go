package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/stackd-io/stackd/internal/resource"
)

func newEC2Errors() apiErrors {
	return apiErrors{
		notFound: []string{
			"InvalidVpcID.NotFound", "InvalidInstanceID.NotFound",
			"InvalidVpcID.Malformed", "InvalidInstanceID.Malformed",
		},
		conflict:  []string{"DependencyViolation", "IncorrectInstanceState", "IncorrectState"},
		overLimit: []string{"VpcLimitExceeded", "InstanceLimitExceeded", "RequestLimitExceeded"},
	}
}

// Vpc provisions an EC2 VPC.
//
// Properties:
//
//	cidr_block (required) - changing it replaces the VPC
//	tags                  - string map
type Vpc struct {
	apiErrors
	clients *Clients
}

func (v *Vpc) Validate(ctx context.Context, req *resource.Request) error {
	_, err := requiredString(req.Properties, "cidr_block")
	return err
}

func (v *Vpc) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := v.clients.ensure(ctx); err != nil {
		return nil, err
	}

	out, err := v.clients.ec2Client.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock: aws.String(stringProp(req.Properties, "cidr_block")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create VPC: %w", err)
	}
	id := aws.ToString(out.Vpc.VpcId)

	if err := v.tag(ctx, id, req.Properties); err != nil {
		return nil, err
	}

	return &resource.Progress{
		ResourceID: id,
		Token:      id,
		Data:       map[string]string{"cidr_block": stringProp(req.Properties, "cidr_block")},
	}, nil
}

func (v *Vpc) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	out, err := v.clients.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{token}})
	if err != nil {
		return false, err
	}
	if len(out.Vpcs) == 0 {
		return false, resource.ErrNotFound
	}
	return out.Vpcs[0].State == ec2types.VpcStateAvailable, nil
}

// HandleUpdate retags in place; CIDR changes need a new VPC.
func (v *Vpc) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	if contains(changed, "cidr_block") {
		return nil, resource.ErrNeedsReplacement
	}
	if err := v.clients.ensure(ctx); err != nil {
		return nil, err
	}
	if err := v.tag(ctx, req.ResourceID, req.Properties); err != nil {
		return nil, err
	}
	return &resource.Progress{Done: true}, nil
}

func (v *Vpc) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (v *Vpc) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := v.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := v.clients.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(req.ResourceID)})
	if err != nil {
		if v.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete VPC %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Token: req.ResourceID}, nil
}

func (v *Vpc) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	out, err := v.clients.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{token}})
	if err != nil {
		if v.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return len(out.Vpcs) == 0, nil
}

func (v *Vpc) tag(ctx context.Context, id string, props map[string]any) error {
	tags := stringMapProp(props, "tags")
	if len(tags) == 0 {
		return nil
	}
	set := make([]ec2types.Tag, 0, len(tags))
	for k, val := range tags {
		set = append(set, ec2types.Tag{Key: aws.String(k), Value: aws.String(val)})
	}
	_, err := v.clients.ec2Client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      set,
	})
	if err != nil {
		return fmt.Errorf("failed to tag VPC %s: %w", id, err)
	}
	return nil
}

// Instance provisions an EC2 instance. Suspend stops the instance, resume
// starts it again, and snapshot captures an AMI.
//
// Properties:
//
//	image_id (required)      - AMI; changing it replaces the instance
//	instance_type (required) - e.g. t3.micro; applied in place while stopped
//	subnet_id                - changing it replaces the instance
//	key_name                 - SSH keypair name
type Instance struct {
	apiErrors
	clients *Clients
}

func (i *Instance) Validate(ctx context.Context, req *resource.Request) error {
	if _, err := requiredString(req.Properties, "image_id"); err != nil {
		return err
	}
	_, err := requiredString(req.Properties, "instance_type")
	return err
}

func (i *Instance) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := i.clients.ensure(ctx); err != nil {
		return nil, err
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(stringProp(req.Properties, "image_id")),
		InstanceType: ec2types.InstanceType(stringProp(req.Properties, "instance_type")),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	if subnet := stringProp(req.Properties, "subnet_id"); subnet != "" {
		input.SubnetId = aws.String(subnet)
	}
	if key := stringProp(req.Properties, "key_name"); key != "" {
		input.KeyName = aws.String(key)
	}

	out, err := i.clients.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to launch instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("launch returned no instances")
	}
	id := aws.ToString(out.Instances[0].InstanceId)

	return &resource.Progress{ResourceID: id, Token: id}, nil
}

func (i *Instance) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	inst, err := i.describe(ctx, token)
	if err != nil {
		return false, err
	}
	state := inst.State.Name
	if state == ec2types.InstanceStateNameTerminated || state == ec2types.InstanceStateNameShuttingDown {
		return false, fmt.Errorf("instance %s terminated during launch", token)
	}
	if state == ec2types.InstanceStateNameRunning {
		return true, nil
	}
	return false, nil
}

// HandleUpdate changes the instance type in place; image and subnet changes
// replace the instance.
func (i *Instance) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	if contains(changed, "image_id") || contains(changed, "subnet_id") {
		return nil, resource.ErrNeedsReplacement
	}
	if err := i.clients.ensure(ctx); err != nil {
		return nil, err
	}
	if contains(changed, "instance_type") {
		_, err := i.clients.ec2Client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
			InstanceId:   aws.String(req.ResourceID),
			InstanceType: &ec2types.AttributeValue{Value: aws.String(stringProp(req.Properties, "instance_type"))},
		})
		if err != nil {
			// A running instance cannot change type in place.
			if isCode(err, "IncorrectInstanceState") {
				return nil, resource.ErrNeedsReplacement
			}
			if i.IsNotFound(err) {
				return nil, resource.ErrNotFound
			}
			return nil, fmt.Errorf("failed to modify instance %s: %w", req.ResourceID, err)
		}
	}
	return &resource.Progress{Done: true}, nil
}

func (i *Instance) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (i *Instance) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := i.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := i.clients.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{req.ResourceID},
	})
	if err != nil {
		if i.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to terminate instance %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Token: req.ResourceID}, nil
}

func (i *Instance) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	inst, err := i.describe(ctx, token)
	if err != nil {
		if i.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return inst.State.Name == ec2types.InstanceStateNameTerminated, nil
}

// HandleSuspend stops the instance.
func (i *Instance) HandleSuspend(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := i.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := i.clients.ec2Client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{req.ResourceID},
	})
	if err != nil {
		if i.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to stop instance %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Token: req.ResourceID}, nil
}

func (i *Instance) CheckSuspendComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	inst, err := i.describe(ctx, token)
	if err != nil {
		return false, err
	}
	return inst.State.Name == ec2types.InstanceStateNameStopped, nil
}

// HandleResume starts a stopped instance.
func (i *Instance) HandleResume(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := i.clients.ensure(ctx); err != nil {
		return nil, err
	}
	_, err := i.clients.ec2Client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{req.ResourceID},
	})
	if err != nil {
		if i.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to start instance %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{Token: req.ResourceID}, nil
}

func (i *Instance) CheckResumeComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	inst, err := i.describe(ctx, token)
	if err != nil {
		return false, err
	}
	return inst.State.Name == ec2types.InstanceStateNameRunning, nil
}

// HandleCheck verifies the instance exists and is not terminated.
func (i *Instance) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := i.clients.ensure(ctx); err != nil {
		return nil, err
	}
	inst, err := i.describe(ctx, req.ResourceID)
	if err != nil {
		if i.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, err
	}
	if inst.State.Name == ec2types.InstanceStateNameTerminated {
		return nil, resource.ErrNotFound
	}
	return &resource.Progress{Done: true}, nil
}

func (i *Instance) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

// HandleSnapshot captures an AMI from the instance.
func (i *Instance) HandleSnapshot(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if err := i.clients.ensure(ctx); err != nil {
		return nil, err
	}
	out, err := i.clients.ec2Client.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId: aws.String(req.ResourceID),
		Name:       aws.String(fmt.Sprintf("%s-%s-snapshot", req.StackName, req.Name)),
	})
	if err != nil {
		if i.IsNotFound(err) {
			return nil, resource.ErrNotFound
		}
		return nil, fmt.Errorf("failed to image instance %s: %w", req.ResourceID, err)
	}
	return &resource.Progress{
		Done: true,
		Data: map[string]string{"image_id": aws.ToString(out.ImageId)},
	}, nil
}

func (i *Instance) CheckSnapshotComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (i *Instance) describe(ctx context.Context, id string) (*ec2types.Instance, error) {
	out, err := i.clients.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return nil, err
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.ToString(inst.InstanceId) == id {
				return &inst, nil
			}
		}
	}
	return nil, resource.ErrNotFound
}
