package ec2

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	"github.com/zeitwork/amibuild/internal/builder/types"
)

// CreateKeyPair registers a new key pair and returns its PEM private key
func (p *Provider) CreateKeyPair(ctx context.Context, name string) (*types.KeyPair, error) {
	out, err := p.api.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName: aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key pair %s: %w", name, err)
	}

	p.logger.Debug("key pair created", "key_name", name)

	return &types.KeyPair{
		Name:       aws.ToString(out.KeyName),
		PrivateKey: []byte(aws.ToString(out.KeyMaterial)),
	}, nil
}

// RunInstance launches one instance and locates it through its reservation
func (p *Provider) RunInstance(ctx context.Context, spec types.InstanceSpec) (*types.Instance, error) {
	tags := toEC2Tags(spec.Tags)

	out, err := p.api.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(spec.ImageID),
		InstanceType:     ec2types.InstanceType(spec.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		KeyName:          aws.String(spec.KeyName),
		SubnetId:         lo.EmptyableToPtr(spec.SubnetID),
		SecurityGroupIds: spec.SecurityGroupIDs,
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
			{ResourceType: ec2types.ResourceTypeVolume, Tags: tags},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run instance: %w", err)
	}

	reservationID := aws.ToString(out.ReservationId)
	launched := lo.FilterMap(out.Instances, func(inst ec2types.Instance, _ int) (string, bool) {
		return aws.ToString(inst.InstanceId), inst.InstanceId != nil
	})
	p.logger.Debug("instance requested", "reservation_id", reservationID, "instance_ids", launched)

	desc, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("reservation-id"), Values: []string{reservationID}},
		},
	})
	if err != nil {
		p.terminateLaunched(ctx, launched)
		return nil, fmt.Errorf("failed to describe reservation %s: %w", reservationID, err)
	}

	for _, r := range desc.Reservations {
		for _, inst := range r.Instances {
			instance := toInstance(inst)
			instance.ReservationID = reservationID
			return instance, nil
		}
	}

	p.terminateLaunched(ctx, launched)
	return nil, fmt.Errorf("reservation %s: %w", reservationID, types.ErrInstanceNotFound)
}

// terminateLaunched cleans up instances the caller never gets to see
func (p *Provider) terminateLaunched(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if _, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		p.logger.Error("failed to terminate unlocated instances", "instance_ids", ids, "error", err)
		return
	}
	p.logger.Warn("terminated instances that could not be located", "instance_ids", ids)
}

// DescribeInstance returns the current state of an instance. An instance
// that is not visible yet is reported as pending.
func (p *Provider) DescribeInstance(ctx context.Context, id string) (*types.Instance, error) {
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		if isErrorCode(err, "InvalidInstanceID.NotFound") {
			return &types.Instance{ID: id, State: types.InstanceStatePending}, nil
		}
		return nil, fmt.Errorf("failed to describe instance %s: %w", id, err)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			return toInstance(inst), nil
		}
	}
	return &types.Instance{ID: id, State: types.InstanceStatePending}, nil
}

// TerminateInstance requests termination of an instance
func (p *Provider) TerminateInstance(ctx context.Context, id string) error {
	_, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", id, err)
	}
	p.logger.Debug("instance termination requested", "instance_id", id)
	return nil
}

// CreateImage captures an image of an instance
func (p *Provider) CreateImage(ctx context.Context, instanceID, name string) (string, error) {
	out, err := p.api.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId: aws.String(instanceID),
		Name:       aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create image %s: %w", name, err)
	}
	return aws.ToString(out.ImageId), nil
}

// TagResource attaches tags to a resource
func (p *Provider) TagResource(ctx context.Context, id string, tags []types.Tag) error {
	if len(tags) == 0 {
		return nil
	}
	_, err := p.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      toEC2Tags(tags),
	})
	if err != nil {
		return fmt.Errorf("failed to tag %s: %w", id, err)
	}
	return nil
}

// DescribeImage returns the current state of an image. An image that is not
// visible yet is reported as pending.
func (p *Provider) DescribeImage(ctx context.Context, id string) (*types.Image, error) {
	out, err := p.api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{id},
	})
	if err != nil {
		if isErrorCode(err, "InvalidAMIID.NotFound") {
			return &types.Image{ID: id, State: types.ImageStatePending}, nil
		}
		return nil, fmt.Errorf("failed to describe image %s: %w", id, err)
	}

	if len(out.Images) == 0 {
		return &types.Image{ID: id, State: types.ImageStatePending}, nil
	}

	img := out.Images[0]
	return &types.Image{
		ID:    aws.ToString(img.ImageId),
		Name:  aws.ToString(img.Name),
		State: string(img.State),
	}, nil
}

func toInstance(inst ec2types.Instance) *types.Instance {
	instance := &types.Instance{
		ID:        aws.ToString(inst.InstanceId),
		PrivateIP: aws.ToString(inst.PrivateIpAddress),
		State:     types.InstanceStatePending,
	}
	if inst.State != nil {
		instance.State = string(inst.State.Name)
	}
	return instance
}

func toEC2Tags(tags []types.Tag) []ec2types.Tag {
	return lo.Map(tags, func(t types.Tag, _ int) ec2types.Tag {
		return ec2types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)}
	})
}

func isErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
