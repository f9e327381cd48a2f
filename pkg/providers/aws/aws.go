// Package aws provisions resources as EC2 instances.
package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/engine"
	"github.com/labforge/labforge/pkg/providers"
)

// DefaultName is the provider id used when Config.Name is empty.
const DefaultName = "aws"

// Config describes one EC2 region. Credentials follow the SDK's default
// chain (environment, shared config, instance role).
type Config struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Region  string `mapstructure:"region" yaml:"region"`
	Profile string `mapstructure:"profile" yaml:"profile"`

	// AMI and InstanceType are used when a request does not name its own.
	AMI          string `mapstructure:"ami" yaml:"ami"`
	InstanceType string `mapstructure:"instance_type" yaml:"instance_type"`

	SubnetID         string   `mapstructure:"subnet_id" yaml:"subnet_id"`
	SecurityGroupIDs []string `mapstructure:"security_group_ids" yaml:"security_group_ids"`
	KeyName          string   `mapstructure:"key_name" yaml:"key_name"`

	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
}

// New opens an SDK session for cfg and returns the adapter.
func New(cfg Config, keys providers.KeyInstaller, logger zerolog.Logger) (*providers.Adapter, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            aws.Config{Region: aws.String(cfg.Region)},
		Profile:           cfg.Profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return NewWithClient(cfg, ec2.New(sess), keys, logger)
}

// NewWithClient builds the adapter on an existing EC2 client.
func NewWithClient(cfg Config, api ec2iface.EC2API, keys providers.KeyInstaller, logger zerolog.Logger) (*providers.Adapter, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	return providers.NewAdapter(providers.Options{
		Name:         cfg.Name,
		Compute:      &Compute{api: api, config: cfg},
		Keys:         keys,
		Classify:     Classify,
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
		Logger:       logger,
	})
}

// Compute drives EC2.
type Compute struct {
	api    ec2iface.EC2API
	config Config
}

var _ providers.Compute = (*Compute)(nil)

// Launch runs one instance. The client token makes a retried launch of the
// same dispatch idempotent on the EC2 side.
func (c *Compute) Launch(ctx context.Context, req engine.ActionRequest) (string, error) {
	ami := req.Spec.Image
	if ami == "" {
		ami = c.config.AMI
	}
	instanceType := req.Spec.Shape
	if instanceType == "" {
		instanceType = c.config.InstanceType
	}
	if ami == "" || instanceType == "" {
		return "", engine.NewValidationError("aws needs an AMI and an instance type for %s", req.ResourceID)
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(ami),
		InstanceType: aws.String(instanceType),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		ClientToken:  aws.String(req.ResourceID + "-" + strconv.FormatInt(req.Sequence, 10)),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags: []*ec2.Tag{
				{Key: aws.String("Name"), Value: aws.String(fmt.Sprintf("labforge-%s-%s", req.Project, req.Name))},
				{Key: aws.String("labforge:resource"), Value: aws.String(req.ResourceID)},
				{Key: aws.String("labforge:type"), Value: aws.String(string(req.Type))},
				{Key: aws.String("labforge:project"), Value: aws.String(req.Project)},
				{Key: aws.String("labforge:owner"), Value: aws.String(req.Owner)},
			},
		}},
	}
	if c.config.SubnetID != "" {
		input.SubnetId = aws.String(c.config.SubnetID)
	}
	if len(c.config.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = aws.StringSlice(c.config.SecurityGroupIDs)
	}
	if c.config.KeyName != "" {
		input.KeyName = aws.String(c.config.KeyName)
	}

	out, err := c.api.RunInstancesWithContext(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return "", errors.New("run instances returned no instance")
	}
	return aws.StringValue(out.Instances[0].InstanceId), nil
}

// Start implements providers.Compute.
func (c *Compute) Start(ctx context.Context, id string) error {
	_, err := c.api.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{InstanceIds: aws.StringSlice([]string{id})})
	return notFound(id, err)
}

// Stop implements providers.Compute.
func (c *Compute) Stop(ctx context.Context, id string) error {
	_, err := c.api.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{InstanceIds: aws.StringSlice([]string{id})})
	return notFound(id, err)
}

// Delete implements providers.Compute.
func (c *Compute) Delete(ctx context.Context, id string) error {
	_, err := c.api.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{InstanceIds: aws.StringSlice([]string{id})})
	return notFound(id, err)
}

// Describe implements providers.Compute.
func (c *Compute) Describe(ctx context.Context, id string) (*providers.Instance, error) {
	out, err := c.api.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: aws.StringSlice([]string{id})})
	if err != nil {
		return nil, notFound(id, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.StringValue(inst.InstanceId) == id {
				return instance(inst), nil
			}
		}
	}
	return nil, fmt.Errorf("instance %s: %w", id, providers.ErrInstanceNotFound)
}

func instance(inst *ec2.Instance) *providers.Instance {
	out := &providers.Instance{
		ID:    aws.StringValue(inst.InstanceId),
		State: providers.StatePending,
		Network: engine.NetworkInfo{
			PublicIP:  aws.StringValue(inst.PublicIpAddress),
			PrivateIP: aws.StringValue(inst.PrivateIpAddress),
			Hostname:  aws.StringValue(inst.PublicDnsName),
			SubnetID:  aws.StringValue(inst.SubnetId),
		},
	}
	if out.Network.Hostname == "" {
		out.Network.Hostname = aws.StringValue(inst.PrivateDnsName)
	}
	if inst.State != nil {
		out.State = instanceState(aws.StringValue(inst.State.Name))
	}
	if inst.StateReason != nil {
		out.Fault = aws.StringValue(inst.StateReason.Message)
	}
	return out
}

func instanceState(name string) providers.InstanceState {
	switch name {
	case ec2.InstanceStateNameRunning:
		return providers.StateRunning
	case ec2.InstanceStateNameStopping:
		return providers.StateStopping
	case ec2.InstanceStateNameStopped:
		return providers.StateStopped
	case ec2.InstanceStateNameShuttingDown:
		return providers.StateDeleting
	case ec2.InstanceStateNameTerminated:
		return providers.StateDeleted
	default:
		return providers.StatePending
	}
}

var transientCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"InternalError":                true,
	"ServiceUnavailable":           true,
	"Unavailable":                  true,
}

// Classify maps EC2 error codes onto engine error classes.
func Classify(provider string, err error) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}

	class := engine.ErrorClassTransient
	var aerr awserr.Error
	switch {
	case errors.Is(err, providers.ErrInstanceNotFound):
		class = engine.ErrorClassPermanent
	case request.IsErrorThrottle(unwrapAWS(err)):
		class = engine.ErrorClassThrottled
	case errors.As(err, &aerr):
		var rf awserr.RequestFailure
		switch code := aerr.Code(); {
		case code == "IncorrectInstanceState" || code == "IncorrectState":
			class = engine.ErrorClassConflict
		case transientCodes[code] || request.IsErrorRetryable(aerr):
			class = engine.ErrorClassTransient
		case errors.As(err, &rf) && rf.StatusCode() >= 500:
			class = engine.ErrorClassTransient
		default:
			class = engine.ErrorClassPermanent
		}
	}
	return engine.NewCloudProviderError(class, provider, err)
}

func unwrapAWS(err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr
	}
	return err
}

func notFound(id string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) && strings.HasPrefix(aerr.Code(), "InvalidInstanceID.") {
		return fmt.Errorf("instance %s: %w", id, providers.ErrInstanceNotFound)
	}
	return err
}
