// Package cloud wraps the EC2 API surface the harness needs: tag-based
// instance lookup, creation, tagging, termination and key pair import.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"

	"github.com/knife-solo/harness/internal/config"
)

// API is the slice of the EC2 client the harness calls. Kept as an
// interface so tests can substitute a mock.
type API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	ImportKeyPair(ctx context.Context, params *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
}

var _ API = (*ec2.Client)(nil)

const DefaultRegion = "us-east-1"

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrKeyPairExists    = errors.New("key pair already exists, delete it in the EC2 console or reuse the existing private key")
)

// Client is a thin adapter over the EC2 API.
type Client struct {
	api API
}

// New builds a Client from the credentials file values. Region falls back
// to DefaultRegion.
func New(ctx context.Context, cfg *config.Config, region string) (*Client, error) {
	if region == "" {
		region = DefaultRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &Client{api: ec2.NewFromConfig(awsCfg)}, nil
}

// NewFromAPI wraps an existing (possibly mock) EC2 API.
func NewFromAPI(api API) *Client {
	return &Client{api: api}
}

// CreateInput describes the instance to launch.
type CreateInput struct {
	Name         string // test identity, becomes the 'name' tag
	Owner        string // becomes the 'integration_user' tag
	ImageID      string
	InstanceType string
	KeyName      string
}

// Create launches one instance carrying the identity and owner tags and
// returns the handle. The instance is usually still pending on return.
func (c *Client) Create(ctx context.Context, in CreateInput) (*Instance, error) {
	log := clog.FromContext(ctx)

	result, err := c.api.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(in.ImageID),
		InstanceType: types.InstanceType(in.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		KeyName:      aws.String(in.KeyName),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String(TagName), Value: aws.String(in.Name)},
				{Key: aws.String(TagOwner), Value: aws.String(in.Owner)},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("launching instance: %w", err)
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return nil, fmt.Errorf("no instance returned from launch")
	}

	inst := fromEC2(result.Instances[0])
	log.Info("launched instance", "id", inst.ID, "name", in.Name)
	return inst, nil
}

// FindByName returns the running (or pending) instance tagged with the
// given test identity, or ErrInstanceNotFound. The harness assumes at
// most one such instance exists; extra matches are logged and ignored.
func (c *Client) FindByName(ctx context.Context, name string) (*Instance, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + TagName), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("looking up instance %q: %w", name, err)
	}

	matches := flatten(out)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, name)
	}
	if len(matches) > 1 {
		clog.FromContext(ctx).Warn("multiple instances carry the same identity tag, using the first",
			"name", name, "count", len(matches))
	}
	return matches[0], nil
}

// ListByOwner returns all running instances tagged with the owning user.
func (c *Client) ListByOwner(ctx context.Context, owner string) ([]*Instance, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + TagOwner), Values: []string{owner}},
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing instances for %q: %w", owner, err)
	}
	return flatten(out), nil
}

// Describe re-reads a single instance by ID.
func (c *Client) Describe(ctx context.Context, id string) (*Instance, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return nil, fmt.Errorf("describing instance %s: %w", id, err)
	}
	matches := flatten(out)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return matches[0], nil
}

// Tag attaches a single key-value tag to an instance. Re-tagging with the
// same pair is harmless.
func (c *Client) Tag(ctx context.Context, id, key, value string) error {
	_, err := c.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags: []types.Tag{
			{Key: aws.String(key), Value: aws.String(value)},
		},
	})
	if err != nil {
		return fmt.Errorf("tagging instance %s with %s=%s: %w", id, key, value, err)
	}
	return nil
}

// Terminate destroys an instance.
func (c *Client) Terminate(ctx context.Context, id string) error {
	_, err := c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("terminating instance %s: %w", id, err)
	}
	clog.FromContext(ctx).Info("terminated instance", "id", id)
	return nil
}

// ImportKeyPair registers an OpenSSH public key under the given name. A
// duplicate-key API error is re-raised as ErrKeyPairExists so the caller
// gets an actionable message instead of a raw API code.
func (c *Client) ImportKeyPair(ctx context.Context, name string, publicKey []byte) error {
	_, err := c.api.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: publicKey,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && strings.Contains(apiErr.ErrorCode(), "Duplicate") {
			return fmt.Errorf("%w: %s", ErrKeyPairExists, name)
		}
		return fmt.Errorf("importing key pair %q: %w", name, err)
	}
	clog.FromContext(ctx).Info("imported key pair", "name", name)
	return nil
}

func flatten(out *ec2.DescribeInstancesOutput) []*Instance {
	var instances []*Instance
	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			instances = append(instances, fromEC2(i))
		}
	}
	return instances
}
