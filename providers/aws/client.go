package aws

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cluster-scheduler/core/models"
)

const (
	defaultInstanceType = "m5.2xlarge"
	readyPollInterval   = 5 * time.Second
	readyTimeout        = 5 * time.Minute
)

// Client provisions worker nodes as EC2 instances. It implements the
// autoscaler's Provisioner interface.
type Client struct {
	ec2Client     *ec2.Client
	pricingClient *pricing.Client
	region        string
	imageID       string
}

// NewClient creates an AWS provisioning client for one region.
// imageID is the AMI launched for worker nodes.
func NewClient(ctx context.Context, region, imageID string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS config")
	}

	return &Client{
		ec2Client: ec2.NewFromConfig(cfg),
		// The Pricing API is only served from us-east-1.
		pricingClient: pricing.NewFromConfig(cfg, func(o *pricing.Options) {
			o.Region = "us-east-1"
		}),
		region:  region,
		imageID: imageID,
	}, nil
}

// Provision launches one EC2 instance for the node spec and returns
// its instance ID. Transient API errors are retried.
func (c *Client) Provision(ctx context.Context, spec models.NodeSpec) (string, error) {
	instanceType := spec.Configuration["instanceType"]
	if instanceType == "" {
		instanceType = defaultInstanceType
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(c.imageID),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String(spec.Name)},
					{Key: aws.String("ManagedBy"), Value: aws.String("cluster-scheduler")},
					{Key: aws.String("WorkerType"), Value: aws.String(spec.Type)},
				},
			},
		},
	}

	var instanceID string
	err := retry.Do(
		func() error {
			result, err := c.ec2Client.RunInstances(ctx, input)
			if err != nil {
				return err
			}
			if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
				return errors.New("RunInstances returned no instances")
			}
			instanceID = *result.Instances[0].InstanceId
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", errors.Wrapf(err, "launching %s in %s", instanceType, c.region)
	}

	log.WithFields(log.Fields{"instanceId": instanceID, "type": instanceType}).
		Info("EC2 instance launched")
	return instanceID, nil
}

// AwaitReady polls until the instance reports running
func (c *Client) AwaitReady(ctx context.Context, providerID string) error {
	deadline := time.Now().Add(readyTimeout)
	for {
		out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{providerID},
		})
		if err == nil {
			for _, res := range out.Reservations {
				for _, inst := range res.Instances {
					if inst.State != nil && inst.State.Name == ec2types.InstanceStateNameRunning {
						return nil
					}
				}
			}
		} else {
			log.WithError(err).WithField("instanceId", providerID).Warn("DescribeInstances failed")
		}

		if time.Now().After(deadline) {
			return errors.Errorf("instance %s not running after %s", providerID, readyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

// Deprovision terminates the instance
func (c *Client) Deprovision(ctx context.Context, providerID string) error {
	err := retry.Do(
		func() error {
			_, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
				InstanceIds: []string{providerID},
			})
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errors.Wrapf(err, "terminating %s", providerID)
	}
	log.WithField("instanceId", providerID).Info("EC2 instance terminated")
	return nil
}
