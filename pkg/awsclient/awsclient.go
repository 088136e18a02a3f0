/*
MIT License

Copyright (c) 2018 Martin Linkhorst
Copyright (c) 2021 Stephen Cuppett

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package awsclient loads AWS configuration and hands out per-region
// service clients that share one credential chain.
package awsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-logr/logr"

	"github.com/linki/cloudformation-deployer/controllers"
)

type options struct {
	profile     string
	region      string
	assumeRole  string
	sessionName string
	retryer     func() aws.Retryer
}

// Option customizes how AWS config is loaded. Without options the shared
// config chain (AWS_PROFILE, ~/.aws/config, env, IMDS) is used as is.
type Option func(*options)

func WithProfile(profile string) Option {
	return func(o *options) { o.profile = profile }
}

func WithRegion(region string) Option {
	return func(o *options) { o.region = region }
}

// WithAssumeRole makes every client act as the given role. The base
// credentials are only used to call sts:AssumeRole.
func WithAssumeRole(roleARN string) Option {
	return func(o *options) { o.assumeRole = roleARN }
}

func WithSessionName(name string) Option {
	return func(o *options) { o.sessionName = name }
}

// WithRetryer injects a custom retryer; if not set, SDK defaults are used.
func WithRetryer(newRetryer func() aws.Retryer) Option {
	return func(o *options) { o.retryer = newRetryer }
}

// LoadConfig loads AWS SDK v2 config and wires the assume-role provider when
// one was requested.
func LoadConfig(ctx context.Context, opts ...Option) (aws.Config, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var loadOpts []func(*config.LoadOptions) error
	if o.profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(o.profile))
	}
	if o.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.region))
	}
	if o.retryer != nil {
		loadOpts = append(loadOpts, config.WithRetryer(o.retryer))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}

	if o.assumeRole != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), o.assumeRole, func(ao *stscreds.AssumeRoleOptions) {
			if o.sessionName != "" {
				ao.RoleSessionName = o.sessionName
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return cfg, nil
}

// Factory creates service clients for arbitrary regions from one base
// config. Clients are cached per region.
type Factory struct {
	Config aws.Config

	mu             sync.Mutex
	cloudFormation map[string]*cloudformation.Client
}

func NewFactory(cfg aws.Config) *Factory {
	return &Factory{Config: cfg, cloudFormation: map[string]*cloudformation.Client{}}
}

// Region is the default region of the base config.
func (f *Factory) Region() string {
	return f.Config.Region
}

func (f *Factory) configFor(region string) aws.Config {
	cfg := f.Config.Copy()
	if region != "" {
		cfg.Region = region
	}
	return cfg
}

// CloudFormation satisfies controllers.CloudFormationProvider.
func (f *Factory) CloudFormation(region string) controllers.CloudFormationAPI {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cloudFormation == nil {
		f.cloudFormation = map[string]*cloudformation.Client{}
	}
	if client, ok := f.cloudFormation[region]; ok {
		return client
	}
	client := cloudformation.NewFromConfig(f.configFor(region))
	f.cloudFormation[region] = client
	return client
}

func (f *Factory) ECR(region string) *ecr.Client {
	return ecr.NewFromConfig(f.configFor(region))
}

func (f *Factory) S3(region string) *s3.Client {
	return s3.NewFromConfig(f.configFor(region))
}

func (f *Factory) DynamoDB(region string) *dynamodb.Client {
	return dynamodb.NewFromConfig(f.configFor(region))
}

func (f *Factory) EventBridge(region string) *eventbridge.Client {
	return eventbridge.NewFromConfig(f.configFor(region))
}

func (f *Factory) ECS(region string) *ecs.Client {
	return ecs.NewFromConfig(f.configFor(region))
}

func (f *Factory) STS(region string) *sts.Client {
	return sts.NewFromConfig(f.configFor(region))
}

var _ controllers.CloudFormationProvider = (*Factory)(nil)

// STSAPI is the part of STS used to report who the deployer runs as.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type Identity struct {
	Account string
	ARN     string
	UserID  string
}

// CallerIdentity resolves the effective principal and logs it.
func CallerIdentity(ctx context.Context, client STSAPI, log logr.Logger) (*Identity, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("resolving caller identity: %w", err)
	}
	id := &Identity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}
	log.Info("running as", "account", id.Account, "arn", id.ARN)
	return id, nil
}
