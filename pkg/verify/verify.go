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

// Package verify runs post-deploy smoke checks against deployed stacks.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamoTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/linki/cloudformation-deployer/api/v1alpha1"
)

const (
	defaultECSTimeout = 10 * time.Minute
	maxBodyLog        = 512
)

var ErrOutputMissing = errors.New("stack output missing")

type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type EventBridgeAPI interface {
	DescribeEventBus(ctx context.Context, params *eventbridge.DescribeEventBusInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DescribeEventBusOutput, error)
}

// Clients bundles the service clients of one region.
type Clients struct {
	DynamoDB    DynamoDBAPI
	S3          S3API
	EventBridge EventBridgeAPI
	ECS         ecs.DescribeServicesAPIClient
}

// Verifier checks that a deployed stack actually serves traffic and that
// the resources it exports are usable.
type Verifier struct {
	Log     logr.Logger
	HTTP    *retryablehttp.Client
	Clients func(region string) Clients
	// ECSTimeout bounds the wait for the service to become stable.
	ECSTimeout time.Duration
}

// NewHTTPClient returns a retrying client that logs through log.
func NewHTTPClient(log logr.Logger, retries int, timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 2 * time.Second
	c.RetryWaitMax = 15 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = leveledLogger{log: log.WithName("http")}
	return c
}

// Verify runs every check configured for the stack and returns all
// failures together.
func (v *Verifier) Verify(ctx context.Context, stack *v1alpha1.Stack, status *v1alpha1.StackStatus) error {
	if status == nil {
		return nil
	}
	log := v.Log.WithValues("stack", stack.Name)

	var clients Clients
	if v.Clients != nil {
		clients = v.Clients(stack.Spec.Region)
	}

	var errs []error
	if svc := stack.Spec.ECSService; svc != nil && clients.ECS != nil {
		errs = append(errs, v.checkECSService(ctx, log, clients.ECS, svc, status.Outputs))
	}
	if hc := stack.Spec.HealthCheck; hc != nil && hc.URLOutput != "" {
		errs = append(errs, v.checkHealth(ctx, log, hc, status.Outputs))
	}
	if p := stack.Spec.Probes; p != nil {
		errs = append(errs, v.checkResources(ctx, log, clients, p, status.Outputs)...)
	}
	return utilerrors.NewAggregate(errs)
}

func (v *Verifier) checkHealth(ctx context.Context, log logr.Logger, hc *v1alpha1.HealthCheck, outputs map[string]string) error {
	base, err := output(outputs, hc.URLOutput)
	if err != nil {
		return err
	}
	url := HealthURL(base, hc.Path)
	log = log.WithValues("url", url)

	client := v.HTTP
	if client == nil {
		client = NewHTTPClient(v.Log, 3, 10*time.Second)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLog))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check %s: unexpected status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	log.Info("health check passed", "body", strings.TrimSpace(string(body)))
	return nil
}

func (v *Verifier) checkECSService(ctx context.Context, log logr.Logger, client ecs.DescribeServicesAPIClient, svc *v1alpha1.ECSServiceReference, outputs map[string]string) error {
	cluster, err := output(outputs, svc.ClusterOutput)
	if err != nil {
		return err
	}
	service, err := output(outputs, svc.ServiceOutput)
	if err != nil {
		return err
	}

	timeout := v.ECSTimeout
	if timeout <= 0 {
		timeout = defaultECSTimeout
	}

	log.Info("waiting for ECS service to stabilize", "cluster", cluster, "service", service)
	waiter := ecs.NewServicesStableWaiter(client)
	if err := waiter.Wait(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{service},
	}, timeout); err != nil {
		return fmt.Errorf("ECS service %s/%s not stable: %w", cluster, service, err)
	}
	log.Info("ECS service is stable", "service", service)
	return nil
}

func (v *Verifier) checkResources(ctx context.Context, log logr.Logger, clients Clients, p *v1alpha1.ResourceProbes, outputs map[string]string) []error {
	var errs []error

	if p.TableOutput != "" && clients.DynamoDB != nil {
		errs = append(errs, probe(outputs, p.TableOutput, func(table string) error {
			resp, err := clients.DynamoDB.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
			if err != nil {
				return fmt.Errorf("table %s: %w", table, err)
			}
			if resp.Table == nil || resp.Table.TableStatus != dynamoTypes.TableStatusActive {
				var status dynamoTypes.TableStatus
				if resp.Table != nil {
					status = resp.Table.TableStatus
				}
				return fmt.Errorf("table %s is %s", table, status)
			}
			log.Info("table is active", "table", table)
			return nil
		}))
	}

	if p.BucketOutput != "" && clients.S3 != nil {
		errs = append(errs, probe(outputs, p.BucketOutput, func(bucket string) error {
			if _, err := clients.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
				return fmt.Errorf("bucket %s: %w", bucket, err)
			}
			log.Info("bucket is reachable", "bucket", bucket)
			return nil
		}))
	}

	if p.EventBusOutput != "" && clients.EventBridge != nil {
		errs = append(errs, probe(outputs, p.EventBusOutput, func(bus string) error {
			if _, err := clients.EventBridge.DescribeEventBus(ctx, &eventbridge.DescribeEventBusInput{Name: aws.String(bus)}); err != nil {
				return fmt.Errorf("event bus %s: %w", bus, err)
			}
			log.Info("event bus exists", "eventBus", bus)
			return nil
		}))
	}

	return errs
}

func probe(outputs map[string]string, key string, check func(string) error) error {
	value, err := output(outputs, key)
	if err != nil {
		return err
	}
	return check(value)
}

func output(outputs map[string]string, key string) (string, error) {
	v, ok := outputs[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrOutputMissing, key)
	}
	return v, nil
}

// HealthURL joins a service URL output with a path. Bare host names get an
// http scheme.
func HealthURL(base, path string) string {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
