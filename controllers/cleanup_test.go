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

package controllers

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cfTypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linki/cloudformation-deployer/api/v1alpha1"
)

const testManifest = `
apiVersion: deployer.linki.space/v1alpha1
kind: Pipeline
metadata:
  name: high-scalable
spec:
  region: us-west-2
  namingPrefixes: [high-scalable, fastapi]
  repository: fastapi-app
  stacks:
    - name: high-scalable-waf-global
      region: us-east-1
      template: waf-global.yaml
    - name: high-scalable-network
      template: network.yaml
    - name: high-scalable-application
      template: application.yaml
      probes:
        tableOutput: OrdersTableName
    - name: fastapi-ecs-fargate
      compute: true
      template: ecs-fargate.yaml
      parameters:
        ImageUri: ${IMAGE_URI}
        NetworkStackName: high-scalable-network
      parameterOutputs:
        TableName:
          stack: high-scalable-application
          output: OrdersTableName
        S3Bucket:
          stack: high-scalable-application
          output: DataBucketName
      healthCheck:
        urlOutput: LoadBalancerURL
`

func testPipeline(t *testing.T) *v1alpha1.Pipeline {
	t.Helper()
	p, err := v1alpha1.ParsePipeline([]byte(testManifest))
	require.NoError(t, err)
	return p
}

func TestCleanupDeletesInReverseOrder(t *testing.T) {
	p := newFakeProvider("us-west-2", "us-east-1")
	west := p.regions["us-west-2"]
	west.withStack("high-scalable-network", cfTypes.StackStatusCreateComplete)
	west.withStack("high-scalable-application", cfTypes.StackStatusUpdateRollbackComplete)
	west.withStack("fastapi-ecs-fargate", cfTypes.StackStatusCreateComplete)
	p.regions["us-east-1"].withStack("high-scalable-waf-global", cfTypes.StackStatusCreateComplete)

	c := &Cleaner{Log: logr.Discard(), Reconciler: newTestReconciler(p)}
	report, err := c.Cleanup(context.Background(), testPipeline(t))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"DeleteStack us-west-2 fastapi-ecs-fargate",
		"DeleteStack us-west-2 high-scalable-application",
		"DeleteStack us-west-2 high-scalable-network",
		"DeleteStack us-east-1 high-scalable-waf-global",
	}, p.log.list())
	assert.Equal(t, []string{"fastapi-ecs-fargate", "high-scalable-application", "high-scalable-network", "high-scalable-waf-global"}, report.Deleted)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Leftovers)
}

func TestCleanupSkipsAbsentStacks(t *testing.T) {
	p := newFakeProvider("us-west-2", "us-east-1")
	p.regions["us-west-2"].withStack("high-scalable-network", cfTypes.StackStatusCreateComplete)

	c := &Cleaner{Log: logr.Discard(), Reconciler: newTestReconciler(p)}
	report, err := c.Cleanup(context.Background(), testPipeline(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"DeleteStack us-west-2 high-scalable-network"}, p.log.list())
	assert.Equal(t, []string{"fastapi-ecs-fargate", "high-scalable-application", "high-scalable-waf-global"}, report.Skipped)
}

func TestCleanupContinuesAfterFailure(t *testing.T) {
	p := newFakeProvider("us-west-2", "us-east-1")
	west := p.regions["us-west-2"]
	west.withStack("high-scalable-network", cfTypes.StackStatusCreateComplete)
	west.withStack("high-scalable-application", cfTypes.StackStatusCreateComplete)
	west.deleteResult["high-scalable-application"] = cfTypes.StackStatusDeleteFailed

	created := time.Now().Add(-48 * time.Hour)
	west.listed = []cfTypes.StackSummary{
		{StackName: aws.String("high-scalable-legacy"), StackStatus: cfTypes.StackStatusRollbackComplete, CreationTime: &created},
		{StackName: aws.String("someone-elses-stack"), StackStatus: cfTypes.StackStatusCreateComplete, CreationTime: &created},
		{StackName: aws.String("fastapi-old"), StackStatus: cfTypes.StackStatusDeleteComplete, CreationTime: &created},
	}

	c := &Cleaner{Log: logr.Discard(), Reconciler: newTestReconciler(p)}
	report, err := c.Cleanup(context.Background(), testPipeline(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "high-scalable-application")

	// The network stack is still deleted after the application stack failed.
	assert.Equal(t, []string{
		"DeleteStack us-west-2 high-scalable-application",
		"DeleteStack us-west-2 high-scalable-network",
	}, p.log.list())
	assert.Equal(t, []string{"high-scalable-application"}, report.Failed)
	assert.Equal(t, []string{"high-scalable-network"}, report.Deleted)

	var names []string
	for _, l := range report.Leftovers {
		names = append(names, l.Name)
		assert.Equal(t, "us-west-2", l.Region)
	}
	assert.Equal(t, []string{"high-scalable-application", "high-scalable-legacy"}, names)
	assert.Equal(t, string(cfTypes.StackStatusDeleteFailed), report.Leftovers[0].Status)
	assert.Equal(t, created, report.Leftovers[1].LastChanged)
}

func TestCleanupDryRun(t *testing.T) {
	p := newFakeProvider("us-west-2", "us-east-1")
	p.regions["us-west-2"].withStack("high-scalable-network", cfTypes.StackStatusCreateComplete)

	r := newTestReconciler(p)
	r.DryRun = true
	c := &Cleaner{Log: logr.Discard(), Reconciler: r}

	report, err := c.Cleanup(context.Background(), testPipeline(t))
	require.NoError(t, err)
	assert.Empty(t, p.log.list())
	require.Len(t, report.Leftovers, 1)
	assert.Equal(t, "high-scalable-network", report.Leftovers[0].Name)
}
