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

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrTypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linki/cloudformation-deployer/api/v1alpha1"
	"github.com/linki/cloudformation-deployer/pkg/image"
	"github.com/linki/cloudformation-deployer/pkg/tfstate"
)

func TestBuiltinManifest(t *testing.T) {
	p, err := loadPipeline("")
	require.NoError(t, err)

	var names []string
	for _, s := range p.Spec.Stacks {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"high-scalable-waf-global",
		"high-scalable-network",
		"high-scalable-application",
		"fastapi-ecs-fargate",
	}, names)
	assert.Equal(t, "us-east-1", p.StackByName("high-scalable-waf-global").Spec.Region)
	assert.Equal(t, "cloudformation/network.yaml", p.TemplatePath(p.StackByName("high-scalable-network")))

	compute := p.StackByName("fastapi-ecs-fargate")
	assert.True(t, compute.Spec.Compute)
	assert.Equal(t, v1alpha1.OutputReference{Stack: "high-scalable-application", Output: "OrdersTableName"}, compute.Spec.ParameterOutputs["TableName"])
}

func TestApplyParameterOverrides(t *testing.T) {
	p, err := loadPipeline("")
	require.NoError(t, err)

	applyParameterOverrides(p, map[string]string{
		"DesiredCount": "4",
		"TableName":    "orders-manual",
		"Unknown":      "ignored",
	})

	compute := p.StackByName("fastapi-ecs-fargate")
	assert.Equal(t, "4", compute.Spec.Parameters["DesiredCount"])
	assert.Equal(t, "orders-manual", compute.Spec.Parameters["TableName"])
	assert.NotContains(t, compute.Spec.ParameterOutputs, "TableName")
	assert.Contains(t, compute.Spec.ParameterOutputs, "EventBusName")
	for _, s := range p.Spec.Stacks {
		assert.NotContains(t, s.Spec.Parameters, "Unknown")
	}
}

func TestImageVariables(t *testing.T) {
	assert.Nil(t, imageVariables(nil))
	assert.Equal(t, map[string]string{
		"IMAGE_URI":    "registry/fastapi-app:abc123",
		"IMAGE_TAG":    "abc123",
		"ECR_REGISTRY": "registry",
	}, imageVariables(&image.Decision{Tag: "abc123", Registry: "registry", ImageURI: "registry/fastapi-app:abc123"}))
}

type stubECR struct {
	tags map[string]bool
}

func (e *stubECR) DescribeImages(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error) {
	tag := aws.ToString(params.ImageIds[0].ImageTag)
	if !e.tags[tag] {
		return nil, &ecrTypes.ImageNotFoundException{Message: aws.String("image not found")}
	}
	return &ecr.DescribeImagesOutput{ImageDetails: []ecrTypes.ImageDetail{{ImageTags: []string{tag}}}}, nil
}

func (e *stubECR) DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	return &ecr.DescribeRepositoriesOutput{}, nil
}

func (e *stubECR) GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	return &ecr.GetAuthorizationTokenOutput{AuthorizationData: []ecrTypes.AuthorizationData{{
		AuthorizationToken: aws.String("QVdTOnNlY3JldA=="), // AWS:secret
	}}}, nil
}

// failingRunner fails every docker command except login.
type failingRunner struct {
	commands []string
}

func (r *failingRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) error {
	r.commands = append(r.commands, args[0])
	if args[0] == "login" {
		return nil
	}
	return errors.New("docker " + args[0] + ": exit status 1")
}

func TestImageStage(t *testing.T) {
	const uri = "123456789012.dkr.ecr.us-west-2.amazonaws.com/fastapi-app"

	for _, tc := range []struct {
		name         string
		tags         map[string]bool
		shouldDeploy bool
		commands     []string
		err          string
	}{
		{
			name:     "build fails",
			tags:     map[string]bool{},
			commands: []string{"login", "build"},
			err:      "docker build",
		},
		{
			name:     "image exists",
			tags:     map[string]bool{"abc123": true},
			commands: nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fake := &stubECR{tags: tc.tags}
			runner := &failingRunner{}
			gate := &image.Gate{ECR: fake, Repository: "fastapi-app", RepositoryURI: uri, Log: logr.Discard()}
			publisher := &image.Publisher{ECR: fake, Runner: runner, Log: logr.Discard()}
			var written map[string]string

			stage := imageStage(func(ctx context.Context) (*image.Decision, error) {
				return gate.Check(ctx, "abc123", false)
			}, publisher.Publish, func(outputs map[string]string) error {
				written = outputs
				return nil
			})

			shouldDeploy, variables, err := stage(context.Background())
			assert.Equal(t, tc.commands, runner.commands)
			assert.Equal(t, uri+":abc123", written["image-uri"])
			if tc.err != "" {
				assert.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.shouldDeploy, shouldDeploy)
			assert.Equal(t, uri+":abc123", variables["IMAGE_URI"])
		})
	}

	t.Run("no repository", func(t *testing.T) {
		stage := imageStage(func(ctx context.Context) (*image.Decision, error) {
			return nil, nil
		}, nil, func(map[string]string) error {
			t.Fatal("no outputs expected")
			return nil
		})
		shouldDeploy, variables, err := stage(context.Background())
		require.NoError(t, err)
		assert.True(t, shouldDeploy)
		assert.Nil(t, variables)
	})
}

func TestRepositoryFallsBackToTerraformState(t *testing.T) {
	state, err := tfstate.Parse([]byte(`{"version": 4, "outputs": {"ecr_repository_name": {"value": "fastapi-app"}}}`))
	require.NoError(t, err)

	a := &app{log: logr.Discard(), pipeline: &v1alpha1.Pipeline{}, state: state}
	assert.Equal(t, "fastapi-app", a.repository())

	a.pipeline.Spec.Repository = "orders-api"
	assert.Equal(t, "orders-api", a.repository())

	a.pipeline.Spec.Repository = ""
	a.state = nil
	assert.Empty(t, a.repository())
}

func TestPromptDelete(t *testing.T) {
	p, err := loadPipeline("")
	require.NoError(t, err)

	for answer, expected := range map[string]bool{
		"y\n":   true,
		"YES\n": true,
		"n\n":   false,
		"\n":    false,
		"":      false,
	} {
		var out bytes.Buffer
		ok, err := promptDelete(strings.NewReader(answer), &out, p)
		require.NoError(t, err)
		assert.Equal(t, expected, ok, "answer %q", answer)

		listing := out.String()
		assert.Less(t, strings.Index(listing, "fastapi-ecs-fargate"), strings.Index(listing, "high-scalable-application"))
		assert.Less(t, strings.Index(listing, "high-scalable-application"), strings.Index(listing, "high-scalable-network"))
	}
}

func TestRunWithoutAWS(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		code int
		out  string
	}{
		{name: "no command", args: nil, code: 1},
		{name: "unknown command", args: []string{"explode"}, code: 1},
		{name: "version", args: []string{"version"}, code: 0, out: version},
		{name: "help", args: []string{"help"}, code: 0},
		{name: "bad flag", args: []string{"status", "--no-such-flag"}, code: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, tc.code, run(tc.args, &stdout, &stderr))
			assert.Contains(t, stdout.String(), tc.out)
		})
	}
}

func TestLookupCommand(t *testing.T) {
	for _, name := range []string{"deploy", "reconcile", "cleanup", "gate", "publish", "status"} {
		assert.NotNil(t, lookupCommand(name), name)
	}
	assert.Nil(t, lookupCommand("apply"))
}
