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

package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/go-logr/logr"
)

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) error
}

// ExecRunner runs commands on the host, streaming their output.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (r ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stderr
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return nil
}

// Publisher builds an image with docker and pushes it to ECR.
type Publisher struct {
	ECR        ECRAPI
	Runner     Runner
	Log        logr.Logger
	Context    string
	Dockerfile string
	Platform   string
	DryRun     bool
}

// Publish logs in to the registry, builds and pushes d.ImageURI. It is a
// no-op when the image is already in the registry.
func (p *Publisher) Publish(ctx context.Context, d *Decision) error {
	log := p.Log.WithValues("image", d.ImageURI)
	if d.Exists {
		log.Info("image exists, skipping build")
		return nil
	}
	if p.DryRun {
		log.Info("dry run, skipping build and push")
		return nil
	}

	if err := p.login(ctx, d.Registry); err != nil {
		return err
	}

	args := []string{"build", "--tag", d.ImageURI}
	if p.Dockerfile != "" {
		args = append(args, "--file", p.Dockerfile)
	}
	if p.Platform != "" {
		args = append(args, "--platform", p.Platform)
	}
	args = append(args, p.buildContext())

	log.Info("building image")
	if err := p.Runner.Run(ctx, nil, "docker", args...); err != nil {
		return err
	}
	log.Info("pushing image")
	return p.Runner.Run(ctx, nil, "docker", "push", d.ImageURI)
}

func (p *Publisher) login(ctx context.Context, registry string) error {
	resp, err := p.ECR.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return fmt.Errorf("getting ECR authorization token: %w", err)
	}
	if len(resp.AuthorizationData) == 0 {
		return fmt.Errorf("no ECR authorization data returned")
	}

	data := resp.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return fmt.Errorf("decoding ECR authorization token: %w", err)
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return fmt.Errorf("malformed ECR authorization token")
	}

	if registry == "" {
		registry = strings.TrimPrefix(aws.ToString(data.ProxyEndpoint), "https://")
	}
	return p.Runner.Run(ctx, bytes.NewBufferString(password), "docker", "login", "--username", user, "--password-stdin", registry)
}

func (p *Publisher) buildContext() string {
	if p.Context == "" {
		return "."
	}
	return p.Context
}
