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
	coreerrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/linki/cloudformation-deployer/api/v1alpha1"
)

var ErrMissingOutput = coreerrors.New("output not found")

// Verifier runs post-deploy smoke checks against a stack. Its errors are
// reported but never fail a run.
type Verifier interface {
	Verify(ctx context.Context, stack *v1alpha1.Stack, status *v1alpha1.StackStatus) error
}

// ImageStage prepares the image compute stacks run from. It reports whether
// compute stacks should be deployed and the variables their parameters
// may reference.
type ImageStage func(ctx context.Context) (shouldDeploy bool, variables map[string]string, err error)

type RunOptions struct {
	// ShouldDeploy is the image gate decision. Compute stacks are skipped
	// when it is false.
	ShouldDeploy bool
	// Image runs before the first stack and replaces ShouldDeploy and
	// Variables with its results. Its failure fails the run like a stack
	// failure does.
	Image ImageStage
	// Only restricts the run to a single stack.
	Only string
	// Variables are substituted into ${NAME} references in parameter values
	// before falling back to the environment.
	Variables map[string]string
}

type RunResult struct {
	Deployed []string
	Skipped  []string
	Statuses map[string]*v1alpha1.StackStatus
	Cleanup  *CleanupReport
}

// PipelineRunner applies the stacks of a pipeline in order.
type PipelineRunner struct {
	Log        logr.Logger
	Reconciler *StackReconciler
	Cleaner    *Cleaner
	Verifier   Verifier
	// SettleTime is waited before smoke checks run.
	SettleTime       time.Duration
	CleanupOnFailure bool

	sleep func(ctx context.Context, d time.Duration) error
}

// Run reconciles every stack in pipeline order. The first failing stack
// stops the run; with CleanupOnFailure the whole pipeline is then torn down
// in reverse order.
func (p *PipelineRunner) Run(ctx context.Context, pipeline *v1alpha1.Pipeline, opts RunOptions) (*RunResult, error) {
	result := &RunResult{Statuses: map[string]*v1alpha1.StackStatus{}}

	if opts.Only != "" && pipeline.StackByName(opts.Only) == nil {
		return result, fmt.Errorf("stack %q is not part of pipeline %s", opts.Only, pipeline.Metadata.Name)
	}

	if opts.Image != nil {
		shouldDeploy, variables, err := opts.Image(ctx)
		if err != nil {
			p.Log.Error(err, "image stage failed")
			p.abort(ctx, pipeline, result)
			return result, err
		}
		opts.ShouldDeploy, opts.Variables = shouldDeploy, variables
	}

	var deployed []*v1alpha1.Stack
	for i := range pipeline.Spec.Stacks {
		stack := &pipeline.Spec.Stacks[i]
		if opts.Only != "" && stack.Name != opts.Only {
			continue
		}
		log := p.Log.WithValues("stack", stack.Name)

		if stack.Spec.Compute && !opts.ShouldDeploy {
			log.Info("image unchanged, skipping compute stack")
			result.Skipped = append(result.Skipped, stack.Name)
			continue
		}

		resolved, err := p.resolveStack(ctx, pipeline, stack, result, opts)
		if err == nil {
			var status *v1alpha1.StackStatus
			status, err = p.Reconciler.Reconcile(ctx, resolved)
			if err == nil {
				result.Statuses[stack.Name] = status
				result.Deployed = append(result.Deployed, stack.Name)
				deployed = append(deployed, resolved)
				continue
			}
		}

		log.Error(err, "stack deployment failed")
		p.abort(ctx, pipeline, result)
		return result, err
	}

	p.verify(ctx, deployed, result)
	return result, nil
}

// abort tears the pipeline down in reverse order when CleanupOnFailure is
// set. The cleanup outlives a cancelled ctx.
func (p *PipelineRunner) abort(ctx context.Context, pipeline *v1alpha1.Pipeline, result *RunResult) {
	if !p.CleanupOnFailure || p.Cleaner == nil {
		return
	}
	p.Log.Info("tearing down pipeline after failure")
	report, err := p.Cleaner.Cleanup(context.WithoutCancel(ctx), pipeline)
	result.Cleanup = report
	if err != nil {
		p.Log.Error(err, "cleanup after failure was incomplete")
	}
}

func (p *PipelineRunner) verify(ctx context.Context, deployed []*v1alpha1.Stack, result *RunResult) {
	if p.Verifier == nil || len(deployed) == 0 || p.Reconciler.DryRun {
		return
	}

	if p.SettleTime > 0 {
		p.Log.Info("waiting before smoke checks", "duration", p.SettleTime.String())
		if err := p.sleepFor(ctx, p.SettleTime); err != nil {
			p.Log.Info("smoke checks cancelled", "error", err.Error())
			return
		}
	}

	for _, stack := range deployed {
		if err := p.Verifier.Verify(ctx, stack, result.Statuses[stack.Name]); err != nil {
			p.Log.Info("smoke check failed, continuing...", "stack", stack.Name, "error", err.Error())
		}
	}
}

// resolveStack returns a copy of stack with its template path anchored to
// the manifest and every parameter value filled in.
func (p *PipelineRunner) resolveStack(ctx context.Context, pipeline *v1alpha1.Pipeline, stack *v1alpha1.Stack, result *RunResult, opts RunOptions) (*v1alpha1.Stack, error) {
	resolved := stack.DeepCopy()
	resolved.Spec.Template = pipeline.TemplatePath(stack)

	params := map[string]string{}
	for k, v := range resolved.Spec.Parameters {
		params[k] = os.Expand(v, func(name string) string {
			if val, ok := opts.Variables[name]; ok {
				return val
			}
			return os.Getenv(name)
		})
	}

	for _, param := range sortedRefKeys(resolved.Spec.ParameterOutputs) {
		ref := resolved.Spec.ParameterOutputs[param]
		status, ok := result.Statuses[ref.Stack]
		if !ok {
			source := pipeline.StackByName(ref.Stack)
			if source == nil {
				return nil, fmt.Errorf("parameter %s: unknown stack %q", param, ref.Stack)
			}
			var err error
			status, err = p.Reconciler.Describe(ctx, source)
			switch {
			case coreerrors.Is(err, ErrStackNotFound) && p.Reconciler.DryRun:
				status = &v1alpha1.StackStatus{}
			case err != nil:
				return nil, fmt.Errorf("parameter %s: reading stack %s: %w", param, ref.Stack, err)
			}
			result.Statuses[ref.Stack] = status
		}
		value, ok := status.Outputs[ref.Output]
		if !ok {
			if !p.Reconciler.DryRun {
				return nil, fmt.Errorf("parameter %s: %w: %s.%s", param, ErrMissingOutput, ref.Stack, ref.Output)
			}
			// Stacks skipped by a dry run have no outputs yet.
			value = fmt.Sprintf("<%s.%s>", ref.Stack, ref.Output)
			p.Log.Info("output not available in dry run, using placeholder",
				"stack", stack.Name, "parameter", param, "value", value)
		}
		params[param] = value
	}

	resolved.Spec.Parameters = params
	return resolved, nil
}

func (p *PipelineRunner) sleepFor(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func sortedRefKeys(m map[string]v1alpha1.OutputReference) []string {
	keys := make(map[string]string, len(m))
	for k := range m {
		keys[k] = k
	}
	return sortedKeys(keys)
}
