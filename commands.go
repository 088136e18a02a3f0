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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	cfTypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/term"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/linki/cloudformation-deployer/api/v1alpha1"
	"github.com/linki/cloudformation-deployer/controllers"
	"github.com/linki/cloudformation-deployer/pkg/ghactions"
	"github.com/linki/cloudformation-deployer/pkg/image"
	"github.com/linki/cloudformation-deployer/pkg/verify"
)

var errConfirmationRequired = errors.New("refusing to delete stacks without confirmation, pass --yes")

type command struct {
	name    string
	summary string
	flags   func(fs *pflag.FlagSet)
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []*command{
	{name: "deploy", summary: "Gate, build and reconcile every pipeline stack, then run smoke checks", flags: deployFlags, run: runDeploy},
	{name: "reconcile", summary: "Reconcile a single pipeline stack", flags: reconcileFlags, run: runReconcile},
	{name: "cleanup", summary: "Delete all pipeline stacks in reverse order", flags: cleanupFlags, run: runCleanup},
	{name: "gate", summary: "Check whether the image for this commit needs to be built", flags: imageFlags, run: runGate},
	{name: "publish", summary: "Build and push the image for this commit when it is missing", flags: imageFlags, run: runPublish},
	{name: "status", summary: "Show the state of every pipeline stack", run: runStatus},
}

func lookupCommand(name string) *command {
	for _, c := range commands {
		if c.name == name {
			return c
		}
	}
	return nil
}

var imageOpts struct {
	tag          string
	force        bool
	buildContext string
	dockerfile   string
	platform     string
}

func imageFlags(fs *pflag.FlagSet) {
	fs.StringVar(&imageOpts.tag, "image-tag", "", "Image tag to check. Defaults to the commit SHA of the workflow run.")
	fs.BoolVar(&imageOpts.force, "force", false, "Deploy even if the image already exists")
	fs.StringVar(&imageOpts.buildContext, "build-context", ".", "Docker build context")
	fs.StringVar(&imageOpts.dockerfile, "dockerfile", "", "Dockerfile to build, relative to the build context")
	fs.StringVar(&imageOpts.platform, "platform", "linux/amd64", "Target platform of the image")
}

var deployOpts struct {
	cleanupOnFailure bool
	skipBuild        bool
	settleTime       time.Duration
	healthRetries    int
	only             string
}

func deployFlags(fs *pflag.FlagSet) {
	imageFlags(fs)
	fs.BoolVar(&deployOpts.cleanupOnFailure, "cleanup-on-failure", false, "Delete all pipeline stacks in reverse order when a stack fails")
	fs.BoolVar(&deployOpts.skipBuild, "skip-build", false, "Never build or push the image, only reconcile stacks")
	fs.DurationVar(&deployOpts.settleTime, "settle-time", 30*time.Second, "Time to wait after deployment before running smoke checks")
	fs.IntVar(&deployOpts.healthRetries, "health-retries", 5, "Retries of the HTTP health check")
}

func reconcileFlags(fs *pflag.FlagSet) {
	imageFlags(fs)
	fs.StringVar(&deployOpts.only, "stack", "", "Name of the pipeline stack to reconcile")
	fs.IntVar(&deployOpts.healthRetries, "health-retries", 5, "Retries of the HTTP health check")
}

var cleanupOpts struct {
	yes bool
}

func cleanupFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&cleanupOpts.yes, "yes", "y", false, "Do not ask for confirmation")
}

func runDeploy(ctx context.Context, a *app, args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("deploy takes at most one argument, got %d", len(args))
	}
	repo := a.gh.Repository
	if len(args) == 1 {
		repo = args[0]
	}
	if repo != "" {
		if !strings.Contains(repo, "/") {
			return fmt.Errorf("repository %q is not of the form owner/repo", repo)
		}
		a.reconciler.DefaultTags["Repository"] = repo
	}

	var publish func(context.Context, *image.Decision) error
	if !deployOpts.skipBuild {
		publish = a.publisher().Publish
	}

	runner := &controllers.PipelineRunner{
		Log:              a.log.WithName("pipeline"),
		Reconciler:       a.reconciler,
		Cleaner:          a.cleaner,
		Verifier:         a.verifier(),
		SettleTime:       deployOpts.settleTime,
		CleanupOnFailure: deployOpts.cleanupOnFailure,
	}
	result, err := runner.Run(ctx, a.pipeline, controllers.RunOptions{
		Image: imageStage(func(ctx context.Context) (*image.Decision, error) {
			return a.gate(ctx, false)
		}, publish, a.writeOutputs),
	})
	if result != nil {
		a.log.Info("pipeline finished", "deployed", result.Deployed, "skipped", result.Skipped)
		if result.Cleanup != nil {
			printLeftovers(a.out, result.Cleanup.Leftovers)
		}
	}
	return err
}

func runReconcile(ctx context.Context, a *app, args []string) error {
	if deployOpts.only == "" {
		return errors.New("--stack is required")
	}
	stack := a.pipeline.StackByName(deployOpts.only)
	if stack == nil {
		return fmt.Errorf("stack %q is not part of pipeline %s", deployOpts.only, a.pipeline.Metadata.Name)
	}

	var decision *image.Decision
	if stack.Spec.Compute {
		var err error
		// An explicit reconcile always deploys the image of this commit.
		if decision, err = a.gate(ctx, true); err != nil {
			return err
		}
	}

	runner := &controllers.PipelineRunner{
		Log:        a.log.WithName("pipeline"),
		Reconciler: a.reconciler,
		Verifier:   a.verifier(),
	}
	result, err := runner.Run(ctx, a.pipeline, controllers.RunOptions{
		ShouldDeploy: true,
		Only:         stack.Name,
		Variables:    imageVariables(decision),
	})
	if err != nil {
		return err
	}
	if status := result.Statuses[stack.Name]; status != nil {
		printOutputs(a.out, status.Outputs)
	}
	return nil
}

func runCleanup(ctx context.Context, a *app, args []string) error {
	if !cleanupOpts.yes && !a.opts.dryRun {
		ok, err := confirm(os.Stdin, a.out, a.pipeline)
		if err != nil {
			return err
		}
		if !ok {
			a.log.Info("cleanup aborted")
			return nil
		}
	}

	report, err := a.cleaner.Cleanup(ctx, a.pipeline)
	if report != nil {
		a.log.Info("cleanup finished", "deleted", report.Deleted, "skipped", report.Skipped, "failed", report.Failed)
		printLeftovers(a.out, report.Leftovers)
	}
	return err
}

func runGate(ctx context.Context, a *app, args []string) error {
	decision, err := a.gate(ctx, false)
	if err != nil {
		return err
	}
	if decision == nil {
		return errors.New("pipeline has no repository configured")
	}
	fmt.Fprint(a.out, ghactions.FormatOutputs(decision.Outputs()))
	return a.writeOutputs(decision.Outputs())
}

func runPublish(ctx context.Context, a *app, args []string) error {
	decision, err := a.gate(ctx, false)
	if err != nil {
		return err
	}
	if decision == nil {
		return errors.New("pipeline has no repository configured")
	}
	if err := a.publisher().Publish(ctx, decision); err != nil {
		return err
	}
	fmt.Fprint(a.out, ghactions.FormatOutputs(decision.Outputs()))
	return a.writeOutputs(decision.Outputs())
}

func runStatus(ctx context.Context, a *app, args []string) error {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STACK\tREGION\tSTATUS\tSTATE\tLAST CHANGE")

	var errs []error
	for i := range a.pipeline.Spec.Stacks {
		stack := &a.pipeline.Spec.Stacks[i]
		status, err := a.reconciler.Describe(ctx, stack)
		switch {
		case errors.Is(err, controllers.ErrStackNotFound):
			fmt.Fprintf(w, "%s\t%s\t-\t%s\t-\n", stack.Name, stack.Spec.Region, controllers.StateNotFound)
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", stack.Name, err))
			fmt.Fprintf(w, "%s\t%s\t?\t?\t-\n", stack.Name, stack.Spec.Region)
		default:
			changed := status.CreatedTime
			if !status.UpdatedTime.IsZero() {
				changed = status.UpdatedTime
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", stack.Name, stack.Spec.Region, status.StackStatus,
				controllers.ClassifyStatus(cfTypes.StackStatus(status.StackStatus)), humanize.Time(changed))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return utilerrors.NewAggregate(errs)
}

// imageStage gates the image, records the decision as CI outputs and
// publishes the image when publish is set. A nil decision means there is no
// image to gate and every stack deploys.
func imageStage(
	gate func(context.Context) (*image.Decision, error),
	publish func(context.Context, *image.Decision) error,
	writeOutputs func(map[string]string) error,
) controllers.ImageStage {
	return func(ctx context.Context) (bool, map[string]string, error) {
		decision, err := gate(ctx)
		if err != nil {
			return false, nil, err
		}
		if decision == nil {
			return true, nil, nil
		}
		if err := writeOutputs(decision.Outputs()); err != nil {
			return false, nil, err
		}
		if publish != nil {
			if err := publish(ctx, decision); err != nil {
				return false, nil, err
			}
		}
		return decision.ShouldDeploy, imageVariables(decision), nil
	}
}

// gate runs the image check for the pipeline repository. It returns nil
// when the pipeline has no image to gate.
func (a *app) gate(ctx context.Context, force bool) (*image.Decision, error) {
	repository := a.repository()
	if repository == "" {
		return nil, nil
	}

	tag := imageOpts.tag
	if tag == "" {
		tag = a.gh.CommitSHA()
	}
	if tag == "" {
		return nil, errors.New("no image tag: pass --image-tag or run inside a workflow with GITHUB_SHA set")
	}

	force = force || imageOpts.force || a.gh.ManualTrigger() || a.gh.InputBool("force")
	g := &image.Gate{
		ECR:           a.aws.ECR(a.pipeline.Spec.Region),
		Repository:    repository,
		RepositoryURI: a.repositoryURI(),
		Log:           a.log.WithName("gate"),
	}
	return g.Check(ctx, tag, force)
}

func (a *app) publisher() *image.Publisher {
	return &image.Publisher{
		ECR:        a.aws.ECR(a.pipeline.Spec.Region),
		Runner:     image.ExecRunner{},
		Log:        a.log.WithName("publish"),
		Context:    imageOpts.buildContext,
		Dockerfile: imageOpts.dockerfile,
		Platform:   imageOpts.platform,
		DryRun:     a.opts.dryRun,
	}
}

func (a *app) verifier() *verify.Verifier {
	log := a.log.WithName("verify")
	return &verify.Verifier{
		Log:  log,
		HTTP: verify.NewHTTPClient(log, deployOpts.healthRetries, 10*time.Second),
		Clients: func(region string) verify.Clients {
			return verify.Clients{
				DynamoDB:    a.aws.DynamoDB(region),
				S3:          a.aws.S3(region),
				EventBridge: a.aws.EventBridge(region),
				ECS:         a.aws.ECS(region),
			}
		},
	}
}

func (a *app) writeOutputs(outputs map[string]string) error {
	if a.opts.dryRun {
		return nil
	}
	return a.gh.WriteOutputs(outputs)
}

// imageVariables are the ${...} values available to stack parameters.
func imageVariables(d *image.Decision) map[string]string {
	if d == nil {
		return nil
	}
	return map[string]string{
		"IMAGE_URI":    d.ImageURI,
		"IMAGE_TAG":    d.Tag,
		"ECR_REGISTRY": d.Registry,
	}
}

// confirm asks on the terminal before deleting. Without a terminal there is
// nobody to ask and the caller has to pass --yes.
func confirm(in *os.File, out io.Writer, p *v1alpha1.Pipeline) (bool, error) {
	if !term.IsTerminal(int(in.Fd())) {
		return false, errConfirmationRequired
	}
	return promptDelete(in, out, p)
}

func promptDelete(in io.Reader, out io.Writer, p *v1alpha1.Pipeline) (bool, error) {
	fmt.Fprintf(out, "The following stacks of %s will be deleted, in this order:\n", p.Metadata.Name)
	for _, s := range p.ReverseStacks() {
		fmt.Fprintf(out, "  %s (%s)\n", s.Name, s.Spec.Region)
	}
	fmt.Fprint(out, "Continue? [y/N] ")

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func printLeftovers(out io.Writer, leftovers []controllers.LeftoverStack) {
	if len(leftovers) == 0 {
		return
	}
	fmt.Fprintln(out, "Stacks still present:")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STACK\tREGION\tSTATUS\tLAST CHANGE")
	for _, l := range leftovers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.Name, l.Region, l.Status, humanize.Time(l.LastChanged))
	}
	w.Flush()
}

func printOutputs(out io.Writer, outputs map[string]string) {
	fmt.Fprint(out, ghactions.FormatOutputs(outputs))
}
