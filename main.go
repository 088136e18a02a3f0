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
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	cfTypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/go-logr/logr"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/linki/cloudformation-deployer/api/v1alpha1"
	"github.com/linki/cloudformation-deployer/controllers"
	"github.com/linki/cloudformation-deployer/pkg/argparser"
	"github.com/linki/cloudformation-deployer/pkg/awsclient"
	"github.com/linki/cloudformation-deployer/pkg/ghactions"
	"github.com/linki/cloudformation-deployer/pkg/logging"
	"github.com/linki/cloudformation-deployer/pkg/template"
	"github.com/linki/cloudformation-deployer/pkg/tfstate"
)

var version = "dev"

//go:embed deploy/pipeline.yaml
var defaultManifest []byte

// Directory the built-in manifest's relative template paths resolve from.
const defaultManifestDir = "deploy"

var (
	StackFlagSet *pflag.FlagSet
	stackOptions = &options{}
)

type options struct {
	manifest     string
	region       string
	profile      string
	assumeRole   string
	tfstateRole  bool
	tags         map[string]string
	parameters   map[string]string
	capabilities []string
	dryRun       bool
	logLevel     string
	timeout      time.Duration
	tfstate      string
	maxAttempts  int
}

func init() {
	StackFlagSet = pflag.NewFlagSet("stack", pflag.ContinueOnError)
	StackFlagSet.StringVar(&stackOptions.manifest, "manifest", "", "Path to the pipeline manifest. Uses the built-in manifest when empty.")
	StackFlagSet.StringVar(&stackOptions.region, "region", "", "The AWS region to use for stacks without their own region")
	StackFlagSet.StringVar(&stackOptions.profile, "profile", "", "Shared config profile to load credentials from")
	StackFlagSet.StringVar(&stackOptions.assumeRole, "assume-role", "", "Assume AWS role when defined. Useful for stacks in another AWS account. Specify the full ARN, e.g. `arn:aws:iam::123456789:role/deployer`")
	StackFlagSet.BoolVar(&stackOptions.tfstateRole, "tfstate-role", false, "Assume the deployment role recorded in the Terraform state")
	argparser.StringMapVar(StackFlagSet, &stackOptions.tags, "tag", "Tags to apply to all stacks by default. Specify multiple times for multiple tags.")
	argparser.StringMapVar(StackFlagSet, &stackOptions.parameters, "parameter", "Parameter override applied to every stack that declares it. Specify multiple times for multiple parameters.")
	StackFlagSet.StringSliceVar(&stackOptions.capabilities, "capability", []string{}, "The AWS CloudFormation capability to enable")
	StackFlagSet.BoolVar(&stackOptions.dryRun, "dry-run", false, "If true, don't actually do anything.")
	StackFlagSet.StringVar(&stackOptions.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error). Defaults to $"+logging.EnvLevel+" or info.")
	StackFlagSet.DurationVar(&stackOptions.timeout, "timeout", 60*time.Minute, "Maximum time to wait for a single stack operation")
	StackFlagSet.StringVar(&stackOptions.tfstate, "tfstate", "terraform/terraform.tfstate", "Terraform state holding the registry and deployment role outputs")
	StackFlagSet.IntVar(&stackOptions.maxAttempts, "max-attempts", 5, "Maximum attempts of the AWS SDK retryer for a single API call")
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "error loading .env: %v\n", err)
		return 1
	}

	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		usage(stderr)
		if len(args) == 0 {
			return 1
		}
		return 0
	}
	if args[0] == "version" {
		fmt.Fprintln(stdout, version)
		return 0
	}

	cmd := lookupCommand(args[0])
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 1
	}

	flags := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.AddFlagSet(StackFlagSet)
	if cmd.flags != nil {
		cmd.flags(flags)
	}
	if err := flags.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	level, err := logging.Level(stackOptions.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "invalid log level: %v\n", err)
		return 1
	}
	log, _ := logging.New(stderr, level)
	log = log.WithName(cmd.name)
	log.V(1).Info("starting", "version", version, "go", runtime.Version())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, log, stackOptions, stdout)
	if err != nil {
		log.Error(err, "setup failed")
		return 1
	}

	if err := cmd.run(ctx, a, flags.Args()); err != nil {
		log.Error(err, "command failed")
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: cloudformation-deployer <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nCommon flags:\n%s", StackFlagSet.FlagUsages())
}

// app carries everything a command needs, wired once per invocation.
type app struct {
	log        logr.Logger
	opts       *options
	out        io.Writer
	pipeline   *v1alpha1.Pipeline
	aws        *awsclient.Factory
	state      *tfstate.State
	gh         *ghactions.Context
	reconciler *controllers.StackReconciler
	cleaner    *controllers.Cleaner
}

func newApp(ctx context.Context, log logr.Logger, opts *options, out io.Writer) (*app, error) {
	pipeline, err := loadPipeline(opts.manifest)
	if err != nil {
		return nil, err
	}
	pipeline.SetRegion(opts.region)

	a := &app{log: log, opts: opts, out: out, pipeline: pipeline, gh: ghactions.FromEnv()}

	if opts.tfstate != "" {
		state, err := tfstate.Load(opts.tfstate)
		switch {
		case err == nil:
			a.state = state
		case errors.Is(err, fs.ErrNotExist):
			log.V(1).Info("no terraform state found", "path", opts.tfstate)
		default:
			return nil, err
		}
	}

	assumeRole := opts.assumeRole
	if assumeRole == "" && opts.tfstateRole {
		if a.state == nil {
			return nil, fmt.Errorf("--tfstate-role needs a terraform state at %s", opts.tfstate)
		}
		if assumeRole, err = a.state.Output(tfstate.DeployRoleOutput); err != nil {
			return nil, err
		}
	}

	cfgOpts := []awsclient.Option{
		awsclient.WithRegion(pipeline.Spec.Region),
		awsclient.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), opts.maxAttempts)
		}),
		awsclient.WithSessionName("cloudformation-deployer"),
	}
	if opts.profile != "" {
		cfgOpts = append(cfgOpts, awsclient.WithProfile(opts.profile))
	}
	if assumeRole != "" {
		log.Info("assuming role", "role", assumeRole)
		cfgOpts = append(cfgOpts, awsclient.WithAssumeRole(assumeRole))
	}
	cfg, err := awsclient.LoadConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, err
	}
	a.aws = awsclient.NewFactory(cfg)

	if _, err := awsclient.CallerIdentity(ctx, a.aws.STS(pipeline.Spec.Region), log); err != nil {
		return nil, err
	}

	defaultTags := map[string]string{}
	for k, v := range pipeline.Spec.Tags {
		defaultTags[k] = v
	}
	for k, v := range opts.tags {
		defaultTags[k] = v
	}

	a.reconciler = &controllers.StackReconciler{
		Log:      log.WithName("reconciler"),
		Provider: a.aws,
		Templates: &template.Resolver{
			S3:     a.aws.S3(pipeline.Spec.Region),
			Bucket: pipeline.Spec.ArtifactBucket,
			Region: pipeline.Spec.Region,
			Prefix: pipeline.Metadata.Name,
			Log:    log.WithName("templates"),
			DryRun: opts.dryRun,
		},
		StackFollower:       &controllers.StackFollower{Log: log.WithName("events")},
		DefaultTags:         defaultTags,
		DefaultCapabilities: capabilities(opts.capabilities),
		Pipeline:            pipeline.Metadata.Name,
		DryRun:              opts.dryRun,
		Timeout:             opts.timeout,
	}
	a.cleaner = &controllers.Cleaner{Log: log.WithName("cleanup"), Reconciler: a.reconciler}

	applyParameterOverrides(pipeline, opts.parameters)
	return a, nil
}

func loadPipeline(path string) (*v1alpha1.Pipeline, error) {
	if path != "" {
		return v1alpha1.LoadPipeline(path)
	}
	p, err := v1alpha1.ParsePipeline(defaultManifest)
	if err != nil {
		return nil, fmt.Errorf("built-in manifest: %w", err)
	}
	p.Dir = defaultManifestDir
	return p, nil
}

func capabilities(in []string) []cfTypes.Capability {
	out := make([]cfTypes.Capability, len(in))
	for i := range in {
		out[i] = cfTypes.Capability(in[i])
	}
	return out
}

// applyParameterOverrides sets command line parameters on every stack that
// already declares them.
func applyParameterOverrides(p *v1alpha1.Pipeline, overrides map[string]string) {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i := range p.Spec.Stacks {
		s := &p.Spec.Stacks[i]
		for _, k := range keys {
			_, declared := s.Spec.Parameters[k]
			_, fromOutput := s.Spec.ParameterOutputs[k]
			if declared || fromOutput {
				if s.Spec.Parameters == nil {
					s.Spec.Parameters = map[string]string{}
				}
				s.Spec.Parameters[k] = overrides[k]
				delete(s.Spec.ParameterOutputs, k)
			}
		}
	}
}

// repository is the ECR repository named in the manifest, else the one
// recorded in the Terraform state.
func (a *app) repository() string {
	if a.pipeline.Spec.Repository != "" || a.state == nil {
		return a.pipeline.Spec.Repository
	}
	name, err := a.state.Output(tfstate.RepositoryOutput)
	if err != nil {
		a.log.V(1).Info("repository name not in terraform state", "error", err.Error())
		return ""
	}
	return strings.TrimSpace(name)
}

// repositoryURI prefers the registry URL from the Terraform state.
func (a *app) repositoryURI() string {
	if a.state == nil {
		return ""
	}
	uri, err := a.state.Output(tfstate.RepositoryURLOutput)
	if err != nil {
		a.log.V(1).Info("registry URL not in terraform state", "error", err.Error())
		return ""
	}
	return strings.TrimSpace(uri)
}
