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
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfTypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"github.com/linki/cloudformation-deployer/api/v1alpha1"
)

const (
	controllerKey   = "deployer.linki.space/controlled-by"
	controllerValue = "cloudformation-deployer"
	ownerKey        = "deployer.linki.space/pipeline"

	changeSetPrefix = "deployer-"

	defaultPollInterval = 5 * time.Second
	defaultTimeout      = 60 * time.Minute
)

// TemplateSource turns a stack's template reference into either an inline
// body or a URL CloudFormation can fetch.
type TemplateSource interface {
	Resolve(ctx context.Context, stack *v1alpha1.Stack) (body string, url string, err error)
}

type TemplateSourceFunc func(ctx context.Context, stack *v1alpha1.Stack) (string, string, error)

func (f TemplateSourceFunc) Resolve(ctx context.Context, stack *v1alpha1.Stack) (string, string, error) {
	return f(ctx, stack)
}

// DeployError is returned when a stack could not be brought to a stable
// deployed state.
type DeployError struct {
	Stack  string
	Status string
	Err    error
}

func (e *DeployError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("stack %s (%s): %v", e.Stack, e.Status, e.Err)
	}
	return fmt.Sprintf("stack %s: %v", e.Stack, e.Err)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// StackReconciler drives a single stack to a deployed state, recovering
// stacks left behind in a failed or rolled back state.
type StackReconciler struct {
	Log                 logr.Logger
	Provider            CloudFormationProvider
	Templates           TemplateSource
	StackFollower       *StackFollower
	DefaultTags         map[string]string
	DefaultCapabilities []cfTypes.Capability
	// Pipeline is recorded in the ownership tag of every stack.
	Pipeline string
	DryRun   bool

	PollInterval time.Duration
	// Timeout bounds every wait for a stack or change set to settle.
	Timeout time.Duration
}

type StackLoop struct {
	ctx      context.Context
	instance *v1alpha1.Stack
	cf       CloudFormationAPI
	helper   *CloudFormationHelper
	log      logr.Logger
}

func (r *StackReconciler) newLoop(ctx context.Context, stack *v1alpha1.Stack) *StackLoop {
	cf := r.Provider.CloudFormation(stack.Spec.Region)
	return &StackLoop{
		ctx:      ctx,
		instance: stack,
		cf:       cf,
		helper:   &CloudFormationHelper{CloudFormation: cf},
		log:      r.Log.WithValues("stack", stack.Name, "region", stack.Spec.Region),
	}
}

// Reconcile makes sure the stack reaches a stable deployed state.
//
// A stack that does not exist is deployed directly. A stack whose status
// contains FAILED or ROLLBACK is deleted once and the deletion waited for;
// a failing wait is logged and the deploy attempted anyway. Any other stack
// is updated in place, and an update without changes is not an error.
func (r *StackReconciler) Reconcile(ctx context.Context, stack *v1alpha1.Stack) (*v1alpha1.StackStatus, error) {
	loop := r.newLoop(ctx, stack)

	cfs, err := loop.helper.GetStack(ctx, stack.Name)
	if err != nil && !coreerrors.Is(err, ErrStackNotFound) {
		return nil, &DeployError{Stack: stack.Name, Err: err}
	}

	if cfs, err = r.settle(loop, cfs); err != nil {
		return nil, &DeployError{Stack: stack.Name, Err: err}
	}

	state := StateNotFound
	if cfs != nil {
		state = ClassifyStatus(cfs.StackStatus)
	}
	loop.log.Info("current stack state", "state", state.String())

	if state == StateFailed {
		if err := r.deleteStack(loop); err != nil {
			loop.log.Error(err, "failed to remove stack in failed state, deploying anyway")
		}
	}

	return r.deployStack(loop)
}

// Delete removes the stack and waits for the deletion to finish. It returns
// false when there was nothing to delete.
func (r *StackReconciler) Delete(ctx context.Context, stack *v1alpha1.Stack) (bool, error) {
	loop := r.newLoop(ctx, stack)

	cfs, err := loop.helper.GetStack(ctx, stack.Name)
	if err != nil && !coreerrors.Is(err, ErrStackNotFound) {
		return false, err
	}
	// A stack busy with another operation rejects DeleteStack.
	if cfs, err = r.settle(loop, cfs); err != nil {
		return false, err
	}
	if cfs == nil || cfs.StackStatus == cfTypes.StackStatusDeleteComplete {
		loop.log.Info("stack does not exist, skipping")
		return false, nil
	}

	return true, r.deleteStack(loop)
}

// settle waits out an operation still running on cfs and returns the stack
// as it was left, nil once it is gone.
func (r *StackReconciler) settle(loop *StackLoop, cfs *cfTypes.Stack) (*cfTypes.Stack, error) {
	if cfs == nil || ClassifyStatus(cfs.StackStatus) != StateInProgress {
		return cfs, nil
	}
	loop.log.Info("waiting for running stack operation", "status", cfs.StackStatus)
	cfs, err := r.waitWhile(loop, func(s cfTypes.StackStatus) bool {
		return ClassifyStatus(s) == StateInProgress
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for running operation: %w", err)
	}
	return cfs, nil
}

// Describe returns the observed state of a stack.
func (r *StackReconciler) Describe(ctx context.Context, stack *v1alpha1.Stack) (*v1alpha1.StackStatus, error) {
	return r.newLoop(ctx, stack).helper.DescribeStack(ctx, stack.Name)
}

func (r *StackReconciler) deployStack(loop *StackLoop) (*v1alpha1.StackStatus, error) {
	name := loop.instance.Name

	current, err := loop.helper.GetStack(loop.ctx, name)
	if err != nil && !coreerrors.Is(err, ErrStackNotFound) {
		return nil, &DeployError{Stack: name, Err: err}
	}

	changeSetType := cfTypes.ChangeSetTypeUpdate
	if current == nil || current.StackStatus == cfTypes.StackStatusReviewInProgress {
		changeSetType = cfTypes.ChangeSetTypeCreate
	}

	loop.log.Info("deploying stack", "changeSetType", changeSetType)

	if r.DryRun {
		loop.log.Info("skipping stack deployment")
		return r.observedStatus(loop)
	}

	body, url, err := r.Templates.Resolve(loop.ctx, loop.instance)
	if err != nil {
		return nil, &DeployError{Stack: name, Err: fmt.Errorf("resolving template: %w", err)}
	}

	changeSetName := changeSetPrefix + uuid.NewString()
	input := &cloudformation.CreateChangeSetInput{
		ChangeSetName: aws.String(changeSetName),
		ChangeSetType: changeSetType,
		StackName:     aws.String(name),
		Capabilities:  r.stackCapabilities(loop),
		Parameters:    r.stackParameters(loop),
		Tags:          r.stackTags(loop),
		ClientToken:   aws.String(uuid.NewString()),
	}
	if url != "" {
		input.TemplateURL = aws.String(url)
	} else {
		input.TemplateBody = aws.String(body)
	}

	if _, err := loop.cf.CreateChangeSet(loop.ctx, input); err != nil {
		return nil, &DeployError{Stack: name, Err: fmt.Errorf("creating change set: %w", err)}
	}

	changeSet, err := r.waitForChangeSet(loop, changeSetName)
	if err != nil {
		return nil, &DeployError{Stack: name, Err: fmt.Errorf("waiting for change set: %w", err)}
	}

	if changeSet.Status == cfTypes.ChangeSetStatusFailed {
		reason := aws.ToString(changeSet.StatusReason)
		if !emptyChangeSet(reason) {
			return nil, &DeployError{Stack: name, Err: fmt.Errorf("change set failed: %s", reason)}
		}
		loop.log.Info("stack already up to date")
		if _, err := loop.cf.DeleteChangeSet(loop.ctx, &cloudformation.DeleteChangeSetInput{
			ChangeSetName: aws.String(changeSetName),
			StackName:     aws.String(name),
		}); err != nil {
			loop.log.Error(err, "failed to remove empty change set", "changeSet", changeSetName)
		}
		return r.observedStatus(loop)
	}

	started := time.Now()
	if _, err := loop.cf.ExecuteChangeSet(loop.ctx, &cloudformation.ExecuteChangeSetInput{
		ChangeSetName:      aws.String(changeSetName),
		StackName:          aws.String(name),
		ClientRequestToken: aws.String(uuid.NewString()),
	}); err != nil {
		return nil, &DeployError{Stack: name, Err: fmt.Errorf("executing change set: %w", err)}
	}

	if r.StackFollower != nil {
		stop := r.StackFollower.Follow(loop.ctx, loop.cf, name, started)
		defer stop()
	}

	cfs, err := r.waitWhile(loop, func(s cfTypes.StackStatus) bool {
		return !loop.helper.StackInTerminalState(s)
	})
	if err != nil {
		return nil, &DeployError{Stack: name, Err: err}
	}
	if cfs == nil {
		return nil, &DeployError{Stack: name, Err: ErrStackNotFound}
	}

	if ClassifyStatus(cfs.StackStatus) != StateHealthy {
		r.logFailedResources(loop, cfs)
		return nil, &DeployError{
			Stack:  name,
			Status: string(cfs.StackStatus),
			Err:    fmt.Errorf("deployment did not complete: %s", aws.ToString(cfs.StackStatusReason)),
		}
	}

	loop.log.Info("stack deployed", "status", cfs.StackStatus)
	return r.observedStatus(loop)
}

func (r *StackReconciler) deleteStack(loop *StackLoop) error {
	loop.log.Info("deleting stack")

	if r.DryRun {
		loop.log.Info("skipping stack deletion")
		return nil
	}

	input := &cloudformation.DeleteStackInput{
		StackName:          aws.String(loop.instance.Name),
		ClientRequestToken: aws.String(uuid.NewString()),
	}

	if _, err := loop.cf.DeleteStack(loop.ctx, input); err != nil {
		return err
	}

	// The first polls may still report the status from before the delete.
	cfs, err := r.waitWhile(loop, func(s cfTypes.StackStatus) bool {
		return s != cfTypes.StackStatusDeleteComplete && s != cfTypes.StackStatusDeleteFailed
	})
	if err != nil {
		return fmt.Errorf("waiting for deletion: %w", err)
	}
	if cfs != nil && cfs.StackStatus != cfTypes.StackStatusDeleteComplete {
		r.logFailedResources(loop, cfs)
		return fmt.Errorf("deletion ended in %s: %s", cfs.StackStatus, aws.ToString(cfs.StackStatusReason))
	}

	loop.log.Info("stack deleted")
	return nil
}

// waitWhile polls the stack until busy reports false or the stack is gone.
// The last observed stack is returned, nil once it no longer exists.
func (r *StackReconciler) waitWhile(loop *StackLoop, busy func(cfTypes.StackStatus) bool) (*cfTypes.Stack, error) {
	var last *cfTypes.Stack
	err := wait.PollUntilContextTimeout(loop.ctx, r.pollInterval(), r.timeout(), true, func(ctx context.Context) (bool, error) {
		cfs, err := loop.helper.GetStack(ctx, loop.instance.Name)
		if err != nil {
			if coreerrors.Is(err, ErrStackNotFound) {
				last = nil
				return true, nil
			}
			return false, err
		}
		last = cfs

		loop.log.V(1).Info("waiting for stack", "status", cfs.StackStatus)

		return !busy(cfs.StackStatus), nil
	})
	return last, err
}

func (r *StackReconciler) waitForChangeSet(loop *StackLoop, changeSetName string) (*cloudformation.DescribeChangeSetOutput, error) {
	var last *cloudformation.DescribeChangeSetOutput
	err := wait.PollUntilContextTimeout(loop.ctx, r.pollInterval(), r.timeout(), true, func(ctx context.Context) (bool, error) {
		resp, err := loop.cf.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
			ChangeSetName: aws.String(changeSetName),
			StackName:     aws.String(loop.instance.Name),
		})
		if err != nil {
			return false, err
		}
		last = resp

		loop.log.V(1).Info("waiting for change set", "changeSet", changeSetName, "status", resp.Status)

		switch resp.Status {
		case cfTypes.ChangeSetStatusCreateComplete, cfTypes.ChangeSetStatusFailed:
			return true, nil
		}
		return false, nil
	})
	return last, err
}

func (r *StackReconciler) observedStatus(loop *StackLoop) (*v1alpha1.StackStatus, error) {
	status, err := loop.helper.DescribeStack(loop.ctx, loop.instance.Name)
	if err != nil {
		if coreerrors.Is(err, ErrStackNotFound) && r.DryRun {
			return &v1alpha1.StackStatus{}, nil
		}
		return nil, &DeployError{Stack: loop.instance.Name, Err: err}
	}
	return status, nil
}

func (r *StackReconciler) logFailedResources(loop *StackLoop, cfs *cfTypes.Stack) {
	resources, err := loop.helper.GetStackResources(loop.ctx, aws.ToString(cfs.StackId))
	if err != nil {
		loop.log.Error(err, "failed to list stack resources")
		return
	}
	for _, res := range FailedResources(resources) {
		loop.log.Info("resource failed",
			"resource", res.LogicalId, "type", res.Type, "status", res.Status, "reason", res.StatusReason)
	}
}

// emptyChangeSet reports whether a change set failed only because it had
// nothing to do.
func emptyChangeSet(reason string) bool {
	return strings.Contains(reason, "didn't contain changes") ||
		strings.Contains(reason, "No updates are to be performed")
}

// stackParameters converts the parameters field on a Stack resource to CloudFormation Parameters.
func (r *StackReconciler) stackParameters(loop *StackLoop) []cfTypes.Parameter {
	var params []cfTypes.Parameter
	for _, k := range sortedKeys(loop.instance.Spec.Parameters) {
		params = append(params, cfTypes.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(loop.instance.Spec.Parameters[k]),
		})
	}
	return params
}

func (r *StackReconciler) stackCapabilities(loop *StackLoop) []cfTypes.Capability {
	if len(loop.instance.Spec.Capabilities) == 0 {
		return r.DefaultCapabilities
	}
	capabilities := make([]cfTypes.Capability, len(loop.instance.Spec.Capabilities))
	for i, c := range loop.instance.Spec.Capabilities {
		capabilities[i] = cfTypes.Capability(c)
	}
	return capabilities
}

// stackTags converts the tags field on a Stack resource to CloudFormation Tags.
// Furthermore, it adds a tag for marking ownership as well as any tags given by defaultTags.
func (r *StackReconciler) stackTags(loop *StackLoop) []cfTypes.Tag {
	// ownership tags
	tags := []cfTypes.Tag{
		{
			Key:   aws.String(controllerKey),
			Value: aws.String(controllerValue),
		},
	}
	if r.Pipeline != "" {
		tags = append(tags, cfTypes.Tag{
			Key:   aws.String(ownerKey),
			Value: aws.String(r.Pipeline),
		})
	}

	merged := map[string]string{}
	for k, v := range r.DefaultTags {
		merged[k] = v
	}
	// tags specified on the Stack resource win over defaults
	for k, v := range loop.instance.Spec.Tags {
		merged[k] = v
	}
	for _, k := range sortedKeys(merged) {
		tags = append(tags, cfTypes.Tag{
			Key:   aws.String(k),
			Value: aws.String(merged[k]),
		})
	}

	return tags
}

func (r *StackReconciler) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return defaultPollInterval
}

func (r *StackReconciler) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return defaultTimeout
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
