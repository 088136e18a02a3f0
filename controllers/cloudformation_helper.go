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
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfTypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"

	"github.com/linki/cloudformation-deployer/api/v1alpha1"
)

var (
	ErrStackNotFound = coreerrors.New("stack not found")
)

// CloudFormationAPI is the subset of the CloudFormation client the deployer uses.
type CloudFormationAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CreateChangeSet(ctx context.Context, params *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error)
	DescribeChangeSet(ctx context.Context, params *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error)
	ExecuteChangeSet(ctx context.Context, params *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error)
	DeleteChangeSet(ctx context.Context, params *cloudformation.DeleteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteChangeSetOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	ListStacks(ctx context.Context, params *cloudformation.ListStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStacksOutput, error)
	ListStackResources(ctx context.Context, params *cloudformation.ListStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error)
	DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
}

var _ CloudFormationAPI = (*cloudformation.Client)(nil)

// CloudFormationProvider hands out a client for the region a stack lives in.
type CloudFormationProvider interface {
	CloudFormation(region string) CloudFormationAPI
}

// StackState is the deployer's coarse view of a CloudFormation stack status.
type StackState int

const (
	StateNotFound StackState = iota
	StateHealthy
	StateFailed
	StateInProgress
	StateDeleted
)

func (s StackState) String() string {
	switch s {
	case StateNotFound:
		return "NotFound"
	case StateHealthy:
		return "Healthy"
	case StateFailed:
		return "Failed"
	case StateInProgress:
		return "InProgress"
	case StateDeleted:
		return "Deleted"
	}
	return "Unknown"
}

// ClassifyStatus maps a stack status onto a StackState. Any settled status
// containing FAILED or ROLLBACK is Failed, including UPDATE_ROLLBACK_COMPLETE.
func ClassifyStatus(status cfTypes.StackStatus) StackState {
	s := string(status)
	switch {
	case s == "":
		return StateNotFound
	case status == cfTypes.StackStatusDeleteComplete:
		return StateDeleted
	case status == cfTypes.StackStatusReviewInProgress:
		// Created by a change set that never executed; holds no resources.
		return StateHealthy
	case strings.HasSuffix(s, "_IN_PROGRESS"):
		return StateInProgress
	case strings.Contains(s, "FAILED"), strings.Contains(s, "ROLLBACK"):
		return StateFailed
	}
	return StateHealthy
}

type CloudFormationHelper struct {
	CloudFormation CloudFormationAPI
}

// Identify if the follower considers the state identified as terminal.
func (cf *CloudFormationHelper) StackInTerminalState(status cfTypes.StackStatus) bool {
	statusString := string(status)
	if strings.HasSuffix(statusString, "_COMPLETE") {
		return true
	}
	return strings.HasSuffix(statusString, "_FAILED")
}

func (cf *CloudFormationHelper) GetStack(ctx context.Context, name string) (*cfTypes.Stack, error) {
	resp, err := cf.CloudFormation.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(name),
	})
	if err != nil {
		if isStackNotFound(err) {
			return nil, ErrStackNotFound
		}
		return nil, err
	}
	if len(resp.Stacks) != 1 {
		return nil, ErrStackNotFound
	}

	return &resp.Stacks[0], nil
}

func (cf *CloudFormationHelper) GetStackResources(ctx context.Context, stackId string) ([]v1alpha1.StackResource, error) {
	var next *string
	toReturn := make([]v1alpha1.StackResource, 0)

	for {
		resp, err := cf.CloudFormation.ListStackResources(ctx, &cloudformation.ListStackResourcesInput{
			NextToken: next,
			StackName: aws.String(stackId),
		})
		if err != nil {
			return nil, err
		}

		for _, e := range resp.StackResourceSummaries {
			toReturn = append(toReturn, v1alpha1.StackResource{
				LogicalId:    aws.ToString(e.LogicalResourceId),
				PhysicalId:   aws.ToString(e.PhysicalResourceId),
				Type:         aws.ToString(e.ResourceType),
				Status:       string(e.ResourceStatus),
				StatusReason: aws.ToString(e.ResourceStatusReason),
			})
		}

		next = resp.NextToken
		if next == nil {
			break
		}
	}

	return toReturn, nil
}

// DescribeStack builds the observed status of a stack including its resources.
func (cf *CloudFormationHelper) DescribeStack(ctx context.Context, name string) (*v1alpha1.StackStatus, error) {
	cfs, err := cf.GetStack(ctx, name)
	if err != nil {
		return nil, err
	}
	resources, err := cf.GetStackResources(ctx, aws.ToString(cfs.StackId))
	if err != nil {
		return nil, err
	}
	return newStackStatus(cfs, resources), nil
}

// ListStacks returns every stack in a non-deleted state whose name passes match.
func (cf *CloudFormationHelper) ListStacks(ctx context.Context, match func(name string) bool) ([]cfTypes.StackSummary, error) {
	var filter []cfTypes.StackStatus
	for _, s := range cfTypes.StackStatus("").Values() {
		if s != cfTypes.StackStatusDeleteComplete {
			filter = append(filter, s)
		}
	}

	var next *string
	var toReturn []cfTypes.StackSummary
	for {
		resp, err := cf.CloudFormation.ListStacks(ctx, &cloudformation.ListStacksInput{
			NextToken:         next,
			StackStatusFilter: filter,
		})
		if err != nil {
			return nil, err
		}
		for _, s := range resp.StackSummaries {
			if s.StackStatus == cfTypes.StackStatusDeleteComplete {
				continue
			}
			if match == nil || match(aws.ToString(s.StackName)) {
				toReturn = append(toReturn, s)
			}
		}
		next = resp.NextToken
		if next == nil {
			break
		}
	}
	return toReturn, nil
}

// FailedResources returns the resources whose last operation failed.
func FailedResources(resources []v1alpha1.StackResource) []v1alpha1.StackResource {
	var failed []v1alpha1.StackResource
	for _, r := range resources {
		if strings.HasSuffix(r.Status, "_FAILED") {
			failed = append(failed, r)
		}
	}
	return failed
}

func newStackStatus(cfs *cfTypes.Stack, resources []v1alpha1.StackResource) *v1alpha1.StackStatus {
	status := &v1alpha1.StackStatus{
		StackID:     aws.ToString(cfs.StackId),
		StackStatus: string(cfs.StackStatus),
		Resources:   resources,
	}
	if cfs.CreationTime != nil {
		status.CreatedTime = *cfs.CreationTime
	}
	if cfs.LastUpdatedTime != nil {
		status.UpdatedTime = *cfs.LastUpdatedTime
	}
	if len(cfs.Outputs) > 0 {
		status.Outputs = map[string]string{}
		for _, output := range cfs.Outputs {
			status.Outputs[aws.ToString(output.OutputKey)] = aws.ToString(output.OutputValue)
		}
	}
	return status
}

func isStackNotFound(err error) bool {
	var apiErr smithy.APIError
	if coreerrors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationError" {
		return strings.Contains(apiErr.ErrorMessage(), "does not exist")
	}
	return strings.Contains(err.Error(), "does not exist")
}
