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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfTypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
)

// callLog records mutating API calls across all regions in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeStack struct {
	status  cfTypes.StackStatus
	reason  string
	created time.Time
	updated *time.Time
	outputs map[string]string
	// pending statuses are applied one per DescribeStacks call.
	pending []cfTypes.StackStatus
	events  []cfTypes.StackEvent
	failed  []cfTypes.StackResourceSummary
}

type fakeChangeSet struct {
	stack  string
	kind   cfTypes.ChangeSetType
	status cfTypes.ChangeSetStatus
	reason string
	input  *cloudformation.CreateChangeSetInput
}

// fakeCloudFormation is an in-memory CloudFormation that moves stacks
// through their usual status transitions.
type fakeCloudFormation struct {
	mu     sync.Mutex
	region string
	log    *callLog

	stacks     map[string]*fakeStack
	changeSets map[string]*fakeChangeSet
	inputs     map[string]*cloudformation.CreateChangeSetInput

	// Behavior knobs keyed by stack name.
	emptyChanges   map[string]bool
	changeSetError map[string]string
	executeResult  map[string]cfTypes.StackStatus
	deleteResult   map[string]cfTypes.StackStatus
	outputsOnApply map[string]map[string]string
	// lag is the number of DescribeStacks calls that still report the old
	// status after an execute or delete was accepted.
	lag map[string]int

	// extra summaries returned by ListStacks only.
	listed []cfTypes.StackSummary
}

func newFakeCloudFormation(region string, log *callLog) *fakeCloudFormation {
	if log == nil {
		log = &callLog{}
	}
	return &fakeCloudFormation{
		region:         region,
		log:            log,
		stacks:         map[string]*fakeStack{},
		changeSets:     map[string]*fakeChangeSet{},
		inputs:         map[string]*cloudformation.CreateChangeSetInput{},
		emptyChanges:   map[string]bool{},
		changeSetError: map[string]string{},
		executeResult:  map[string]cfTypes.StackStatus{},
		deleteResult:   map[string]cfTypes.StackStatus{},
		outputsOnApply: map[string]map[string]string{},
		lag:            map[string]int{},
	}
}

func (f *fakeCloudFormation) withStack(name string, status cfTypes.StackStatus, pending ...cfTypes.StackStatus) *fakeCloudFormation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stacks[name] = &fakeStack{status: status, created: time.Now().Add(-time.Hour), pending: pending}
	return f
}

func (f *fakeCloudFormation) stackStatus(name string) cfTypes.StackStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stacks[name]; ok {
		return s.status
	}
	return ""
}

func (f *fakeCloudFormation) lastInput(name string) *cloudformation.CreateChangeSetInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[name]
}

func notFound(name string) error {
	return &smithy.GenericAPIError{Code: "ValidationError", Message: fmt.Sprintf("Stack with id %s does not exist", name)}
}

func stackID(region, name string) string {
	return fmt.Sprintf("arn:aws:cloudformation:%s:123456789012:stack/%s/1", region, name)
}

func (f *fakeCloudFormation) DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.StackName)
	s, ok := f.stacks[name]
	if !ok {
		return nil, notFound(name)
	}
	if len(s.pending) > 0 {
		s.status, s.pending = s.pending[0], s.pending[1:]
		if len(s.pending) == 0 && s.status == cfTypes.StackStatusDeleteComplete {
			delete(f.stacks, name)
		}
	}
	if s.status == cfTypes.StackStatusDeleteComplete {
		return nil, notFound(name)
	}

	var outputs []cfTypes.Output
	for _, k := range sortedKeys(s.outputs) {
		outputs = append(outputs, cfTypes.Output{OutputKey: aws.String(k), OutputValue: aws.String(s.outputs[k])})
	}
	created := s.created
	return &cloudformation.DescribeStacksOutput{Stacks: []cfTypes.Stack{{
		StackId:           aws.String(stackID(f.region, name)),
		StackName:         aws.String(name),
		StackStatus:       s.status,
		StackStatusReason: aws.String(s.reason),
		CreationTime:      &created,
		LastUpdatedTime:   s.updated,
		Outputs:           outputs,
	}}}, nil
}

func (f *fakeCloudFormation) CreateChangeSet(ctx context.Context, params *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.StackName)
	f.log.add("CreateChangeSet %s %s %s", f.region, name, params.ChangeSetType)

	_, exists := f.stacks[name]
	if params.ChangeSetType == cfTypes.ChangeSetTypeCreate && !exists {
		f.stacks[name] = &fakeStack{status: cfTypes.StackStatusReviewInProgress, created: time.Now()}
	}
	if params.ChangeSetType == cfTypes.ChangeSetTypeUpdate && !exists {
		return nil, notFound(name)
	}

	cs := &fakeChangeSet{stack: name, kind: params.ChangeSetType, status: cfTypes.ChangeSetStatusCreateComplete, input: params}
	switch {
	case f.emptyChanges[name]:
		cs.status = cfTypes.ChangeSetStatusFailed
		cs.reason = "The submitted information didn't contain changes. Submit different information to create a change set."
	case f.changeSetError[name] != "":
		cs.status = cfTypes.ChangeSetStatusFailed
		cs.reason = f.changeSetError[name]
	}
	f.changeSets[aws.ToString(params.ChangeSetName)] = cs
	f.inputs[name] = params

	return &cloudformation.CreateChangeSetOutput{
		Id:      aws.String("arn:aws:cloudformation:" + f.region + ":123456789012:changeSet/" + aws.ToString(params.ChangeSetName)),
		StackId: aws.String(stackID(f.region, name)),
	}, nil
}

func (f *fakeCloudFormation) DescribeChangeSet(ctx context.Context, params *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cs, ok := f.changeSets[aws.ToString(params.ChangeSetName)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ChangeSetNotFound", Message: "ChangeSet does not exist"}
	}
	return &cloudformation.DescribeChangeSetOutput{
		ChangeSetName: params.ChangeSetName,
		StackName:     aws.String(cs.stack),
		Status:        cs.status,
		StatusReason:  aws.String(cs.reason),
	}, nil
}

func (f *fakeCloudFormation) ExecuteChangeSet(ctx context.Context, params *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.StackName)
	f.log.add("ExecuteChangeSet %s %s", f.region, name)

	cs := f.changeSets[aws.ToString(params.ChangeSetName)]
	s := f.stacks[name]
	now := time.Now()

	inProgress, done := cfTypes.StackStatusUpdateInProgress, cfTypes.StackStatusUpdateComplete
	if cs.kind == cfTypes.ChangeSetTypeCreate {
		inProgress, done = cfTypes.StackStatusCreateInProgress, cfTypes.StackStatusCreateComplete
	}
	if result, ok := f.executeResult[name]; ok {
		done = result
		s.reason = "The following resource(s) failed to create: [Service]."
		s.failed = []cfTypes.StackResourceSummary{{
			LogicalResourceId:    aws.String("Service"),
			ResourceType:         aws.String("AWS::ECS::Service"),
			ResourceStatus:       cfTypes.ResourceStatusCreateFailed,
			ResourceStatusReason: aws.String("Resource handler returned message: service did not stabilize"),
		}}
	} else if outputs, ok := f.outputsOnApply[name]; ok {
		s.outputs = outputs
	}

	s.pending = append(f.stale(name, s), inProgress, done)
	s.status = s.pending[0]
	s.updated = &now
	s.events = append(s.events, cfTypes.StackEvent{
		EventId:           aws.String(fmt.Sprintf("%s-%d", name, len(s.events)+1)),
		StackName:         aws.String(name),
		LogicalResourceId: aws.String(name),
		ResourceType:      aws.String("AWS::CloudFormation::Stack"),
		ResourceStatus:    cfTypes.ResourceStatus(inProgress),
		Timestamp:         aws.Time(now),
	})
	return &cloudformation.ExecuteChangeSetOutput{}, nil
}

func (f *fakeCloudFormation) DeleteChangeSet(ctx context.Context, params *cloudformation.DeleteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteChangeSetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log.add("DeleteChangeSet %s %s", f.region, aws.ToString(params.StackName))
	delete(f.changeSets, aws.ToString(params.ChangeSetName))
	return &cloudformation.DeleteChangeSetOutput{}, nil
}

func (f *fakeCloudFormation) DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.StackName)
	s, ok := f.stacks[name]
	if ok && ClassifyStatus(s.status) == StateInProgress {
		return nil, &smithy.GenericAPIError{
			Code:    "ValidationError",
			Message: fmt.Sprintf("Stack [%s] cannot be deleted while in status %s", name, s.status),
		}
	}
	f.log.add("DeleteStack %s %s", f.region, name)

	if !ok {
		// Deleting an absent stack succeeds silently.
		return &cloudformation.DeleteStackOutput{}, nil
	}
	result := cfTypes.StackStatusDeleteComplete
	if r, ok := f.deleteResult[name]; ok {
		result = r
		s.reason = "The following resource(s) failed to delete: [Bucket]."
	}
	s.pending = append(f.stale(name, s), cfTypes.StackStatusDeleteInProgress, result)
	s.status = s.pending[0]
	return &cloudformation.DeleteStackOutput{}, nil
}

// stale repeats the current status for the configured lag.
func (f *fakeCloudFormation) stale(name string, s *fakeStack) []cfTypes.StackStatus {
	var out []cfTypes.StackStatus
	for i := 0; i < f.lag[name]; i++ {
		out = append(out, s.status)
	}
	return out
}

func (f *fakeCloudFormation) ListStacks(ctx context.Context, params *cloudformation.ListStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStacksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	allowed := map[cfTypes.StackStatus]bool{}
	for _, s := range params.StackStatusFilter {
		allowed[s] = true
	}

	names := make([]string, 0, len(f.stacks))
	for name := range f.stacks {
		names = append(names, name)
	}
	sort.Strings(names)

	var summaries []cfTypes.StackSummary
	for _, name := range names {
		s := f.stacks[name]
		created := s.created
		summaries = append(summaries, cfTypes.StackSummary{
			StackName:       aws.String(name),
			StackStatus:     s.status,
			CreationTime:    &created,
			LastUpdatedTime: s.updated,
		})
	}
	summaries = append(summaries, f.listed...)

	var out []cfTypes.StackSummary
	for _, s := range summaries {
		if len(allowed) == 0 || allowed[s.StackStatus] {
			out = append(out, s)
		}
	}
	return &cloudformation.ListStacksOutput{StackSummaries: out}, nil
}

func (f *fakeCloudFormation) ListStackResources(ctx context.Context, params *cloudformation.ListStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for name, s := range f.stacks {
		if stackID(f.region, name) == aws.ToString(params.StackName) || name == aws.ToString(params.StackName) {
			return &cloudformation.ListStackResourcesOutput{StackResourceSummaries: s.failed}, nil
		}
	}
	return &cloudformation.ListStackResourcesOutput{}, nil
}

func (f *fakeCloudFormation) DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.StackName)
	s, ok := f.stacks[name]
	if !ok {
		return nil, notFound(name)
	}
	// Newest first, like the real API.
	events := make([]cfTypes.StackEvent, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		events = append(events, s.events[i])
	}
	return &cloudformation.DescribeStackEventsOutput{StackEvents: events}, nil
}

// fakeProvider hands out one fake per region, sharing a call log.
type fakeProvider struct {
	log     *callLog
	regions map[string]*fakeCloudFormation
}

func newFakeProvider(regions ...string) *fakeProvider {
	p := &fakeProvider{log: &callLog{}, regions: map[string]*fakeCloudFormation{}}
	for _, r := range regions {
		p.regions[r] = newFakeCloudFormation(r, p.log)
	}
	return p
}

func (p *fakeProvider) CloudFormation(region string) CloudFormationAPI {
	return p.regions[region]
}
