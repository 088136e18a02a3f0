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
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/go-logr/logr"

	"github.com/linki/cloudformation-deployer/api/v1alpha1"
)

const defaultFollowInterval = 5 * time.Second

// StackFollower tails the event history of stacks while an operation on
// them is running, so progress and failure reasons show up in the log.
type StackFollower struct {
	Log      logr.Logger
	Interval time.Duration
	// OnEvent, if set, receives every event after it has been logged.
	OnEvent func(stack string, event v1alpha1.StackEvent)
	// Stack name -> cancel func of the follower goroutine
	mapPollingList sync.Map
}

// Follow starts tailing events of the named stack that happened after since.
// The returned function stops following and flushes the remaining events.
func (f *StackFollower) Follow(ctx context.Context, cf CloudFormationAPI, stackName string, since time.Time) func() {
	if f.BeingFollowed(stackName) {
		return func() {}
	}

	followCtx, cancel := context.WithCancel(ctx)
	f.startFollowing(stackName, cancel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		seen := map[string]bool{}
		ticker := time.NewTicker(f.interval())
		defer ticker.Stop()

		for {
			f.processStack(followCtx, cf, stackName, since, seen)
			select {
			case <-followCtx.Done():
				// One last pass so the events of the final transition are not lost.
				flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				f.processStack(flushCtx, cf, stackName, since, seen)
				flushCancel()
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
		f.stopFollowing(stackName)
	}
}

// Identify if the follower is actively working this one.
func (f *StackFollower) BeingFollowed(stackName string) bool {
	_, followed := f.mapPollingList.Load(stackName)
	return followed
}

func (f *StackFollower) startFollowing(stackName string, cancel context.CancelFunc) {
	f.mapPollingList.Store(stackName, cancel)
	f.Log.V(1).Info("Now following Stack", "stack", stackName)
}

func (f *StackFollower) stopFollowing(stackName string) {
	f.mapPollingList.Delete(stackName)
	f.Log.V(1).Info("Stopped following Stack", "stack", stackName)
}

func (f *StackFollower) processStack(ctx context.Context, cf CloudFormationAPI, stackName string, since time.Time, seen map[string]bool) {
	events, err := f.newEvents(ctx, cf, stackName, since, seen)
	if err != nil {
		if ctx.Err() == nil {
			f.Log.V(1).Info("failed to read stack events", "stack", stackName, "error", err.Error())
		}
		return
	}
	for _, e := range events {
		f.Log.Info("stack event",
			"stack", stackName,
			"resource", e.LogicalId,
			"type", e.Type,
			"status", e.Status,
			"reason", e.StatusReason)
		if f.OnEvent != nil {
			f.OnEvent(stackName, e)
		}
	}
}

// newEvents returns unseen events newer than since, oldest first. Only the
// first page is read: it holds the most recent events.
func (f *StackFollower) newEvents(ctx context.Context, cf CloudFormationAPI, stackName string, since time.Time, seen map[string]bool) ([]v1alpha1.StackEvent, error) {
	resp, err := cf.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return nil, err
	}

	var events []v1alpha1.StackEvent
	for i := len(resp.StackEvents) - 1; i >= 0; i-- {
		e := resp.StackEvents[i]
		id := aws.ToString(e.EventId)
		if seen[id] {
			continue
		}
		ts := aws.ToTime(e.Timestamp)
		if ts.Before(since) {
			continue
		}
		seen[id] = true
		events = append(events, v1alpha1.StackEvent{
			EventID:      id,
			LogicalId:    aws.ToString(e.LogicalResourceId),
			Type:         aws.ToString(e.ResourceType),
			Status:       string(e.ResourceStatus),
			StatusReason: aws.ToString(e.ResourceStatusReason),
			Timestamp:    ts,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (f *StackFollower) interval() time.Duration {
	if f.Interval > 0 {
		return f.Interval
	}
	return defaultFollowInterval
}
