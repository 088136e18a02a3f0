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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/go-logr/logr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/linki/cloudformation-deployer/api/v1alpha1"
)

// LeftoverStack is a project stack that is still present after cleanup.
type LeftoverStack struct {
	Name        string
	Region      string
	Status      string
	LastChanged time.Time
}

type CleanupReport struct {
	Deleted   []string
	Skipped   []string
	Failed    []string
	Leftovers []LeftoverStack
}

// Cleaner tears a pipeline down in reverse dependency order so that no
// export is removed while another stack still imports it.
type Cleaner struct {
	Log        logr.Logger
	Reconciler *StackReconciler
}

// Cleanup deletes the pipeline stacks one at a time, last stack first. A
// failing stack does not stop the remaining deletions; all failures are
// returned together. Afterwards every project stack that is not fully
// deleted is listed in the report for follow-up.
func (c *Cleaner) Cleanup(ctx context.Context, pipeline *v1alpha1.Pipeline) (*CleanupReport, error) {
	report := &CleanupReport{}
	var errs []error

	for _, stack := range pipeline.ReverseStacks() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		log := c.Log.WithValues("stack", stack.Name, "region", stack.Spec.Region)

		deleted, err := c.Reconciler.Delete(ctx, &stack)
		switch {
		case err != nil:
			log.Error(err, "failed to delete stack")
			report.Failed = append(report.Failed, stack.Name)
			errs = append(errs, fmt.Errorf("deleting %s: %w", stack.Name, err))
		case !deleted:
			log.Info("stack not found, skipping")
			report.Skipped = append(report.Skipped, stack.Name)
		default:
			report.Deleted = append(report.Deleted, stack.Name)
		}
	}

	leftovers, err := c.Leftovers(ctx, pipeline)
	if err != nil {
		errs = append(errs, err)
	}
	report.Leftovers = leftovers
	for _, l := range leftovers {
		c.Log.Info("stack still present", "stack", l.Name, "region", l.Region, "status", l.Status)
	}

	return report, utilerrors.NewAggregate(errs)
}

// Leftovers lists project stacks in every pipeline region that are not in
// DELETE_COMPLETE.
func (c *Cleaner) Leftovers(ctx context.Context, pipeline *v1alpha1.Pipeline) ([]LeftoverStack, error) {
	var leftovers []LeftoverStack
	var errs []error

	for _, region := range pipeline.Regions() {
		helper := &CloudFormationHelper{CloudFormation: c.Reconciler.Provider.CloudFormation(region)}
		summaries, err := helper.ListStacks(ctx, pipeline.MatchesNamingConvention)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing stacks in %s: %w", region, err))
			continue
		}
		for _, s := range summaries {
			changed := aws.ToTime(s.CreationTime)
			if s.LastUpdatedTime != nil {
				changed = *s.LastUpdatedTime
			}
			if s.DeletionTime != nil {
				changed = *s.DeletionTime
			}
			leftovers = append(leftovers, LeftoverStack{
				Name:        aws.ToString(s.StackName),
				Region:      region,
				Status:      string(s.StackStatus),
				LastChanged: changed,
			})
		}
	}

	return leftovers, utilerrors.NewAggregate(errs)
}
