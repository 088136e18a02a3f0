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

// Package template loads CloudFormation templates for stacks, staging
// templates that are too large to send inline in S3.
package template

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"

	"github.com/linki/cloudformation-deployer/api/v1alpha1"
)

// MaxBodySize is the largest template CloudFormation accepts as TemplateBody.
const MaxBodySize = 51200

var ErrNoBucket = errors.New("template exceeds inline size and no artifact bucket is configured")

type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Resolver turns the template reference of a stack into either an inline
// body or an S3 URL.
type Resolver struct {
	S3     S3API
	Bucket string
	// Region of Bucket, used to build the object URL.
	Region string
	Prefix string
	Log    logr.Logger
	DryRun bool
}

func (r *Resolver) Resolve(ctx context.Context, stack *v1alpha1.Stack) (string, string, error) {
	if stack.Spec.TemplateURL != "" {
		return "", stack.Spec.TemplateURL, nil
	}

	body, err := os.ReadFile(stack.Spec.Template)
	if err != nil {
		return "", "", fmt.Errorf("reading template for %s: %w", stack.Name, err)
	}
	if len(body) <= MaxBodySize {
		return string(body), "", nil
	}

	if r.Bucket == "" || r.S3 == nil {
		return "", "", fmt.Errorf("%s (%d bytes): %w", stack.Name, len(body), ErrNoBucket)
	}

	key := path.Join(r.Prefix, stack.Name, Hash(body)+path.Ext(stack.Spec.Template))
	url := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", r.Bucket, r.Region, key)
	log := r.Log.WithValues("stack", stack.Name, "url", url)

	if r.DryRun {
		log.Info("dry run, not uploading template")
		return "", url, nil
	}

	log.Info("uploading template", "bytes", len(body))
	if _, err := r.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-yaml"),
	}); err != nil {
		return "", "", fmt.Errorf("uploading template for %s: %w", stack.Name, err)
	}
	return "", url, nil
}

// Hash is the hex sha256 of a template body; identical templates share an
// object key.
func Hash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
