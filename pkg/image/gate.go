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

// Package image decides whether a container image has to be built and
// publishes it to ECR when it does.
package image

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrTypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/go-logr/logr"
)

var ErrEmptyTag = errors.New("image tag is empty")

// ECRAPI is the part of ECR the gate and the publisher need.
type ECRAPI interface {
	DescribeImages(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error)
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

var _ ECRAPI = (*ecr.Client)(nil)

// Decision is the outcome of a gate check.
type Decision struct {
	Tag           string
	Registry      string
	RepositoryURI string
	ImageURI      string
	Exists        bool
	ShouldDeploy  bool
	Forced        bool
}

// Outputs renders the decision as CI step outputs.
func (d *Decision) Outputs() map[string]string {
	return map[string]string{
		"should-deploy": fmt.Sprintf("%t", d.ShouldDeploy),
		"image-tag":     d.Tag,
		"ecr-registry":  d.Registry,
		"image-uri":     d.ImageURI,
	}
}

// Gate checks whether an image for a tag is already in the registry. The
// check is by tag only: a new tag always builds, even for identical content.
type Gate struct {
	ECR        ECRAPI
	Repository string
	// RepositoryURI is looked up with DescribeRepositories when empty.
	RepositoryURI string
	Log           logr.Logger
}

// Check reports whether tag exists. force requests a deploy even when it
// does; the image is still only built when the tag is missing.
func (g *Gate) Check(ctx context.Context, tag string, force bool) (*Decision, error) {
	if tag == "" {
		return nil, ErrEmptyTag
	}
	log := g.Log.WithValues("repository", g.Repository, "tag", tag)

	uri, err := g.repositoryURI(ctx)
	if err != nil {
		return nil, err
	}
	d := &Decision{
		Tag:           tag,
		RepositoryURI: uri,
		Registry:      registryOf(uri),
		ImageURI:      uri + ":" + tag,
	}

	exists, err := g.tagExists(ctx, tag)
	if err != nil {
		return nil, err
	}
	d.Exists = exists
	d.Forced = force
	d.ShouldDeploy = !exists || force
	switch {
	case !exists:
		log.Info("image not found, build required")
	case force:
		log.Info("image already exists, forcing deploy")
	default:
		log.Info("image already exists, nothing to build")
	}
	return d, nil
}

func (g *Gate) tagExists(ctx context.Context, tag string) (bool, error) {
	resp, err := g.ECR.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(g.Repository),
		ImageIds:       []ecrTypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		var notFound *ecrTypes.ImageNotFoundException
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("describing image %s:%s: %w", g.Repository, tag, err)
	}
	return len(resp.ImageDetails) > 0, nil
}

func (g *Gate) repositoryURI(ctx context.Context) (string, error) {
	if g.RepositoryURI != "" {
		return g.RepositoryURI, nil
	}
	resp, err := g.ECR.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{g.Repository},
	})
	if err != nil {
		return "", fmt.Errorf("describing repository %s: %w", g.Repository, err)
	}
	if len(resp.Repositories) == 0 {
		return "", fmt.Errorf("repository %s not found", g.Repository)
	}
	g.RepositoryURI = aws.ToString(resp.Repositories[0].RepositoryUri)
	return g.RepositoryURI, nil
}

func registryOf(uri string) string {
	registry, _, _ := strings.Cut(uri, "/")
	return registry
}
