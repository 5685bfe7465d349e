package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/orgsync/internal/externalid"
	"github.com/desertthunder/orgsync/internal/formatter"
	"github.com/desertthunder/orgsync/internal/shared"
)

// orgFor opens the org's session and wraps its client for the resolver.
func (r *Runner) orgFor(ctx context.Context, orgID string) (externalid.Org, error) {
	s, err := r.session(ctx, orgID)
	if err != nil {
		return externalid.Org{}, err
	}
	return externalid.OrgFor(s.Client), nil
}

// mapping detects object's external id field in both orgs and maps one onto the other.
func (r *Runner) mapping(ctx context.Context, sourceID, targetID, object string) (externalid.MappingConfig, error) {
	source, err := r.orgFor(ctx, sourceID)
	if err != nil {
		return externalid.MappingConfig{}, err
	}
	target, err := r.orgFor(ctx, targetID)
	if err != nil {
		return externalid.MappingConfig{}, err
	}

	sourceInfo, err := r.resolver.DetectEnvironmentExternalIDInfo(ctx, object, source)
	if err != nil {
		return externalid.MappingConfig{}, err
	}
	targetInfo, err := r.resolver.DetectEnvironmentExternalIDInfo(ctx, object, target)
	if err != nil {
		return externalid.MappingConfig{}, err
	}
	return externalid.DetectCrossEnvironmentMapping(sourceInfo, targetInfo), nil
}

// ExternalIDDetect reports the external id field of each --object in one org.
func (r *Runner) ExternalIDDetect(ctx context.Context, cmd *cli.Command) error {
	org, err := r.orgFor(ctx, cmd.String("org"))
	if err != nil {
		return err
	}

	var infos []externalid.EnvironmentInfo
	for _, object := range cmd.StringSlice("object") {
		info, err := r.resolver.DetectEnvironmentExternalIDInfo(ctx, object, org)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	if cmd.Bool("json") {
		return r.writeJSON(infos, true)
	}
	for i, info := range infos {
		if i > 0 {
			r.writePlain("\n")
		}
		r.writePlain("%s", formatter.EnvironmentInfo(info))
	}
	return nil
}

type mappingView struct {
	externalid.MappingConfig
	SourceQuery string `json:"source_query,omitempty"`
	TargetQuery string `json:"target_query,omitempty"`
}

// ExternalIDMapping maps the object's external id field from --source to --target and, given a
// --template, prints the query each side should run.
func (r *Runner) ExternalIDMapping(ctx context.Context, cmd *cli.Command) error {
	m, err := r.mapping(ctx, cmd.String("source"), cmd.String("target"), cmd.String("object"))
	if err != nil {
		return err
	}
	template := cmd.String("template")

	if cmd.Bool("json") {
		view := mappingView{MappingConfig: m}
		if template != "" {
			view.SourceQuery, view.TargetQuery = m.BuildQueries(template)
		}
		return r.writeJSON(view, true)
	}
	return r.writePlain("%s", formatter.Mapping(m, template))
}

// ExternalIDResolve finds the target record matching a source reference.
func (r *Runner) ExternalIDResolve(ctx context.Context, cmd *cli.Command) error {
	object := cmd.String("object")
	m, err := r.mapping(ctx, cmd.String("source"), cmd.String("target"), object)
	if err != nil {
		return err
	}
	source, err := r.orgFor(ctx, cmd.String("source"))
	if err != nil {
		return err
	}
	target, err := r.orgFor(ctx, cmd.String("target"))
	if err != nil {
		return err
	}

	ref := externalid.Reference{Object: object, Field: cmd.String("field"), Value: cmd.String("value")}
	id, err := r.resolver.ResolveReference(ctx, m, source, target, ref)
	if errors.Is(err, shared.ErrUnresolvedReference) {
		r.writePlain("✗ %s %s has no match in %s (%s)\n", object, ref.Value, target.ID, externalid.ClassifyLookup(ref.Field))
		return err
	}
	if err != nil {
		return err
	}

	r.writePlain("✓ %s %s → %s\n", object, ref.Value, id)
	return nil
}
