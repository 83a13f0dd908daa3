// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datarequest fetches files, changes and parsed trees from the data
// backend on behalf of analyzers.
//
// # Description
//
// Every request goes through transport.Call: a gRPC failure invalidates the
// worker's channel and the original error is returned to the caller.
// Requests always exclude vendored and generated files.
package datarequest

import (
	"context"
	"errors"
	"io"
	"path/filepath"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/api"
	"github.com/AleutianAI/lookout/services/lookout/coordinate"
	"github.com/AleutianAI/lookout/services/lookout/transport"
)

// GarbagePattern matches paths of vendored, minified, generated and binary
// files that analyzers should never see.
const GarbagePattern = `(^|/)(\.git|\.hg|\.svn|node_modules|bower_components|vendor|third_party|Godeps|dist|build|__pycache__)/` +
	`|\.min\.(js|css)$|\.(map|lock|pb\.go|png|jpe?g|gif|ico|svg|pdf|zip|gz|tar|jar|so|dll|exe|bin|woff2?|ttf|eot)$` +
	`|(^|/)(package-lock\.json|yarn\.lock|go\.sum)$`

// RequestFiles streams every file of ptr.
func RequestFiles(ctx context.Context, svc analyzer.DataService, ptr analyzer.RepositoryPointer, contents, uast bool) ([]*api.File, error) {
	req := &api.FilesRequest{
		Revision:        ptr.API(),
		ExcludePattern:  GarbagePattern,
		ExcludeVendored: true,
		WantContents:    contents,
		WantUAST:        uast,
	}
	return transport.Call(svc, func() ([]*api.File, error) {
		data, err := svc.Data(ctx)
		if err != nil {
			return nil, err
		}
		stream, err := data.GetFiles(ctx, req)
		if err != nil {
			return nil, err
		}
		return drain(stream.Recv)
	})
}

// RequestChanges streams the files changed between base and head.
func RequestChanges(ctx context.Context, svc analyzer.DataService, base, head analyzer.RepositoryPointer, contents, uast bool) ([]*api.Change, error) {
	req := &api.ChangesRequest{
		Base:            base.API(),
		Head:            head.API(),
		ExcludePattern:  GarbagePattern,
		ExcludeVendored: true,
		WantContents:    contents,
		WantUAST:        uast,
	}
	return transport.Call(svc, func() ([]*api.Change, error) {
		data, err := svc.Data(ctx)
		if err != nil {
			return nil, err
		}
		stream, err := data.GetChanges(ctx, req)
		if err != nil {
			return nil, err
		}
		return drain(stream.Recv)
	})
}

// ParseUAST parses code and returns the tree with the parser's error
// messages. language may be empty to let the parser detect it.
func ParseUAST(ctx context.Context, svc analyzer.DataService, code, filename, language string) (*api.Node, []string, error) {
	resp, err := transport.Call(svc, func() (*api.ParseResponse, error) {
		parser, err := svc.Parser(ctx)
		if err != nil {
			return nil, err
		}
		return parser.Parse(ctx, &api.ParseRequest{
			Filename: filepath.Base(filename),
			Content:  code,
			Language: language,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return resp.UAST, resp.Errors, nil
}

func drain[T any](recv func() (*T, error)) ([]*T, error) {
	var out []*T
	for {
		item, err := recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
}

// =============================================================================
// Prefetch
// =============================================================================

// PrepareTrain fills req.Files when reg asks for them.
func PrepareTrain(ctx context.Context, reg analyzer.Registration, req *analyzer.TrainRequest) error {
	n, ok := reg.(analyzer.TrainNeeder)
	if !ok || !n.TrainNeeds().Fetch {
		return nil
	}
	needs := n.TrainNeeds()
	files, err := RequestFiles(ctx, req.Transport, req.Pointer, needs.Contents, needs.UAST)
	if err != nil {
		return err
	}
	req.Files = files
	return nil
}

// PrepareAnalyze fills req.Changes, or req.UnicodeChanges when Unicode
// positions are requested, when reg asks for them.
func PrepareAnalyze(ctx context.Context, reg analyzer.Registration, req *analyzer.AnalyzeRequest) error {
	n, ok := reg.(analyzer.AnalyzeNeeder)
	if !ok || !n.AnalyzeNeeds().Fetch {
		return nil
	}
	needs := n.AnalyzeNeeds()
	changes, err := RequestChanges(ctx, req.Transport, req.Base, req.Head, needs.Contents || needs.Unicode, needs.UAST)
	if err != nil {
		return err
	}
	if !needs.Unicode {
		req.Changes = changes
		return nil
	}
	req.UnicodeChanges = make([]*analyzer.UnicodeChange, 0, len(changes))
	for _, ch := range changes {
		uc, err := coordinate.ConvertChange(ch)
		if err != nil {
			return err
		}
		req.UnicodeChanges = append(req.UnicodeChanges, uc)
	}
	return nil
}
