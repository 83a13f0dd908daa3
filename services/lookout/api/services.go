// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"

	"google.golang.org/grpc"
)

// Fully qualified method names.
const (
	AnalyzerNotifyPushEventMethod   = "/lookout.Analyzer/NotifyPushEvent"
	AnalyzerNotifyReviewEventMethod = "/lookout.Analyzer/NotifyReviewEvent"
	DataGetChangesMethod            = "/lookout.Data/GetChanges"
	DataGetFilesMethod              = "/lookout.Data/GetFiles"
	ParserParseMethod               = "/lookout.Parser/Parse"
)

// =============================================================================
// Analyzer Service
// =============================================================================

// AnalyzerServer is implemented by the analyzer host.
type AnalyzerServer interface {
	NotifyPushEvent(context.Context, *PushEvent) (*EventResponse, error)
	NotifyReviewEvent(context.Context, *ReviewEvent) (*EventResponse, error)
}

// AnalyzerClient calls an analyzer host.
type AnalyzerClient interface {
	NotifyPushEvent(ctx context.Context, in *PushEvent, opts ...grpc.CallOption) (*EventResponse, error)
	NotifyReviewEvent(ctx context.Context, in *ReviewEvent, opts ...grpc.CallOption) (*EventResponse, error)
}

type analyzerClient struct {
	cc grpc.ClientConnInterface
}

// NewAnalyzerClient binds an AnalyzerClient to cc.
func NewAnalyzerClient(cc grpc.ClientConnInterface) AnalyzerClient {
	return &analyzerClient{cc: cc}
}

func (c *analyzerClient) NotifyPushEvent(ctx context.Context, in *PushEvent, opts ...grpc.CallOption) (*EventResponse, error) {
	out := new(EventResponse)
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	if err := c.cc.Invoke(ctx, AnalyzerNotifyPushEventMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *analyzerClient) NotifyReviewEvent(ctx context.Context, in *ReviewEvent, opts ...grpc.CallOption) (*EventResponse, error) {
	out := new(EventResponse)
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	if err := c.cc.Invoke(ctx, AnalyzerNotifyReviewEventMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterAnalyzerServer registers srv on s.
func RegisterAnalyzerServer(s grpc.ServiceRegistrar, srv AnalyzerServer) {
	s.RegisterService(&AnalyzerServiceDesc, srv)
}

func analyzerNotifyPushEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PushEvent)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnalyzerServer).NotifyPushEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AnalyzerNotifyPushEventMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AnalyzerServer).NotifyPushEvent(ctx, req.(*PushEvent))
	}
	return interceptor(ctx, in, info, handler)
}

func analyzerNotifyReviewEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReviewEvent)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnalyzerServer).NotifyReviewEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AnalyzerNotifyReviewEventMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AnalyzerServer).NotifyReviewEvent(ctx, req.(*ReviewEvent))
	}
	return interceptor(ctx, in, info, handler)
}

// AnalyzerServiceDesc describes the lookout.Analyzer service.
var AnalyzerServiceDesc = grpc.ServiceDesc{
	ServiceName: "lookout.Analyzer",
	HandlerType: (*AnalyzerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NotifyPushEvent", Handler: analyzerNotifyPushEventHandler},
		{MethodName: "NotifyReviewEvent", Handler: analyzerNotifyReviewEventHandler},
	},
	Metadata: "lookout/service_analyzer",
}

// =============================================================================
// Data Service
// =============================================================================

// DataServer is implemented by the data backend.
type DataServer interface {
	GetChanges(*ChangesRequest, grpc.ServerStreamingServer[Change]) error
	GetFiles(*FilesRequest, grpc.ServerStreamingServer[File]) error
}

// DataClient streams files and changes from the data backend.
type DataClient interface {
	GetChanges(ctx context.Context, in *ChangesRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Change], error)
	GetFiles(ctx context.Context, in *FilesRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[File], error)
}

type dataClient struct {
	cc grpc.ClientConnInterface
}

// NewDataClient binds a DataClient to cc.
func NewDataClient(cc grpc.ClientConnInterface) DataClient {
	return &dataClient{cc: cc}
}

func (c *dataClient) GetChanges(ctx context.Context, in *ChangesRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Change], error) {
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	stream, err := c.cc.NewStream(ctx, &DataServiceDesc.Streams[0], DataGetChangesMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[ChangesRequest, Change]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *dataClient) GetFiles(ctx context.Context, in *FilesRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[File], error) {
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	stream, err := c.cc.NewStream(ctx, &DataServiceDesc.Streams[1], DataGetFilesMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[FilesRequest, File]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// RegisterDataServer registers srv on s.
func RegisterDataServer(s grpc.ServiceRegistrar, srv DataServer) {
	s.RegisterService(&DataServiceDesc, srv)
}

func dataGetChangesHandler(srv any, stream grpc.ServerStream) error {
	in := new(ChangesRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DataServer).GetChanges(in, &grpc.GenericServerStream[ChangesRequest, Change]{ServerStream: stream})
}

func dataGetFilesHandler(srv any, stream grpc.ServerStream) error {
	in := new(FilesRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DataServer).GetFiles(in, &grpc.GenericServerStream[FilesRequest, File]{ServerStream: stream})
}

// DataServiceDesc describes the lookout.Data service.
var DataServiceDesc = grpc.ServiceDesc{
	ServiceName: "lookout.Data",
	HandlerType: (*DataServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "GetChanges", Handler: dataGetChangesHandler, ServerStreams: true},
		{StreamName: "GetFiles", Handler: dataGetFilesHandler, ServerStreams: true},
	},
	Metadata: "lookout/service_data",
}

// =============================================================================
// Parser Service
// =============================================================================

// ParserServer is implemented by the parse backend.
type ParserServer interface {
	Parse(context.Context, *ParseRequest) (*ParseResponse, error)
}

// ParserClient calls the parse backend.
type ParserClient interface {
	Parse(ctx context.Context, in *ParseRequest, opts ...grpc.CallOption) (*ParseResponse, error)
}

type parserClient struct {
	cc grpc.ClientConnInterface
}

// NewParserClient binds a ParserClient to cc.
func NewParserClient(cc grpc.ClientConnInterface) ParserClient {
	return &parserClient{cc: cc}
}

func (c *parserClient) Parse(ctx context.Context, in *ParseRequest, opts ...grpc.CallOption) (*ParseResponse, error) {
	out := new(ParseResponse)
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	if err := c.cc.Invoke(ctx, ParserParseMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterParserServer registers srv on s.
func RegisterParserServer(s grpc.ServiceRegistrar, srv ParserServer) {
	s.RegisterService(&ParserServiceDesc, srv)
}

func parserParseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ParseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ParserServer).Parse(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ParserParseMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ParserServer).Parse(ctx, req.(*ParseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ParserServiceDesc describes the lookout.Parser service.
var ParserServiceDesc = grpc.ServiceDesc{
	ServiceName: "lookout.Parser",
	HandlerType: (*ParserServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Parse", Handler: parserParseHandler},
	},
	Metadata: "lookout/service_parser",
}
