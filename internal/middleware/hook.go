// Package middleware runs hooks around incoming sync streams.
package middleware

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// CallInfo describes the stream being handled.
type CallInfo struct {
	FullMethod string
	PeerAddr   string
}

// Hook processes a stream. Return a gRPC status error to reject.
type Hook func(ctx context.Context, info *CallInfo) (context.Context, error)

// Chain holds ordered pre and post hooks.
type Chain struct {
	Pre  []Hook
	Post []Hook
}

// RunPre executes pre-hooks in order. Stops on first error.
func (c *Chain) RunPre(ctx context.Context, info *CallInfo) (context.Context, error) {
	for _, h := range c.Pre {
		var err error
		ctx, err = h(ctx, info)
		if err != nil {
			return ctx, err
		}
	}
	return ctx, nil
}

// RunPost executes post-hooks in order. Stops on first error.
func (c *Chain) RunPost(ctx context.Context, info *CallInfo) (context.Context, error) {
	for _, h := range c.Post {
		var err error
		ctx, err = h(ctx, info)
		if err != nil {
			return ctx, err
		}
	}
	return ctx, nil
}

// Use appends a pre-hook and its matching post-hook. Either may be nil.
func (c *Chain) Use(pre, post Hook) *Chain {
	if pre != nil {
		c.Pre = append(c.Pre, pre)
	}
	if post != nil {
		c.Post = append(c.Post, post)
	}
	return c
}

// StreamServerInterceptor runs the pre-hooks before each stream and, if
// they all pass, the post-hooks once the handler returns.
func (c *Chain) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		call := &CallInfo{FullMethod: info.FullMethod}
		if p, ok := peer.FromContext(ss.Context()); ok && p.Addr != nil {
			call.PeerAddr = p.Addr.String()
		}

		ctx, err := c.RunPre(ss.Context(), call)
		if err != nil {
			return err
		}
		herr := handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
		if _, perr := c.RunPost(ctx, call); perr != nil && herr == nil {
			return perr
		}
		return herr
	}
}

type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextStream) Context() context.Context { return s.ctx }

// PeerLimit admits at most limit concurrent streams and rejects the rest
// with ResourceExhausted. A limit of zero or less admits everything.
func PeerLimit(limit int) (pre, post Hook) {
	if limit <= 0 {
		return nil, nil
	}
	var active atomic.Int64
	pre = func(ctx context.Context, info *CallInfo) (context.Context, error) {
		if active.Add(1) > int64(limit) {
			active.Add(-1)
			return ctx, status.Errorf(codes.ResourceExhausted, "peer limit of %d reached", limit)
		}
		return ctx, nil
	}
	post = func(ctx context.Context, _ *CallInfo) (context.Context, error) {
		active.Add(-1)
		return ctx, nil
	}
	return pre, post
}
