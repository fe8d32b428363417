// Package remote carries the personhood verifier protocol over gRPC. Messages
// are google.protobuf.Struct values so that the verifier's proof payload can
// stay opaque to this service.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"agora.app/internal/verification"
)

const (
	serviceName        = "agora.personhood.v1.PersonhoodVerifier"
	startSessionMethod = "/" + serviceName + "/StartSession"
	submitProofMethod  = "/" + serviceName + "/SubmitProof"
)

// ErrMalformedResponse is returned when the verifier answers without the
// fields the protocol requires.
var ErrMalformedResponse = errors.New("remote: malformed verifier response")

// ServiceDesc describes the verifier service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*verification.ProofVerifier)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartSession", Handler: startSessionHandler},
		{MethodName: "SubmitProof", Handler: submitProofHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agora/personhood/v1/verifier.proto",
}

// Register exposes impl on s.
func Register(s grpc.ServiceRegistrar, impl verification.ProofVerifier) {
	s.RegisterService(&ServiceDesc, impl)
}

func startSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		fields := req.(*structpb.Struct).GetFields()
		uid := strings.TrimSpace(fields["uid"].GetStringValue())
		challengeID := strings.TrimSpace(fields["challenge_id"].GetStringValue())
		if uid == "" || challengeID == "" {
			return nil, status.Error(codes.InvalidArgument, "uid and challenge_id are required")
		}
		session, err := srv.(verification.ProofVerifier).StartSession(ctx, uid, challengeID)
		if err != nil {
			return nil, toStatus(err)
		}
		return structpb.NewStruct(map[string]any{
			"session_id":       session.SessionID,
			"verification_url": session.VerificationURL,
		})
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: startSessionMethod}
	return interceptor(ctx, in, info, call)
}

func submitProofHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		fields := req.(*structpb.Struct).GetFields()
		pr := verification.ProofRequest{
			UID:         strings.TrimSpace(fields["uid"].GetStringValue()),
			ChallengeID: strings.TrimSpace(fields["challenge_id"].GetStringValue()),
			SessionID:   strings.TrimSpace(fields["session_id"].GetStringValue()),
		}
		if pr.UID == "" || pr.ChallengeID == "" {
			return nil, status.Error(codes.InvalidArgument, "uid and challenge_id are required")
		}
		if p := fields["payload"].GetStructValue(); p != nil {
			pr.Payload = p.AsMap()
		}
		verdict, err := srv.(verification.ProofVerifier).SubmitProof(ctx, pr)
		if err != nil {
			return nil, toStatus(err)
		}
		return structpb.NewStruct(map[string]any{
			"approved": verdict.Approved,
			"reason":   verdict.Reason,
		})
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitProofMethod}
	return interceptor(ctx, in, info, call)
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	}
	return status.Error(codes.Internal, "verifier error")
}

// Client calls a remote verifier. It implements verification.ProofVerifier.
type Client struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

var _ verification.ProofVerifier = (*Client)(nil)

// Dial opens a client connection to target. Transport credentials must be
// supplied in opts.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if strings.TrimSpace(target) == "" {
		return nil, errors.New("remote: verifier target is required")
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", target, err)
	}
	return &Client{conn: conn, own: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	if c == nil || c.own == nil {
		return nil
	}
	return c.own.Close()
}

func (c *Client) StartSession(ctx context.Context, uid, challengeID string) (verification.Session, error) {
	req, err := structpb.NewStruct(map[string]any{"uid": uid, "challenge_id": challengeID})
	if err != nil {
		return verification.Session{}, fmt.Errorf("remote: encode request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, startSessionMethod, req, resp); err != nil {
		return verification.Session{}, fmt.Errorf("remote: start session: %w", err)
	}
	fields := resp.GetFields()
	session := verification.Session{
		SessionID:       fields["session_id"].GetStringValue(),
		VerificationURL: fields["verification_url"].GetStringValue(),
	}
	if session.SessionID == "" {
		return verification.Session{}, fmt.Errorf("%w: session_id missing", ErrMalformedResponse)
	}
	return session, nil
}

func (c *Client) SubmitProof(ctx context.Context, pr verification.ProofRequest) (verification.Verdict, error) {
	body := map[string]any{
		"uid":          pr.UID,
		"challenge_id": pr.ChallengeID,
		"session_id":   pr.SessionID,
	}
	if pr.Payload != nil {
		body["payload"] = pr.Payload
	}
	req, err := structpb.NewStruct(body)
	if err != nil {
		return verification.Verdict{}, fmt.Errorf("remote: encode proof: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, submitProofMethod, req, resp); err != nil {
		return verification.Verdict{}, fmt.Errorf("remote: submit proof: %w", err)
	}
	approved, ok := resp.GetFields()["approved"].GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return verification.Verdict{}, fmt.Errorf("%w: approved missing", ErrMalformedResponse)
	}
	return verification.Verdict{
		Approved: approved.BoolValue,
		Reason:   resp.GetFields()["reason"].GetStringValue(),
	}, nil
}
