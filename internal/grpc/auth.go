package grpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServiceTokenHeader carries the shared secret internal callers present.
const ServiceTokenHeader = "x-service-token"

var ErrServiceTokenRequired = errors.New("service auth token required")

type serviceAuth struct {
	expected []byte
	logger   logrus.FieldLogger
}

func newServiceAuth(expectedToken string, logger logrus.FieldLogger) (*serviceAuth, error) {
	if expectedToken == "" {
		return nil, ErrServiceTokenRequired
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &serviceAuth{expected: []byte(expectedToken), logger: logger}, nil
}

func (a *serviceAuth) check(ctx context.Context, method string) error {
	token := serviceTokenFromMetadata(ctx)
	if token == "" {
		a.logger.WithFields(logrus.Fields{"event": "service_token_missing", "method": method}).Warn("grpc call without service token")
		return status.Error(codes.Unauthenticated, "missing_service_token")
	}
	if subtle.ConstantTimeCompare([]byte(token), a.expected) != 1 {
		a.logger.WithFields(logrus.Fields{"event": "service_token_invalid", "method": method}).Warn("grpc call with invalid service token")
		return status.Error(codes.PermissionDenied, "invalid_service_token")
	}
	return nil
}

func (a *serviceAuth) unary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := a.check(ctx, info.FullMethod); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (a *serviceAuth) stream(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := a.check(ss.Context(), info.FullMethod); err != nil {
		return err
	}
	return handler(srv, ss)
}

// NewServiceAuthUnaryInterceptor rejects unary calls whose x-service-token
// does not match expectedToken.
func NewServiceAuthUnaryInterceptor(expectedToken string, logger logrus.FieldLogger) (grpc.UnaryServerInterceptor, error) {
	a, err := newServiceAuth(expectedToken, logger)
	if err != nil {
		return nil, err
	}
	return a.unary, nil
}

// NewServiceAuthStreamInterceptor is the streaming counterpart, used by
// health Watch.
func NewServiceAuthStreamInterceptor(expectedToken string, logger logrus.FieldLogger) (grpc.StreamServerInterceptor, error) {
	a, err := newServiceAuth(expectedToken, logger)
	if err != nil {
		return nil, err
	}
	return a.stream, nil
}

func serviceTokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(ServiceTokenHeader)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
