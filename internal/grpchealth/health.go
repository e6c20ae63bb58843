// Package grpchealth exposes the standard gRPC Health Checking Protocol over
// the orchestrator's Guardian state, and the optional mTLS credential loader
// used to secure it, both adapted from the teacher's model-gateway service.
package grpchealth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alicev2/orchestrator/pkg/guardian"
)

// LoadServerCreds builds mTLS server credentials from TLS_SERVER_CERT_PATH,
// TLS_SERVER_KEY_PATH and TLS_CA_CERT_PATH. It returns (nil, false, nil) when
// none of the three are set, so local/dev deployments run insecure by
// default; it is an error to set only some of them.
func LoadServerCreds() (credentials.TransportCredentials, bool, error) {
	certPath := os.Getenv("TLS_SERVER_CERT_PATH")
	keyPath := os.Getenv("TLS_SERVER_KEY_PATH")
	caPath := os.Getenv("TLS_CA_CERT_PATH")

	if certPath == "" && keyPath == "" && caPath == "" {
		return nil, false, nil
	}
	if certPath == "" || keyPath == "" || caPath == "" {
		return nil, false, fmt.Errorf("mTLS misconfigured: TLS_SERVER_CERT_PATH, TLS_SERVER_KEY_PATH, TLS_CA_CERT_PATH must all be set")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, false, fmt.Errorf("load server keypair (%s, %s): %w", filepath.Clean(certPath), filepath.Clean(keyPath), err)
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, false, fmt.Errorf("read CA cert (%s): %w", filepath.Clean(caPath), err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, false, fmt.Errorf("append CA certs from PEM (%s): no certs parsed", filepath.Clean(caPath))
	}

	conf := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		NextProtos:   []string{"h2"},
	}
	return credentials.NewTLS(conf), true, nil
}

// Server implements grpc_health_v1.HealthServer over a live Guardian: it
// reports NOT_SERVING while the Guardian sits in LOCKDOWN, since that state
// means the admission controller is actively refusing all but the cheapest
// traffic and upstream load balancers should stop routing here.
type Server struct {
	grpc_health_v1.UnimplementedHealthServer

	g *guardian.Guardian
}

// NewServer returns a Server backed by g.
func NewServer(g *guardian.Guardian) *Server {
	return &Server{g: g}
}

func (s *Server) Check(_ context.Context, _ *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if s.g.State() == guardian.StateLockdown {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

func (s *Server) Watch(_ *grpc_health_v1.HealthCheckRequest, _ grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch is not implemented")
}
