package schema_test

import (
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"

	"github.com/mickamy/grpc-mediator/schema"
)

// startReflectionServer runs a loopback server exposing health and
// reflection, and records the metadata of every stream it receives.
func startReflectionServer(t *testing.T) (string, func() []metadata.MD) {
	t.Helper()

	var mu sync.Mutex
	var seen []metadata.MD

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	gs := grpc.NewServer(grpc.StreamInterceptor(
		func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			md, _ := metadata.FromIncomingContext(ss.Context())
			mu.Lock()
			seen = append(seen, md)
			mu.Unlock()
			return handler(srv, ss)
		},
	))
	healthpb.RegisterHealthServer(gs, health.NewServer())
	reflection.Register(gs)
	t.Cleanup(gs.Stop)

	go func() { _ = gs.Serve(lis) }()

	return lis.Addr().String(), func() []metadata.MD {
		mu.Lock()
		defer mu.Unlock()
		return append([]metadata.MD(nil), seen...)
	}
}

func TestReflectionSource_Load(t *testing.T) {
	t.Parallel()

	addr, seen := startReflectionServer(t)
	src := &schema.ReflectionSource{Metadata: map[string]string{"x-api-key": "secret"}}

	r := schema.NewResolver()
	ref, err := r.Resolve(t.Context(), addr, src)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	pool, ok := ref.Pool()
	if !ok {
		t.Fatalf("State() = %v, want resolved", ref.State())
	}

	md, ok := pool.Method("/grpc.health.v1.Health/Check")
	if !ok {
		t.Fatalf("methods = %v, want grpc.health.v1.Health/Check", pool.Methods())
	}
	if got := md.Input().FullName(); got != "grpc.health.v1.HealthCheckRequest" {
		t.Errorf("input = %s, want grpc.health.v1.HealthCheckRequest", got)
	}

	mds := seen()
	if len(mds) == 0 {
		t.Fatal("server saw no reflection stream")
	}
	if got := mds[0].Get("x-api-key"); len(got) != 1 || got[0] != "secret" {
		t.Errorf("x-api-key = %v, want [secret]", got)
	}
}

func TestReflectionSource_EndpointOverride(t *testing.T) {
	t.Parallel()

	addr, _ := startReflectionServer(t)
	src := &schema.ReflectionSource{Endpoint: schema.Endpoint{Authority: addr}}

	set, err := src.Load(t.Context(), "api.internal:443")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(set.GetFile()) == 0 {
		t.Error("Load returned no files")
	}
}

func TestReflectionSource_Unreachable(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()

	r := schema.NewResolver()
	ref, err := r.Resolve(t.Context(), addr, &schema.ReflectionSource{})
	if err == nil {
		t.Fatal("Resolve succeeded against a closed port")
	}
	if ref == nil || ref.State() != schema.Unresolved {
		t.Errorf("reference = %v, want unresolved", ref)
	}
}
