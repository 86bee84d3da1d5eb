package proxy_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/mickamy/grpc-mediator/proxy"
	"github.com/mickamy/grpc-mediator/rule"
	"github.com/mickamy/grpc-mediator/schema"
	"github.com/mickamy/grpc-mediator/timeline"
)

const checkMethod = "/grpc.health.v1.Health/Check"

// reflectAll resolves every authority by server reflection without
// rewriting the upstream.
var reflectAll = []rule.ServerRule{{
	Name: "all", Enabled: true, HostPattern: ".*",
	Schema: schema.SourceConfig{Kind: schema.ServerReflection},
}}

type upstream struct {
	addr   string
	health *health.Server
	seen   chan metadata.MD
}

func startUpstream(t *testing.T) *upstream {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	u := &upstream{addr: lis.Addr().String(), health: health.NewServer(), seen: make(chan metadata.MD, 16)}
	gs := grpc.NewServer(grpc.UnaryInterceptor(
		func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			md, _ := metadata.FromIncomingContext(ctx)
			select {
			case u.seen <- md:
			default:
			}
			return handler(ctx, req)
		},
	))
	healthpb.RegisterHealthServer(gs, u.health)
	reflection.Register(gs)
	t.Cleanup(gs.Stop)
	go func() { _ = gs.Serve(lis) }()
	return u
}

type mediator struct {
	addr     string
	proxy    *proxy.ReverseProxy
	recorder *timeline.Recorder
}

func startMediator(t *testing.T, servers []rule.ServerRule, requests []rule.RequestRule) *mediator {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	rec := timeline.NewRecorder()
	rules := proxy.StaticRules{Servers: rule.NewMatcher(servers), Requests: rule.NewEngine(requests)}
	p := proxy.New(lis.Addr().String(), rules, rec, schema.NewResolver())
	go func() { _ = p.Serve(lis) }()
	t.Cleanup(func() { _ = p.Close() })
	return &mediator{addr: lis.Addr().String(), proxy: p, recorder: rec}
}

func (m *mediator) client(t *testing.T, authority string) healthpb.HealthClient {
	t.Helper()

	conn, err := grpc.NewClient(m.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithAuthority(authority),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

// resolved waits until the schema of authority is available.
func (m *mediator) resolved(t *testing.T, authority string) {
	t.Helper()

	ref := m.proxy.Reference(authority)
	select {
	case <-ref.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("schema resolution timed out")
	}
	if ref.State() != schema.Resolved {
		t.Fatalf("schema state = %v (%v), want resolved", ref.State(), ref.Err())
	}
}

func (m *mediator) last(t *testing.T) *timeline.Timeline {
	t.Helper()

	calls := m.recorder.List()
	if len(calls) == 0 {
		t.Fatal("no calls recorded")
	}
	return calls[len(calls)-1]
}

func kinds(evs []timeline.Event) []timeline.Kind {
	out := make([]timeline.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind()
	}
	return out
}

func decodeJSON(t *testing.T, tl *timeline.Timeline, seq uint64) map[string]any {
	t.Helper()

	body, err := tl.Decode(seq)
	if err != nil {
		t.Fatal(err)
	}
	if body.State != timeline.Decoded {
		t.Fatalf("event %d: state = %v (%s), want decoded", seq, body.State, body.Error)
	}
	var out map[string]any
	if err := json.Unmarshal(body.JSON, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestReverseProxy_RecordsUnaryCall(t *testing.T) {
	t.Parallel()

	up := startUpstream(t)
	m := startMediator(t, reflectAll, nil)

	resp, err := m.client(t, up.addr).Check(t.Context(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}

	tl := m.last(t)
	evs := tl.Events()
	want := []timeline.Kind{timeline.KindStart, timeline.KindInput, timeline.KindAccept, timeline.KindOutput, timeline.KindClose}
	got := kinds(evs)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}

	start := evs[0].(timeline.Start)
	if start.Authority != up.addr || start.Method != checkMethod {
		t.Errorf("start = %s %s, want %s %s", start.Authority, start.Method, up.addr, checkMethod)
	}
	if start.Upstream != "http://"+up.addr {
		t.Errorf("upstream = %q", start.Upstream)
	}
	if closeEv := evs[4].(timeline.Close); closeEv.Code != codes.OK {
		t.Errorf("close code = %v, want OK", closeEv.Code)
	}

	m.resolved(t, up.addr)
	if got := decodeJSON(t, tl, evs[3].Seq()); got["status"] != "SERVING" {
		t.Errorf("decoded output = %v, want status SERVING", got)
	}
}

func TestReverseProxy_RewritesMessages(t *testing.T) {
	t.Parallel()

	up := startUpstream(t)
	up.health.SetServingStatus("svc", healthpb.HealthCheckResponse_NOT_SERVING)

	m := startMediator(t, reflectAll, []rule.RequestRule{
		{
			Name: "pin-service", Enabled: true, MethodPattern: `grpc\.health\.v1\.Health/Check`,
			Target: rule.TargetMessage,
			Patch:  rule.Patch{Op: rule.OpReplace, Path: "$.service", Value: "svc"},
		},
	})
	m.resolved(t, up.addr)

	resp, err := m.client(t, up.addr).Check(t.Context(), &healthpb.HealthCheckRequest{Service: "other"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v, want NOT_SERVING (request not rewritten)", resp.GetStatus())
	}

	tl := m.last(t)
	in := tl.Events()[1].(timeline.Input)
	if in.Original == nil {
		t.Fatal("input has no original bytes")
	}
	if len(in.Rules) != 1 || !in.Rules[0].Changed || in.Rules[0].Outcome != rule.Applied {
		t.Errorf("rules = %+v, want one applied change", in.Rules)
	}
	if got := decodeJSON(t, tl, in.Seq()); got["service"] != "svc" {
		t.Errorf("decoded input = %v, want service svc", got)
	}
}

func TestReverseProxy_RewritesResponses(t *testing.T) {
	t.Parallel()

	up := startUpstream(t)
	m := startMediator(t, reflectAll, []rule.RequestRule{
		{
			Name: "flip", Enabled: true, MethodPattern: ".*", Target: rule.TargetMessage, Phase: rule.PhaseResponse,
			Patch: rule.Patch{Op: rule.OpReplace, Path: "/status", Value: "NOT_SERVING"},
		},
	})
	m.resolved(t, up.addr)

	resp, err := m.client(t, up.addr).Check(t.Context(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v, want NOT_SERVING", resp.GetStatus())
	}
}

func TestReverseProxy_ForwardsUnmodifiedWithoutSchema(t *testing.T) {
	t.Parallel()

	up := startUpstream(t)
	up.health.SetServingStatus("svc", healthpb.HealthCheckResponse_NOT_SERVING)
	m := startMediator(t,
		[]rule.ServerRule{{
			Name: "missing-protos", Enabled: true, HostPattern: ".*",
			Schema: schema.SourceConfig{Kind: schema.ProtoRoot, Roots: []string{t.TempDir()}},
		}},
		[]rule.RequestRule{{
			Name: "pin-service", Enabled: true, MethodPattern: ".*", Target: rule.TargetMessage,
			Patch: rule.Patch{Op: rule.OpReplace, Path: "$.service", Value: "svc"},
		}},
	)

	resp, err := m.client(t, up.addr).Check(t.Context(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING (message must pass through)", resp.GetStatus())
	}

	in := m.last(t).Events()[1].(timeline.Input)
	if in.Original != nil {
		t.Error("message was rewritten without a schema")
	}
	if in.RewriteError == "" {
		t.Error("RewriteError is empty, want a schema error")
	}
}

func TestReverseProxy_UnmatchedAuthorityStaysOpaque(t *testing.T) {
	t.Parallel()

	up := startUpstream(t)
	up.health.SetServingStatus("svc", healthpb.HealthCheckResponse_NOT_SERVING)
	m := startMediator(t,
		[]rule.ServerRule{{
			Name: "other", Enabled: true, HostPattern: `other\.example\.com`,
			Schema: schema.SourceConfig{Kind: schema.ServerReflection},
		}},
		[]rule.RequestRule{{
			Name: "pin-service", Enabled: true, MethodPattern: ".*", Target: rule.TargetMessage,
			Patch: rule.Patch{Op: rule.OpReplace, Path: "$.service", Value: "svc"},
		}},
	)

	resp, err := m.client(t, up.addr).Check(t.Context(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING (message must pass through)", resp.GetStatus())
	}

	if ref := m.proxy.Reference(up.addr); ref != nil {
		t.Fatalf("Reference(%s) = %v, want nil", up.addr, ref.State())
	}

	tl := m.last(t)
	if tl.Reference() != nil {
		t.Error("timeline has a schema reference")
	}
	evs := tl.Events()
	start := evs[0].(timeline.Start)
	if start.ServerRule != "" || start.Upstream != "http://"+up.addr {
		t.Errorf("start = rule %q upstream %q, want no rule and the original authority", start.ServerRule, start.Upstream)
	}
	in := evs[1].(timeline.Input)
	if in.Original != nil || in.RewriteError == "" {
		t.Errorf("input original=%v rewriteError=%q, want forwarded unmodified with an error", in.Original, in.RewriteError)
	}
	for _, seq := range []uint64{evs[1].Seq(), evs[3].Seq()} {
		body, err := tl.Decode(seq)
		if err != nil {
			t.Fatal(err)
		}
		if body.State != timeline.Opaque {
			t.Errorf("event %d: state = %v, want opaque", seq, body.State)
		}
	}

	ref, err := tl.Resolve(t.Context(), m.proxy.Reference)
	if err != nil || ref != nil {
		t.Errorf("Resolve = %v, %v, want nil, nil", ref, err)
	}
	if v := tl.View(); v.Schema != "none" {
		t.Errorf("view schema = %q, want none", v.Schema)
	}
}

func TestReverseProxy_MetadataRules(t *testing.T) {
	t.Parallel()

	up := startUpstream(t)
	m := startMediator(t, nil, []rule.RequestRule{
		{
			Name: "tenant", Enabled: true, MethodPattern: ".*", Target: rule.TargetMetadata,
			Patch: rule.Patch{Op: rule.OpAdd, Path: "x-tenant", Value: "b"},
		},
		{
			Name: "drop-debug", Enabled: true, MethodPattern: ".*", Target: rule.TargetMetadata,
			Patch: rule.Patch{Op: rule.OpRemove, Path: "x-debug"},
		},
	})

	ctx := metadata.AppendToOutgoingContext(t.Context(), "x-debug", "1")
	if _, err := m.client(t, up.addr).Check(ctx, &healthpb.HealthCheckRequest{}); err != nil {
		t.Fatalf("Check: %v", err)
	}

	select {
	case md := <-up.seen:
		if got := md.Get("x-tenant"); len(got) != 1 || got[0] != "b" {
			t.Errorf("x-tenant = %v, want [b]", got)
		}
		if got := md.Get("x-debug"); len(got) != 0 {
			t.Errorf("x-debug = %v, want removed", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream saw no call")
	}

	start, _ := m.last(t).Start()
	if len(start.Rules) != 2 {
		t.Errorf("start rules = %+v, want 2", start.Rules)
	}
}

func TestReverseProxy_ServerRuleRewritesUpstream(t *testing.T) {
	t.Parallel()

	up := startUpstream(t)
	m := startMediator(t, []rule.ServerRule{{
		Name: "svc", Enabled: true, HostPattern: `svc\.example\.com(:\d+)?`,
		Rewrite: rule.Rewrite{Enabled: true, Scheme: "http", Authority: up.addr},
		Schema:  schema.SourceConfig{Kind: schema.ServerReflection},
	}}, nil)

	if _, err := m.client(t, "svc.example.com").Check(t.Context(), &healthpb.HealthCheckRequest{}); err != nil {
		t.Fatalf("Check: %v", err)
	}

	tl := m.last(t)
	start, _ := tl.Start()
	if start.ServerRule != "svc" {
		t.Errorf("ServerRule = %q, want svc", start.ServerRule)
	}
	if start.Upstream != "http://"+up.addr {
		t.Errorf("Upstream = %q, want http://%s", start.Upstream, up.addr)
	}

	m.resolved(t, "svc.example.com")
	if got := decodeJSON(t, tl, 4); got["status"] != "SERVING" {
		t.Errorf("decoded output = %v", got)
	}
}

func TestReverseProxy_UnreachableUpstream(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := lis.Addr().String()
	_ = lis.Close()

	m := startMediator(t, nil, nil)
	_, err = m.client(t, dead).Check(t.Context(), &healthpb.HealthCheckRequest{})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("Check error = %v, want Unavailable", err)
	}

	evs := m.last(t).Events()
	closeEv, ok := evs[len(evs)-1].(timeline.Close)
	if !ok {
		t.Fatalf("last event = %v, want close", evs[len(evs)-1].Kind())
	}
	if closeEv.Code != codes.Unavailable || closeEv.Message == "" {
		t.Errorf("close = %v %q, want Unavailable with message", closeEv.Code, closeEv.Message)
	}
}
