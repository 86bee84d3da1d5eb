package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/mickamy/grpc-mediator/rule"
	"github.com/mickamy/grpc-mediator/schema"
	"github.com/mickamy/grpc-mediator/timeline"
)

// ReverseProxy is an HTTP/2 (h2c) proxy that forwards each call to the
// authority it names, optionally rewritten by a server rule.
type ReverseProxy struct {
	listenAddr string
	rules      Rules
	recorder   *timeline.Recorder
	resolver   *schema.Resolver
	logger     *slog.Logger
	server     *http.Server
	plain      http.RoundTripper
	secure     http.RoundTripper
}

// Option configures a ReverseProxy.
type Option func(*ReverseProxy)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rp *ReverseProxy) { rp.logger = l }
}

// WithTransports replaces the upstream round trippers used for plaintext
// and TLS upstreams.
func WithTransports(plain, secure http.RoundTripper) Option {
	return func(rp *ReverseProxy) {
		if plain != nil {
			rp.plain = plain
		}
		if secure != nil {
			rp.secure = secure
		}
	}
}

// New creates a ReverseProxy listening on listenAddr (e.g. ":8888").
func New(listenAddr string, rules Rules, rec *timeline.Recorder, res *schema.Resolver, opts ...Option) *ReverseProxy {
	rp := &ReverseProxy{
		listenAddr: listenAddr,
		rules:      rules,
		recorder:   rec,
		resolver:   res,
		logger:     slog.Default(),
		plain: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		},
		secure: &http2.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	for _, o := range opts {
		o(rp)
	}

	h2s := &http2.Server{}
	rp.server = &http.Server{
		Addr:    listenAddr,
		Handler: h2c.NewHandler(rp, h2s),
	}
	return rp
}

// ListenAndServe starts the proxy and blocks until ctx is cancelled.
func (rp *ReverseProxy) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", rp.listenAddr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", rp.listenAddr, err)
	}

	go func() {
		<-ctx.Done()
		_ = rp.server.Close()
	}()

	return rp.Serve(lis)
}

// Serve accepts connections on lis until the proxy is closed.
func (rp *ReverseProxy) Serve(lis net.Listener) error {
	if err := rp.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("proxy: serve: %w", err)
	}
	return nil
}

// Close stops the proxy.
func (rp *ReverseProxy) Close() error {
	return rp.server.Close()
}

// Reference starts or joins schema resolution for authority using the
// schema source of the server rule matching it. Authorities without a rule
// are never resolved and get nil.
func (rp *ReverseProxy) Reference(authority string) *schema.Reference {
	sr, ok := rp.rules.Matcher().Match(authority)
	return rp.reference(authority, sr, ok)
}

func (rp *ReverseProxy) reference(authority string, sr rule.ServerRule, matched bool) *schema.Reference {
	if !matched {
		return nil
	}
	if ref, ok := rp.resolver.Lookup(authority); ok {
		return ref
	}
	src, err := sr.Source()
	if err != nil {
		src = schema.SourceFunc(func(context.Context, string) (*descriptorpb.FileDescriptorSet, error) {
			return nil, err
		})
	}
	return rp.resolver.Start(authority, src)
}

type bodyMode int

const (
	modeFramed bodyMode = iota
	modeUnary
	modePassthrough
)

func bodyModeOf(p Protocol, contentType string) bodyMode {
	switch {
	case strings.HasPrefix(contentType, "application/grpc-web-text"):
		return modePassthrough
	case p == ProtocolConnect && !strings.HasPrefix(contentType, "application/connect+"):
		return modeUnary
	}
	return modeFramed
}

// call is the per-request state shared by the request and response pumps.
type call struct {
	rp        *ReverseProxy
	tl        *timeline.Timeline
	ref       *schema.Reference
	engine    *rule.Engine
	authority string
	method    string
	protocol  Protocol
	mode      bodyMode
	binary    bool
	reqEnc    string
	respEnc   string
}

// ServeHTTP handles each proxied call.
func (rp *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	protocol := DetectProtocol(r)
	authority := r.Host
	method := r.URL.Path
	contentType := r.Header.Get("Content-Type")

	sr, matched := rp.rules.Matcher().Match(authority)
	engine := rp.rules.Engine()
	scheme, host := "http", authority
	if matched {
		scheme, host = sr.Upstream(authority)
	}

	md := headerToMD(r.Header)
	reqRules := engine.RewriteMetadata(rule.PhaseRequest, method, rule.NewMetadataTarget(md))

	start := timeline.Start{
		Authority: authority,
		Method:    method,
		Header:    md,
		Upstream:  scheme + "://" + host,
		Rules:     reqRules,
	}
	if matched {
		start.ServerRule = sr.Name
	}
	tl, err := rp.recorder.Begin(start)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ref := rp.reference(authority, sr, matched)
	if ref != nil {
		tl.Attach(ref)
	}

	c := &call{
		rp:        rp,
		tl:        tl,
		ref:       ref,
		engine:    engine,
		authority: authority,
		method:    method,
		protocol:  protocol,
		mode:      bodyModeOf(protocol, contentType),
		binary:    !strings.Contains(contentType, "json"),
	}
	c.reqEnc = firstOf(md, encodingHeader(protocol, c.mode == modeUnary))

	upstreamURL := url.URL{Scheme: scheme, Host: host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	pr, pw := io.Pipe()
	defer func() { _ = pr.Close() }()

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), pr)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	outReq.Header = mdToHeader(md)
	outReq.ContentLength = -1
	if r.Method == http.MethodGet {
		// Connect GET calls carry the message in the query.
		outReq.Body = http.NoBody
	} else {
		go func() {
			_ = pw.CloseWithError(c.pumpRequest(pw, r.Body))
		}()
	}

	transport := rp.plain
	if scheme == "https" {
		transport = rp.secure
	}
	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		_ = pr.CloseWithError(err)
		c.fail(w, r, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respMD := headerToMD(resp.Header)
	respRules := engine.RewriteMetadata(rule.PhaseResponse, method, rule.NewMetadataTarget(respMD))
	c.append(timeline.Accept{Header: respMD, Rules: respRules})
	c.respEnc = firstOf(respMD, encodingHeader(protocol, c.mode == modeUnary))

	for k, vs := range mdToHeader(respMD) {
		w.Header()[k] = vs
	}
	// Announce trailers so the upstream response trailers are forwarded.
	for k := range resp.Trailer {
		w.Header().Add("Trailer", k)
	}
	w.WriteHeader(resp.StatusCode)

	body, bodyErr := c.pumpResponse(w, resp)

	for k, vs := range resp.Trailer {
		for _, v := range vs {
			w.Header().Add(http.TrailerPrefix+k, v)
		}
	}

	// gRPC-Web trailers travel in the body; they are recorded but already
	// forwarded as a frame.
	if len(body.trailers) > 0 {
		if resp.Trailer == nil {
			resp.Trailer = http.Header{}
		}
		for k, vs := range body.trailers {
			for _, v := range vs {
				resp.Trailer.Add(k, v)
			}
		}
	}

	c.close(r, resp, bodyErr, body.connectErr)
}

func (c *call) append(ev timeline.Event) {
	if _, err := c.tl.Append(ev); err != nil {
		c.rp.logger.Debug("event dropped", "call", c.tl.ID(), "error", err)
	}
}

func (c *call) pumpRequest(w io.Writer, body io.Reader) error {
	if body == nil {
		return nil
	}
	switch c.mode {
	case modePassthrough:
		_, err := io.Copy(w, body)
		return err

	case modeUnary:
		raw, err := io.ReadAll(io.LimitReader(body, MaxFrameSize+1))
		if err != nil {
			return err
		}
		if len(raw) > MaxFrameSize {
			return ErrFrameTooLarge
		}
		f := c.message(rule.PhaseRequest, unaryFrame(raw, c.reqEnc), c.reqEnc)
		_, err = w.Write(f.Payload)
		return err
	}

	fr := NewFrameReader(body)
	for {
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		f = c.message(rule.PhaseRequest, f, c.reqEnc)
		if err := WriteFrame(w, f); err != nil {
			return err
		}
	}
}

// responseBody holds what the response pump saw besides messages.
type responseBody struct {
	trailers   map[string][]string
	connectErr *connectError
}

func (c *call) pumpResponse(w http.ResponseWriter, resp *http.Response) (responseBody, error) {
	var out responseBody
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	switch c.mode {
	case modePassthrough:
		_, err := io.Copy(w, resp.Body)
		return out, err

	case modeUnary:
		raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize+1))
		if err != nil {
			return out, err
		}
		f := Frame{Payload: raw}
		if resp.StatusCode == http.StatusOK {
			f = c.message(rule.PhaseResponse, unaryFrame(raw, c.respEnc), c.respEnc)
		} else {
			out.connectErr = parseConnectError(raw)
		}
		_, err = w.Write(f.Payload)
		return out, err
	}

	fr := NewFrameReader(resp.Body)
	for {
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		switch {
		case c.protocol == ProtocolGRPCWeb && f.Flags&FlagTrailer != 0:
			out.trailers = ParseTrailerFrame(f.Payload)
		case c.protocol == ProtocolConnect && f.Flags&FlagEndStream != 0:
			out.connectErr = parseConnectError(f.Payload)
		default:
			f = c.message(rule.PhaseResponse, f, c.respEnc)
		}
		if err := WriteFrame(w, f); err != nil {
			return out, err
		}
		flush()
	}
}

// unaryFrame wraps a Connect unary body, whose compression is declared by
// Content-Encoding rather than a frame flag.
func unaryFrame(raw []byte, encoding string) Frame {
	f := Frame{Payload: raw}
	if encoding != "" && encoding != "identity" {
		f.Flags = FlagCompressed
	}
	return f
}

// message records f as an Input or Output event, rewriting it with the
// message rules of phase when the call's schema is resolved.
func (c *call) message(phase rule.Phase, f Frame, encoding string) Frame {
	m := timeline.Message{}
	raw, err := Uncompress(f, encoding)
	switch {
	case err != nil:
		m.Raw = f.Payload
		m.RewriteError = err.Error()
	case !c.binary:
		m.Raw = raw
	case f.Compressed():
		m.Raw = raw
		if c.engine.Matches(phase, rule.TargetMessage, c.method) {
			m.RewriteError = "compressed message forwarded unmodified"
		}
	default:
		out, results, err := c.rewrite(phase, raw)
		m.Raw, m.Rules = out, results
		if err != nil {
			m.RewriteError = err.Error()
		}
		if changed(results) && err == nil {
			m.Original = raw
			f.Payload = out
		}
	}

	if phase == rule.PhaseRequest {
		c.append(timeline.Input{Message: m})
	} else {
		c.append(timeline.Output{Message: m})
	}
	return f
}

func (c *call) rewrite(phase rule.Phase, raw []byte) ([]byte, []rule.Result, error) {
	if !c.engine.Matches(phase, rule.TargetMessage, c.method) {
		return raw, nil, nil
	}
	if c.ref == nil {
		return raw, nil, fmt.Errorf("%w: %s: no server rule, message forwarded unmodified", schema.ErrUnresolved, c.authority)
	}
	pool, ok := c.ref.Pool()
	if !ok {
		if err := c.ref.Err(); err != nil {
			return raw, nil, err
		}
		return raw, nil, fmt.Errorf("%w: %s: schema still resolving, message forwarded unmodified", schema.ErrUnresolved, c.ref.Authority())
	}
	return c.engine.RewriteMessage(pool, phase, c.method, raw)
}

func changed(rs []rule.Result) bool {
	for _, r := range rs {
		if r.Changed {
			return true
		}
	}
	return false
}

func (c *call) close(r *http.Request, resp *http.Response, bodyErr error, connectErr *connectError) {
	code, msg := ExtractStatus(c.protocol, resp)
	trailers := headerToMD(resp.Trailer)
	if connectErr != nil {
		code, msg = connectErr.status(code)
		for k, vs := range connectErr.Metadata {
			trailers.Append(k, vs...)
		}
	}
	if bodyErr != nil && code == 0 {
		code, msg = int32(codes.Unavailable), bodyErr.Error()
		if r.Context().Err() != nil {
			code = int32(codes.Canceled)
		}
	}
	c.append(timeline.Close{Trailers: trailers, Code: codes.Code(code), Message: msg})
}

// fail answers a call whose upstream could not be reached.
func (c *call) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := codes.Unavailable
	if r.Context().Err() != nil {
		code = codes.Canceled
	}
	msg := err.Error()
	c.rp.logger.Warn("upstream call failed", "call", c.tl.ID(), "method", c.method, "error", err)

	trailers := metadata.Pairs("grpc-status", strconv.Itoa(int(code)), "grpc-message", encodeGrpcMessage(msg))
	switch c.protocol {
	case ProtocolGRPC, ProtocolGRPCWeb:
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.Header().Set("Grpc-Status", strconv.Itoa(int(code)))
		w.Header().Set("Grpc-Message", encodeGrpcMessage(msg))
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, msg, http.StatusBadGateway)
	}
	c.append(timeline.Close{Trailers: trailers, Code: code, Message: msg})
}

// connectError is the JSON error body of Connect unary calls and the
// end-of-stream message of Connect streams.
type connectError struct {
	Error *struct {
		Code    connect.Code `json:"code"`
		Message string       `json:"message"`
	} `json:"error"`
	Code     connect.Code        `json:"code"`
	Message  string              `json:"message"`
	Metadata map[string][]string `json:"metadata"`
}

func parseConnectError(b []byte) *connectError {
	var e connectError
	if err := json.Unmarshal(b, &e); err != nil {
		return nil
	}
	return &e
}

func (e *connectError) status(fallback int32) (int32, string) {
	switch {
	case e.Error != nil:
		return int32(e.Error.Code), e.Error.Message
	case e.Code != 0:
		return int32(e.Code), e.Message
	}
	return fallback, ""
}

// DetectProtocol determines the wire protocol from the Content-Type header.
func DetectProtocol(r *http.Request) Protocol {
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/grpc-web"):
		return ProtocolGRPCWeb
	case strings.HasPrefix(ct, "application/grpc"):
		return ProtocolGRPC
	default:
		return ProtocolConnect
	}
}

// ExtractStatus extracts the gRPC status code from the response
// based on the wire protocol.
func ExtractStatus(p Protocol, resp *http.Response) (int32, string) {
	switch p {
	case ProtocolGRPC, ProtocolGRPCWeb:
		return extractGRPCStatus(resp)
	case ProtocolConnect:
		return extractConnectStatus(resp)
	default:
		return 0, ""
	}
}

// extractGRPCStatus reads grpc-status from response trailers or headers.
func extractGRPCStatus(resp *http.Response) (int32, string) {
	// Trailers (populated after body is fully read).
	if s := resp.Trailer.Get("Grpc-Status"); s != "" {
		code, _ := strconv.ParseInt(s, 10, 32)
		return int32(code), decodeGrpcMessage(resp.Trailer.Get("Grpc-Message"))
	}
	// Some implementations send grpc-status in headers (e.g. immediate errors).
	if s := resp.Header.Get("Grpc-Status"); s != "" {
		code, _ := strconv.ParseInt(s, 10, 32)
		return int32(code), decodeGrpcMessage(resp.Header.Get("Grpc-Message"))
	}
	return 0, ""
}

// extractConnectStatus maps HTTP status to a gRPC-compatible status code.
// Connect uses HTTP status codes; 200 = OK, others map to gRPC codes.
func extractConnectStatus(resp *http.Response) (int32, string) {
	if resp.StatusCode == http.StatusOK {
		return 0, "" // OK
	}
	return httpStatusToGRPCCode(resp.StatusCode), resp.Status
}

// httpStatusToGRPCCode maps an HTTP status code to a gRPC-compatible status code.
// This replicates the Connect protocol specification's httpToCode mapping.
func httpStatusToGRPCCode(httpStatus int) int32 {
	switch httpStatus {
	case http.StatusBadRequest:
		return int32(connect.CodeInternal)
	case http.StatusUnauthorized:
		return int32(connect.CodeUnauthenticated)
	case http.StatusForbidden:
		return int32(connect.CodePermissionDenied)
	case http.StatusNotFound:
		return int32(connect.CodeUnimplemented)
	case http.StatusTooManyRequests:
		return int32(connect.CodeUnavailable)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return int32(connect.CodeUnavailable)
	default:
		return int32(connect.CodeUnknown)
	}
}

// encodingHeader names the header carrying the message compression.
func encodingHeader(p Protocol, unary bool) string {
	switch {
	case p == ProtocolConnect && unary:
		return "content-encoding"
	case p == ProtocolConnect:
		return "connect-content-encoding"
	}
	return "grpc-encoding"
}

func firstOf(md metadata.MD, key string) string {
	if vs := md.Get(key); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

var hopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"host":              true,
	"content-length":    true,
	"trailer":           true,
	"http2-settings":    true,
}

func headerToMD(h http.Header) metadata.MD {
	md := metadata.MD{}
	for k, vs := range h {
		key := strings.ToLower(k)
		if hopHeaders[key] {
			continue
		}
		md[key] = append(md[key], vs...)
	}
	return md
}

func mdToHeader(md metadata.MD) http.Header {
	h := make(http.Header, len(md))
	for k, vs := range md {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return h
}

// encodeGrpcMessage percent-encodes s as the grpc-message header requires.
func encodeGrpcMessage(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= ' ' && c <= '~' && c != '%' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func decodeGrpcMessage(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	if d, err := url.PathUnescape(s); err == nil {
		return d
	}
	return s
}
