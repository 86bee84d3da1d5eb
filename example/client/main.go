package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const checkProcedure = "/grpc.health.v1.Health/Check"

func main() {
	proxyAddr := "localhost:8888"
	if a := os.Getenv("PROXY_ADDR"); a != "" {
		proxyAddr = a
	}
	upstream := "localhost:9000"
	if a := os.Getenv("UPSTREAM_ADDR"); a != "" {
		upstream = a
	}

	if err := run(proxyAddr, upstream); err != nil {
		log.Fatal(err)
	}
}

func run(proxyAddr, upstream string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Every connection goes to the mediator; the URL host becomes the
	// :authority it forwards to.
	httpClient := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, _ string, _ *tls.Config) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, proxyAddr)
			},
		},
	}

	check := connect.NewClient[healthpb.HealthCheckRequest, healthpb.HealthCheckResponse](
		httpClient,
		"http://"+upstream+checkProcedure,
		connect.WithGRPC(),
	)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for i := 1; ; i++ {
		resp, err := check.CallUnary(ctx, connect.NewRequest(&healthpb.HealthCheckRequest{Service: "echo"}))
		if err != nil {
			log.Printf("check #%d error: %v", i, err)
		} else {
			fmt.Printf("check #%d: %s\n", i, resp.Msg.GetStatus())
		}

		// Unknown service to produce a NOT_FOUND call (every 3rd iteration)
		if i%3 == 0 {
			_, err = check.CallUnary(ctx, connect.NewRequest(&healthpb.HealthCheckRequest{Service: "missing"}))
			if err != nil {
				log.Printf("check #%d error (expected): %v", i, err)
			}
		}

		select {
		case <-ctx.Done():
			fmt.Println("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}
