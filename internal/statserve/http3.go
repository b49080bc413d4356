package statserve

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	http3 "github.com/quic-go/quic-go/http3"
)

// StartH3 serves the stats endpoint over HTTP/3 on addr (host:port, UDP).
// It mirrors Start's lifecycle: the bound address comes back immediately
// (useful with port 0) along with a context-aware shutdown function.
//
// QUIC mandates TLS 1.3 and cannot run without a certificate, so a
// config that carries none is rejected up front rather than failing on
// the first handshake.
func StartH3(addr string, tlsCfg *tls.Config, collectors map[string]MetricFunc) (string, func(ctx context.Context) error, error) {
	if tlsCfg == nil || (len(tlsCfg.Certificates) == 0 && tlsCfg.GetCertificate == nil) {
		return "", nil, fmt.Errorf("statserve: HTTP/3 requires a TLS certificate")
	}

	tlsCfg = tlsCfg.Clone()
	tlsCfg.MinVersion = tls.VersionTLS13

	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{http3.NextProtoH3}
	}

	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return "", nil, err
	}

	srv := &http3.Server{TLSConfig: tlsCfg, Handler: Handler(collectors)}
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = srv.Serve(pc)
	}()

	stop := func(ctx context.Context) error {
		// CloseGracefully stops accepting new streams and waits for
		// inflight requests up to the context deadline; closing the
		// conn then unblocks Serve.
		var timeout time.Duration
		if dl, ok := ctx.Deadline(); ok {
			timeout = time.Until(dl)
		}

		err := srv.CloseGracefully(timeout)
		_ = pc.Close()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}

		return err
	}

	return pc.LocalAddr().String(), stop, nil
}
