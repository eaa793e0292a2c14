package serverutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bitriver-relay/internal/observability/logging"
)

type runResult struct {
	addr chan net.Addr
	done chan error
}

func start(ctx context.Context, cfg Config) runResult {
	res := runResult{addr: make(chan net.Addr, 1), done: make(chan error, 1)}
	cfg.Logger = logging.Discard()
	cfg.OnListen = func(addr net.Addr) { res.addr <- addr }
	go func() { res.done <- Run(ctx, cfg) }()
	return res
}

func (r runResult) waitAddr(t *testing.T) net.Addr {
	t.Helper()
	select {
	case addr := <-r.addr:
		return addr
	case err := <-r.done:
		t.Fatalf("run returned before listening: %v", err)
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	return nil
}

func (r runResult) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	return nil
}

func pingHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "pong") })
	return mux
}

func TestRunServesAndShutsDown(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0", Handler: pingHandler()}
	hookRan := make(chan struct{})
	server.RegisterOnShutdown(func() { close(hookRan) })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	run := start(ctx, Config{Server: server, ShutdownTimeout: time.Second})
	addr := run.waitAddr(t)

	resp, err := http.Get("http://" + addr.String() + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "pong" {
		t.Fatalf("unexpected body %q", body)
	}

	cancel()
	if err := run.waitDone(t); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	select {
	case <-hookRan:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook did not run")
	}
}

func TestRunServesTLS(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	server := &http.Server{Addr: "127.0.0.1:0", Handler: pingHandler()}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	run := start(ctx, Config{Server: server, ShutdownTimeout: time.Second, TLS: TLSConfig{CertFile: certFile, KeyFile: keyFile}})
	addr := run.waitAddr(t)

	if server.TLSConfig == nil || server.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Fatalf("expected TLS 1.2 minimum, got %+v", server.TLSConfig)
	}

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	resp, err := client.Get("https://" + addr.String() + "/ping")
	if err != nil {
		t.Fatalf("GET /ping over TLS: %v", err)
	}
	_ = resp.Body.Close()
	if resp.TLS == nil {
		t.Fatal("expected a TLS connection")
	}

	cancel()
	if err := run.waitDone(t); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRunRejectsPartialTLS(t *testing.T) {
	err := Run(context.Background(), Config{Server: &http.Server{Addr: "127.0.0.1:0"}, TLS: TLSConfig{CertFile: "cert.pem"}})
	if err == nil {
		t.Fatal("expected error for a cert without key")
	}
}

func TestRunStartupError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	server := &http.Server{Addr: listener.Addr().String(), Handler: pingHandler()}
	run := start(context.Background(), Config{Server: server, ShutdownTimeout: time.Second})

	select {
	case err := <-run.done:
		if err == nil {
			t.Fatal("expected startup error")
		}
	case <-time.After(time.Second):
		t.Fatal("server run did not return")
	}
	select {
	case <-run.addr:
		t.Fatal("server unexpectedly reported a listener")
	default:
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
