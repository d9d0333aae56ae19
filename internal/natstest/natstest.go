// Package natstest runs an embedded JetStream-enabled NATS server for tests.
package natstest

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Start launches a server on a random port with JetStream stored under a
// test temp dir. It is shut down when the test ends.
func Start(t testing.TB) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      true,
		StoreDir:       t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("start nats server: %v", err)
	}
	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

// Connect starts a server and returns a client connection to it.
func Connect(t testing.TB) *nats.Conn {
	t.Helper()
	server := Start(t)
	nc, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("connect to test server: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

// KeyValue returns a fresh bucket on a new test server.
func KeyValue(t testing.TB, bucket string, ttl time.Duration) jetstream.KeyValue {
	t.Helper()
	nc := Connect(t)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{Bucket: bucket, TTL: ttl})
	if err != nil {
		t.Fatalf("create kv bucket: %v", err)
	}
	return kv
}
