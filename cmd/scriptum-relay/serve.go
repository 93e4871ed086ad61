package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gbasin/scriptum/internal/config"
	"github.com/gbasin/scriptum/internal/logging"
	"github.com/gbasin/scriptum/internal/relay"
)

// parseBearerTokens parses relay.bearer-tokens, a comma-separated list of
// token=clientID pairs (e.g. "tok-abc=alice,tok-def=bob"), into the map
// relay.NewStaticTokenValidator expects. Blank entries are skipped so a
// trailing comma or an unset config value both yield an empty validator.
func parseBearerTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, clientID, ok := strings.Cut(pair, "=")
		if !ok || token == "" || clientID == "" {
			log.Printf("scriptum-relay: ignoring malformed relay.bearer-tokens entry %q", pair)
			continue
		}
		tokens[token] = clientID
	}
	return tokens
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.Initialize(); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
		config.Set("relay.listen-addr", addr)
	}
	if dsn, _ := cmd.Flags().GetString("postgres-dsn"); dsn != "" {
		config.Set("relay.postgres-dsn", dsn)
	}

	if home, err := os.UserHomeDir(); err == nil {
		if logWriter, closer, err := logging.Writer(filepath.Join(home, ".scriptum"), "relay.log"); err == nil {
			log.SetOutput(logWriter)
			defer closer.Close()
		}
	}

	store, err := relay.OpenStore(config.GetString("relay.postgres-dsn"))
	if err != nil {
		return fmt.Errorf("open relay store: %w", err)
	}
	defer store.Close()

	sequencer := relay.NewSequencer()
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	err = sequencer.RecoverFromMaxServerSeq(recoverCtx, store)
	cancelRecover()
	if err != nil {
		return fmt.Errorf("recover sequencer from durable log: %w", err)
	}
	log.Printf("scriptum-relay: sequencer recovered")

	objectDir := config.GetString("relay.object-store-dir")
	if objectDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve default object store directory: %w", err)
		}
		objectDir = filepath.Join(home, ".scriptum", "relay-objects")
	}
	objects, err := relay.NewFilesystemObjectStore(objectDir)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	metrics := relay.NewMetrics()

	compactor := relay.NewCompactor(store, objects, relay.StoreFullStateFunc(store, objects))
	compactionCtx, cancelCompaction := context.WithCancel(context.Background())
	defer cancelCompaction()
	go compactor.Run(compactionCtx, config.GetDuration("relay.compaction-interval"),
		nil,
		func(err error) { log.Printf("scriptum-relay: compaction sweep: %v", err) },
	)

	leaseTTL := config.GetDuration("relay.lease-ttl")
	leases := relay.NewLeaseManager(leaseTTL)

	validator := relay.NewStaticTokenValidator(parseBearerTokens(config.GetString("relay.bearer-tokens")))

	addr := config.GetString("relay.listen-addr")
	server := relay.NewServer(addr, store, sequencer, leases, metrics, validator)

	serverErrChan := make(chan error, 1)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := server.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case err := <-serverErrChan:
		return fmt.Errorf("start relay HTTP server: %w", err)
	case <-server.Ready():
		log.Printf("scriptum-relay: listening on %s", addr)
	case <-time.After(5 * time.Second):
		log.Printf("scriptum-relay: server not ready after 5s, continuing to wait")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Printf("scriptum-relay: received %s, shutting down", sig)
		if err := server.Stop(10 * time.Second); err != nil {
			log.Printf("scriptum-relay: graceful shutdown: %v", err)
		}
	case err := <-serverErrChan:
		log.Printf("scriptum-relay: HTTP server failed: %v", err)
	case <-serverDone:
		log.Printf("scriptum-relay: server stopped on its own")
	}

	return nil
}
