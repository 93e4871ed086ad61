package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gbasin/scriptum/internal/config"
	"github.com/gbasin/scriptum/internal/docmanager"
	"github.com/gbasin/scriptum/internal/durability"
	"github.com/gbasin/scriptum/internal/logging"
	"github.com/gbasin/scriptum/internal/metastore"
	"github.com/gbasin/scriptum/internal/rpc"
	"github.com/gbasin/scriptum/internal/watcher"
	"github.com/gbasin/scriptum/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the daemon in the foreground",
	Hidden: true,
	RunE:   runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// reloadSignals are delivered but intentionally ignored; the daemon has no
// live-reloadable state beyond what config.Initialize already re-reads per
// RPC call indirectly through viper's AutomaticEnv.
var reloadSignals = []os.Signal{syscall.SIGHUP}

var shutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}

func isReloadSignal(sig os.Signal) bool {
	for _, s := range reloadSignals {
		if sig == s {
			return true
		}
	}
	return false
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := config.Initialize(); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine working directory: %w", err)
	}

	root, ok := workspace.FindRoot(cwd)
	if !ok {
		root = cwd
	}
	marker, err := workspace.Load(root)
	if err != nil {
		marker, err = workspace.Init(root)
		if err != nil {
			return fmt.Errorf("initialize workspace at %q: %w", root, err)
		}
	}
	workspaceID, err := uuid.Parse(marker.WorkspaceID)
	if err != nil {
		return fmt.Errorf("malformed workspace id %q: %w", marker.WorkspaceID, err)
	}

	lockPath, err := lockFilePath()
	if err != nil {
		return fmt.Errorf("resolve daemon lock path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return fmt.Errorf("create daemon lock directory: %w", err)
	}
	daemonLock, err := acquireDaemonLock(lockPath)
	if err != nil {
		return err
	}
	defer daemonLock.Unlock()

	scriptumDir := filepath.Join(root, workspace.MarkerDir)

	if logWriter, closer, err := logging.Writer(scriptumDir, "daemon.log"); err == nil {
		log.SetOutput(logWriter)
		defer closer.Close()
	}

	metaDB, err := metastore.Open(filepath.Join(scriptumDir, "meta.db"))
	if err != nil {
		return fmt.Errorf("open meta database: %w", err)
	}
	defer metaDB.Close()

	docs := docmanager.New(config.GetInt("docmanager.max-memory-bytes"))

	durMgr, err := durability.New(filepath.Join(scriptumDir, "store"), docs)
	if err != nil {
		return fmt.Errorf("open durability store: %w", err)
	}

	tracked, err := metaDB.ListTrackedDocuments(marker.WorkspaceID)
	if err != nil {
		return fmt.Errorf("list tracked documents: %w", err)
	}
	var hydrateGroup errgroup.Group
	hydrateGroup.SetLimit(8)
	for _, td := range tracked {
		td := td
		docID, err := uuid.Parse(td.DocID)
		if err != nil {
			log.Printf("scriptumd: skipping malformed tracked doc id %q", td.DocID)
			continue
		}
		hydrateGroup.Go(func() error {
			if err := durMgr.Hydrate(workspaceID, docID); err != nil {
				log.Printf("scriptumd: hydrate %s: %v", td.AbsPath, err)
			}
			return nil
		})
	}
	_ = hydrateGroup.Wait()

	socketPath, err := rpc.DefaultSocketPath()
	if err != nil {
		return fmt.Errorf("resolve socket path: %w", err)
	}
	if err := rpc.EnsureSocketDir(socketPath); err != nil {
		return fmt.Errorf("prepare socket directory: %w", err)
	}

	rpc.ServerVersion = Version
	server := rpc.NewServer(socketPath, workspaceID, root, docs, durMgr)
	server.SetLeaseStore(metaDB)

	fw, err := watcher.Start(root)
	if err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	defer fw.Close()

	stopPipeline := make(chan struct{})
	resolver := newPathResolver(metaDB, workspaceID)
	pipelineEvents := watcher.RunPipeline(fw.Events(), docs, resolver, metaDB, watcher.DefaultConfig(), stopPipeline)
	go consumePipelineEvents(pipelineEvents, docs, durMgr)
	go evictExpiredLeasesPeriodically(metaDB, stopPipeline)

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
		return fmt.Errorf("start RPC server: %w", err)
	case <-server.Ready():
		log.Printf("scriptumd: listening on %s", socketPath)
	case <-time.After(5 * time.Second):
		log.Printf("scriptumd: server not ready after 5s, continuing to wait")
	}

	if pidPath, err := pidFilePath(); err == nil {
		_ = writePIDFile(pidPath, os.Getpid())
		defer os.Remove(pidPath)
	}

	runEventLoop(server, serverErrChan, serverDone, stopPipeline)
	return nil
}

// consumePipelineEvents folds watcher-driven document changes into the
// durability layer the same way an RPC-applied edit would, so file edits
// made outside the daemon (an editor, a git checkout) are durable too: each
// update appends the ops the WAL hasn't seen yet, then lets the snapshot
// policy decide whether this is the update that folds a new snapshot.
func consumePipelineEvents(events <-chan watcher.PipelineEvent, docs *docmanager.Manager, durMgr *durability.Manager) {
	lastKnown := make(map[uuid.UUID][]byte)

	for ev := range events {
		switch ev.Kind {
		case watcher.EventDocUpdated:
			doc, ok := docs.Peek(ev.DocID)
			if !ok {
				continue
			}
			diff, err := doc.EncodeDiff(lastKnown[ev.DocID])
			if err != nil {
				log.Printf("scriptumd: diff %s: %v", ev.DocID, err)
				continue
			}
			if err := durMgr.AppendUpdate(ev.WorkspaceID, ev.DocID, diff); err != nil {
				log.Printf("scriptumd: append %s: %v", ev.DocID, err)
				continue
			}
			lastKnown[ev.DocID] = doc.EncodeStateVector()

			if err := durMgr.MaybeSnapshot(ev.WorkspaceID, ev.DocID); err != nil {
				log.Printf("scriptumd: snapshot %s: %v", ev.DocID, err)
			}
		case watcher.EventError:
			log.Printf("scriptumd: watcher error on %s: %s", ev.Path, ev.Err)
		}
	}
}

// evictExpiredLeasesPeriodically garbage-collects agent_leases rows a
// crashed or disconnected agent left behind, so a section they never
// released doesn't stay locked past its own ttl_sec.
func evictExpiredLeasesPeriodically(metaDB *metastore.DB, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if removed, err := metaDB.EvictExpiredAgentLeases(); err != nil {
				log.Printf("scriptumd: evict expired agent leases: %v", err)
			} else if removed > 0 {
				log.Printf("scriptumd: evicted %d expired agent lease(s)", removed)
			}
		}
	}
}

func runEventLoop(server *rpc.Server, serverErrChan chan error, serverDone <-chan struct{}, stopPipeline chan struct{}) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, append(append([]os.Signal{}, shutdownSignals...), reloadSignals...)...)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			if isReloadSignal(sig) {
				log.Printf("scriptumd: received %s, nothing to reload", sig)
				continue
			}
			log.Printf("scriptumd: received %s, shutting down", sig)
			server.Stop()
			close(stopPipeline)
			return
		case err := <-serverErrChan:
			log.Printf("scriptumd: RPC server failed: %v", err)
			close(stopPipeline)
			return
		case <-serverDone:
			// Server stopped on its own (e.g. a shutdown RPC call).
			close(stopPipeline)
			return
		}
	}
}
