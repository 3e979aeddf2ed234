package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"collabtext/store"
	"collabtext/store/boltstore"
)

const AgentVersion = "0.1.0"

func main() {
	usage := `CollabText agent.

Keeps a local replica of one workspace in sync with a CollabText server
and serves it to editor UIs on this machine.

Environment fallbacks: COLLABTEXT_SERVER, COLLABTEXT_AGENT_PORT,
COLLABTEXT_AGENT_DB.

Usage:
    collabtext-agent --workspace=<id> [--server=<url>] [--port=<port>]
        [--db=<path>] [--ui=<dir>] [--no-mdns] [--v=<level>]
    collabtext-agent -h | --help
    collabtext-agent --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --workspace=<id>   Workspace to replicate.
    --server=<url>     Server websocket base url, ws://localhost:8081 by default.
    --port=<port>      Port for local UIs, 8080 by default.
    --db=<path>        Local replica file, agent.db by default.
    --ui=<dir>         Static UI directory [default: ../ui].
    --no-mdns          Do not advertise over mDNS.
    --v=<level>        Log verbosity.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], AgentVersion)
	if err != nil {
		panic(err)
	}
	flag.Set("logtostderr", "true")
	if v, _ := opts.String("--v"); v != "" {
		flag.Set("v", v)
	}
	defer glog.Flush()

	workspaceID, _ := opts.String("--workspace")
	serverURL := option(opts, "--server", "COLLABTEXT_SERVER", "ws://localhost:8081")
	dbPath := option(opts, "--db", "COLLABTEXT_AGENT_DB", "agent.db")
	uiDir, _ := opts.String("--ui")
	noMDNS, _ := opts.Bool("--no-mdns")
	port, err := strconv.Atoi(option(opts, "--port", "COLLABTEXT_AGENT_PORT", "8080"))
	if err != nil {
		glog.Exitf("Invalid port: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local, err := boltstore.Open(dbPath)
	if err != nil {
		glog.Exitf("Failed to open replica store: %v", err)
	}
	defer local.Close()

	replica, err := openReplica(ctx, workspaceID, "agent-"+uuid.NewString(), local, store.DefaultCompactionPolicy())
	if err != nil {
		glog.Exitf("Failed to open replica: %v", err)
	}

	hub := newHub(ctx.Done())
	go hub.run()
	replica.onChange = hub.publish

	go replica.Sync(ctx, strings.TrimSuffix(serverURL, "/")+"/ws/"+workspaceID)
	if !noMDNS {
		go advertise(ctx, workspaceID, port)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(uiDir)))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, replica, w, r)
	})
	srv := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	glog.Infof("CollabText agent is running on port %d...", port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("Failed to start server: %v", err)
	}
	replica.Close(context.Background())
}

// option returns the flag value, then the environment, then def.
func option(opts docopt.Opts, name string, env string, def string) string {
	if v, _ := opts.String(name); v != "" {
		return v
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}
