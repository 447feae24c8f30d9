// Command overlordd wires one authority's full Overlord stack together: it
// loads the node config and authority list, constructs a signer and
// storage backend, and runs a driver.Engine against a demo Adapter and a
// loopback Network suitable for a single-authority devnet. A real
// deployment supplies its own Adapter (chained to its application state)
// and Network (chained to its transport layer) the same way the teacher's
// consensusd wires core.StateProcessor and network.Service into
// consensus/bft.Engine.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"overlord/authority"
	"overlord/config"
	"overlord/crypto"
	"overlord/driver"
	"overlord/observability/logging"
	"overlord/storage"
	"overlord/types"
)

func main() {
	configFile := flag.String("config", "./overlord.toml", "Path to the node configuration file")
	genesisFile := flag.String("genesis", "", "Path to a genesis authority list YAML file (defaults to a single self-authority devnet)")
	metricsAddress := flag.String("metrics", "127.0.0.1:9464", "Address to serve /metrics on")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("OVERLORD_ENV"))
	logger := logging.Setup("overlordd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	keyBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(cfg.ValidatorKey), "0x"))
	if err != nil {
		logger.Error("decode validator key", "error", err)
		os.Exit(1)
	}
	key, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		logger.Error("parse validator key", "error", err)
		os.Exit(1)
	}
	signer := crypto.NewSecp256k1Signer(key)
	selfAddr := key.PubKey().Address()
	self := types.Address(selfAddr.Bytes())

	authConfig, err := loadAuthConfig(*genesisFile, self)
	if err != nil {
		logger.Error("load authority list", "error", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open storage", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	adapter := newDemoAdapter(logger)
	network := newLoopbackNetwork()

	engine := driver.NewEngine[demoBlock, demoState](driver.EngineConfig[demoBlock, demoState]{
		Self:        self,
		Signer:      signer,
		Adapter:     adapter,
		Network:     network,
		DB:          db,
		Logger:      logger,
		DecodeBlock: decodeDemoBlock,

		StartHeight:   1,
		AuthConfig:    authConfig,
		TimeConfig:    cfg.TimeConfig(),
		MaxExecBehind: types.Height(cfg.MaxExecBehind),
	})
	network.attach(engine)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: *metricsAddress, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("overlordd starting", "self", selfAddr.String(), "listen", cfg.ListenAddress)
	engine.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

// loadAuthConfig reads a genesis file if one was given, otherwise falls
// back to a single self-authority list so the binary runs standalone
// out of the box.
func loadAuthConfig(path string, self types.Address) (types.AuthConfig, error) {
	if path == "" {
		return types.AuthConfig{
			CommonRef: "overlord-devnet",
			Mode:      types.SelectInTurn,
			AuthList: []types.Node{
				{Address: self, ProposeWeight: 1, VoteWeight: 1},
			},
		}, nil
	}
	return authority.LoadGenesisYAML(path)
}

// loopbackNetwork delivers every broadcast straight back to the single
// locally-running engine, the standalone-devnet stand-in for the real
// transport an embedder plugs in through the transport package's
// Message/Broadcaster vocabulary.
type loopbackNetwork struct {
	mu     sync.Mutex
	engine *driver.Engine[demoBlock, demoState]
}

func newLoopbackNetwork() *loopbackNetwork {
	return &loopbackNetwork{}
}

func (n *loopbackNetwork) attach(e *driver.Engine[demoBlock, demoState]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine = e
}

func (n *loopbackNetwork) Broadcast(ctx context.Context, msg types.OverlordMsg[demoBlock]) error {
	n.mu.Lock()
	e := n.engine
	n.mu.Unlock()
	if e == nil {
		return fmt.Errorf("loopback network: engine not attached")
	}
	return e.HandleMessage(ctx, msg)
}

func (n *loopbackNetwork) Transmit(ctx context.Context, to types.Address, msg types.OverlordMsg[demoBlock]) error {
	return n.Broadcast(ctx, msg)
}
