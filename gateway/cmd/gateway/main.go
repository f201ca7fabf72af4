package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/packetlabs/hongbao/gateway/pkg/engine"
	"github.com/packetlabs/hongbao/gateway/pkg/eth"
	"github.com/packetlabs/hongbao/gateway/pkg/metrics"
	"github.com/packetlabs/hongbao/gateway/pkg/msglog"
	"github.com/packetlabs/hongbao/gateway/pkg/reconcile"
	"github.com/packetlabs/hongbao/gateway/pkg/replica"
	"github.com/packetlabs/hongbao/gateway/pkg/server"
	"github.com/packetlabs/hongbao/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8080"

// engineMode is how the gateway wires its allocation engine.
type engineMode int

const (
	// engineModeMemory runs the in-memory reference engine; no chain.
	engineModeMemory engineMode = iota
	// engineModeChain serves the deployed contract.
	engineModeChain
	// engineModeNone runs without an engine: the service stays up, reads
	// come from the other channels, and submissions report the missing
	// configuration.
	engineModeNone
)

func resolveEngineMode(rpcURL, contractAddr string) engineMode {
	switch {
	case rpcURL == "":
		return engineModeMemory
	case contractAddr == "":
		return engineModeNone
	default:
		return engineModeChain
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for HTTP (or set HONGBAO_LISTEN_ADDR env var)")

	rpcURLFlag := flag.String("rpc-url", "", "Ethereum RPC endpoint; websocket URLs enable the live subscription (or set HONGBAO_RPC_URL env var). Empty runs the in-memory engine")
	chainIDFlag := flag.Uint64("chain-id", 0, "Chain ID; 0 queries the RPC endpoint (or set HONGBAO_CHAIN_ID env var)")
	contractFlag := flag.String("contract-address", "", "RedPacket contract address (or set HONGBAO_CONTRACT_ADDRESS env var)")
	messageContractFlag := flag.String("message-contract", "", "MessageLog contract address (or set HONGBAO_MESSAGE_CONTRACT env var)")
	privateKeyFlag := flag.String("private-key", "", "Hex signing key for writes; omit for a read-only gateway (or set HONGBAO_PRIVATE_KEY env var)")
	graphEndpointFlag := flag.String("graph-endpoint", "", "GraphQL endpoint of the indexed replica (or set HONGBAO_GRAPH_ENDPOINT env var)")
	rawRecipientFlag := flag.String("raw-recipient", "", "Recipient address for raw message inscriptions; defaults to the signing address")

	pollIntervalFlag := flag.Duration("poll-interval", reconcile.DefaultPollInterval, "Snapshot poll interval")
	resyncIntervalFlag := flag.Duration("resync-interval", reconcile.DefaultResyncInterval, "Replica resync interval")
	confirmTimeoutFlag := flag.Duration("confirm-timeout", reconcile.DefaultConfirmTimeout, "How long a submission may sit unconfirmed before it is flagged")
	claimsPerMinuteFlag := flag.Int("claims-per-minute", 10, "Per-IP claim submission rate limit")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins; empty allows any")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "Maximum time to wait for graceful shutdown")

	flag.Parse()

	// A .env next to the binary is a dev convenience; absence is normal.
	_ = godotenv.Load()

	applyEnvOverride := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	applyEnvOverride(listenAddrFlag, "HONGBAO_LISTEN_ADDR")
	applyEnvOverride(rpcURLFlag, "HONGBAO_RPC_URL")
	applyEnvOverride(contractFlag, "HONGBAO_CONTRACT_ADDRESS")
	applyEnvOverride(messageContractFlag, "HONGBAO_MESSAGE_CONTRACT")
	applyEnvOverride(privateKeyFlag, "HONGBAO_PRIVATE_KEY")
	applyEnvOverride(graphEndpointFlag, "HONGBAO_GRAPH_ENDPOINT")
	if v := os.Getenv("HONGBAO_CHAIN_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid HONGBAO_CHAIN_ID: %w", err)
		}
		*chainIDFlag = id
	}

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		eng         engine.Engine
		events      engine.EventSource
		msgWriter   msglog.Writer
		msgEvents   msglog.EventSource
		rawReader   server.RawReader
		currentUser string
		chainID     = *chainIDFlag
	)

	switch resolveEngineMode(*rpcURLFlag, *contractFlag) {
	case engineModeMemory:
		// Dev mode: the in-memory reference engine, no chain required.
		log.Info("gateway: no rpc endpoint configured, running in-memory engine")
		mem, err := engine.NewMemory(engine.MemoryConfig{Logger: log, Sender: "0x000000000000000000000000000000000000dead"})
		if err != nil {
			return err
		}
		eng, events = mem, mem
		currentUser = "0x000000000000000000000000000000000000dead"
		if chainID == 0 {
			chainID = 31337
		}
	case engineModeChain, engineModeNone:
		client, err := ethclient.DialContext(ctx, *rpcURLFlag)
		if err != nil {
			return fmt.Errorf("failed to dial rpc endpoint: %w", err)
		}
		defer client.Close()

		if chainID == 0 {
			id, err := client.ChainID(ctx)
			if err != nil {
				return fmt.Errorf("failed to query chain id: %w", err)
			}
			chainID = id.Uint64()
		}
		log.Info("gateway: connected", "rpc", *rpcURLFlag, "chain_id", chainID)

		var transactor *eth.Transactor
		if *privateKeyFlag != "" {
			transactor, err = eth.NewTransactor(client, *privateKeyFlag, new(big.Int).SetUint64(chainID))
			if err != nil {
				return fmt.Errorf("failed to load signing key: %w", err)
			}
			currentUser = transactor.From()
			log.Info("gateway: signing enabled", "address", currentUser)
		}

		if *contractFlag == "" {
			// A valid configuration: the service stays up, the timeline
			// fills from the replica, and submissions report the missing
			// engine instead of the process refusing to start.
			log.Warn("gateway: no contract address configured, engine reads and submissions disabled")
		} else {
			chainClient, err := eth.NewClient(eth.ClientConfig{
				Logger:          log,
				Backend:         client,
				ContractAddress: common.HexToAddress(*contractFlag),
				Transactor:      transactor,
			})
			if err != nil {
				return err
			}
			eng = chainClient
			// Log subscriptions need a websocket transport; http endpoints
			// still serve polling and writes.
			if strings.HasPrefix(*rpcURLFlag, "ws") {
				events = chainClient
			} else {
				log.Warn("gateway: rpc endpoint is not a websocket, live events disabled")
			}
		}

		msgClient, err := eth.NewMessageClient(eth.MessageClientConfig{
			Logger:          log,
			Backend:         client,
			ContractAddress: common.HexToAddress(*messageContractFlag),
			Transactor:      transactor,
		})
		if err != nil {
			return err
		}
		msgWriter, rawReader = msgClient, msgClient
		if *messageContractFlag != "" && strings.HasPrefix(*rpcURLFlag, "ws") {
			msgEvents = msgClient
		}
	}

	var replicaClient *replica.Client
	if *graphEndpointFlag != "" {
		var err error
		replicaClient, err = replica.New(replica.Config{Logger: log, Endpoint: *graphEndpointFlag})
		if err != nil {
			return err
		}
	}

	hub := server.NewHub(log)

	viewCfg := reconcile.Config{
		Logger:         log,
		Engine:         eng,
		Events:         events,
		CurrentUser:    currentUser,
		PollInterval:   *pollIntervalFlag,
		ResyncInterval: *resyncIntervalFlag,
		ConfirmTimeout: *confirmTimeoutFlag,
		OnEntry:        hub.BroadcastEntry,
	}
	if replicaClient != nil {
		viewCfg.Replica = replicaClient
	}
	view, err := reconcile.New(viewCfg)
	if err != nil {
		return err
	}
	if err := view.Start(ctx); err != nil {
		return err
	}
	defer view.Close()

	rawRecipient := *rawRecipientFlag
	if rawRecipient == "" {
		rawRecipient = currentUser
	}
	msgCfg := msglog.ServiceConfig{
		Logger:       log,
		Writer:       msgWriter,
		Events:       msgEvents,
		RawRecipient: rawRecipient,
		OnMessage:    hub.BroadcastMessage,
	}
	if replicaClient != nil {
		msgCfg.Replica = replicaClient
	}
	messages, err := msglog.NewService(msgCfg)
	if err != nil {
		return err
	}
	if err := messages.Start(ctx); err != nil {
		return err
	}
	defer messages.Close()

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		View:            view,
		Hub:             hub,
		Messages:        messages,
		RawReader:       rawReader,
		ShutdownTimeout: *shutdownTimeoutFlag,
		AllowedOrigins:  *allowedOriginsFlag,
		ClaimsPerMinute: *claimsPerMinuteFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		UIConfig: server.UIConfig{
			ChainID:         chainID,
			ContractAddress: strings.ToLower(*contractFlag),
			MessageContract: strings.ToLower(*messageContractFlag),
			CurrentUser:     currentUser,
			ExplorerBase:    server.ExplorerBase(chainID),
			PollIntervalMS:  pollIntervalFlag.Milliseconds(),
		},
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
