package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/AllanDBB/ARIA/pkg/codec"
	"github.com/AllanDBB/ARIA/pkg/config"
	"github.com/AllanDBB/ARIA/pkg/cryptobox"
	"github.com/AllanDBB/ARIA/pkg/observability"
	"github.com/AllanDBB/ARIA/pkg/qos"
	"github.com/AllanDBB/ARIA/pkg/router"
	"github.com/AllanDBB/ARIA/pkg/transport"
	"github.com/AllanDBB/ARIA/pkg/transport/dtn"
	"github.com/AllanDBB/ARIA/pkg/transport/mem"
	"github.com/AllanDBB/ARIA/pkg/transport/nats"
	"github.com/AllanDBB/ARIA/pkg/transport/quic"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("aria-node started", zap.String("app", cfg.AppName), zap.String("node_id", cfg.NodeID))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := buildLink(ctx, cfg)
	if err != nil {
		zap.L().Error("failed to establish link", zap.Error(err))
		return 1
	}
	defer conn.Close()
	zap.L().Info("link established",
		zap.String("peer", string(conn.Peer().ID)),
		zap.String("addr", conn.Peer().Addr))

	schemas, err := schemaRegistry(cfg.Schemas)
	if err != nil {
		zap.L().Error("bad schema configuration", zap.Error(err))
		return 1
	}
	ropts, err := routerOptions(cfg, logger)
	if err != nil {
		zap.L().Error("bad router configuration", zap.Error(err))
		return 1
	}
	ropts.Schemas = schemas
	rtr, err := router.New(conn, ropts)
	if err != nil {
		zap.L().Error("failed to build router", zap.Error(err))
		return 1
	}

	// Drain deliveries; embedding applications replace this loop.
	go func() {
		for env := range rtr.Deliveries() {
			schemaName := "raw"
			if sc, err := schemas.Lookup(env.SchemaID); err == nil {
				schemaName = sc.Name
			}
			zap.L().Debug("envelope delivered",
				zap.String("topic", env.Topic),
				zap.String("source", env.Metadata.SourceNode),
				zap.String("schema", schemaName),
				zap.Int("bytes", len(env.Payload)))
		}
	}()

	zap.L().Info("node is running; press Ctrl+C to exit")
	if err := rtr.Run(ctx); err != nil && ctx.Err() == nil {
		zap.L().Error("router stopped", zap.Error(err))
		return 1
	}
	return 0
}

// buildLink constructs the configured transport and either dials the first
// peer or accepts the first inbound connection.
func buildLink(ctx context.Context, cfg *config.Config) (transport.Conn, error) {
	if len(cfg.Transports) == 0 {
		return nil, fmt.Errorf("no transports configured")
	}
	tc := cfg.Transports[0]

	tr, err := buildTransport(tc)
	if err != nil {
		return nil, err
	}

	if len(tc.Dial) > 0 {
		d := tc.Dial[0]
		return tr.Dial(ctx, transport.PeerInfo{ID: transport.PeerID(d.PeerID), Addr: d.Address})
	}
	if len(tc.Listen) > 0 {
		l, err := tr.Listen(ctx, tc.Listen[0])
		if err != nil {
			return nil, err
		}
		zap.L().Info("waiting for peer", zap.String("addr", l.Addr().String()))
		return l.Accept(ctx)
	}
	return nil, fmt.Errorf("transport %q has neither listen nor dial", tc.Kind)
}

func buildTransport(tc config.TransportConfig) (transport.Transport, error) {
	switch tc.Kind {
	case "quic":
		return quic.New()
	case "nats":
		return nats.New("aria-node"), nil
	case "mem":
		return mem.New(), nil
	case "dtn":
		inner, err := buildTransport(config.TransportConfig{Kind: tc.Inner})
		if err != nil {
			return nil, fmt.Errorf("dtn inner: %w", err)
		}
		return dtn.New(inner, tc.SpoolKB*1024), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}

// schemaRegistry builds the payload schema registry from configuration. All
// three built-in codecs are available to bind against.
func schemaRegistry(entries []config.SchemaConfig) (*codec.SchemaRegistry, error) {
	codecs := codec.NewRegistry()
	cb, err := codec.CBOR()
	if err != nil {
		return nil, fmt.Errorf("cbor codec: %w", err)
	}
	codecs.Register(cb)

	schemas := codec.NewSchemaRegistry(codecs)
	for _, e := range entries {
		err := schemas.Register(codec.Schema{ID: e.ID, Name: e.Name, ContentType: e.ContentType})
		if err != nil {
			return nil, err
		}
	}
	return schemas, nil
}

func routerOptions(cfg *config.Config, logger *zap.Logger) (router.Options, error) {
	crypto, err := cryptoConfig(cfg.Crypto)
	if err != nil {
		return router.Options{}, err
	}

	topics := make(map[string]router.Policy, len(cfg.Topics))
	for _, tc := range cfg.Topics {
		topics[tc.Topic] = router.PolicyFromConfig(tc)
	}

	opts := router.Options{
		NodeID:        cfg.NodeID,
		MTU:           cfg.MTU,
		PaceInterval:  time.Duration(cfg.Pipeline.PaceIntervalMS) * time.Millisecond,
		ReorderWindow: cfg.Pipeline.ReorderWindow,
		ReorderHold:   time.Duration(cfg.Pipeline.ReorderHoldMS) * time.Millisecond,
		DefragTimeout: time.Duration(cfg.Pipeline.DefragTimeoutMS) * time.Millisecond,
		DefragBudget:  cfg.Pipeline.DefragBudgetKB * 1024,
		BlockTimeout:  time.Duration(cfg.Pipeline.BlockTimeoutMS) * time.Millisecond,
		FlushInterval: time.Duration(cfg.Pipeline.FlushIntervalMS) * time.Millisecond,
		DriftWindow:   cfg.Pipeline.DriftWindowSize,
		SessionIdle:   time.Duration(cfg.Pipeline.SessionIdleSecs) * time.Second,
		MaintainEvery: time.Duration(cfg.Pipeline.MaintainEveryMS) * time.Millisecond,
		QoSMaxWait:    time.Duration(cfg.QoS.MaxWaitMS) * time.Millisecond,
		Crypto:        crypto,
		Topics:        topics,
		Logger:        logger,
		Metrics:       observability.NewMetrics(prometheus.DefaultRegisterer),
	}
	for i, c := range cfg.QoS.Classes {
		opts.QoS[i] = qos.ClassConfig{Rate: c.Rate, Burst: c.Burst, QueueLen: c.QueueLen}
	}
	return opts, nil
}

func cryptoConfig(cc config.CryptoConfig) (cryptobox.Config, error) {
	dec := func(field, s string) ([]byte, error) {
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("crypto.%s: %w", field, err)
		}
		return b, nil
	}
	sign, err := dec("signing_key", cc.SigningKey)
	if err != nil {
		return cryptobox.Config{}, err
	}
	verify, err := dec("peer_verify_key", cc.PeerVerifyKey)
	if err != nil {
		return cryptobox.Config{}, err
	}
	kx, err := dec("kx_private_key", cc.KXPrivateKey)
	if err != nil {
		return cryptobox.Config{}, err
	}
	peerKX, err := dec("peer_kx_public", cc.PeerKXPublic)
	if err != nil {
		return cryptobox.Config{}, err
	}
	out := cryptobox.Config{
		SigningKey:      sign,
		VerifyKey:       verify,
		KXPrivate:       kx,
		KXPublic:        peerKX,
		RotateEveryMsgs: cc.RotateMsgs,
	}
	if cc.RotateInterval != "" {
		d, err := time.ParseDuration(cc.RotateInterval)
		if err != nil {
			return cryptobox.Config{}, fmt.Errorf("crypto.rotate_interval: %w", err)
		}
		out.RotateEvery = d
	}
	return out, nil
}
