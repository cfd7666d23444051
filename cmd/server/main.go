package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"tradeflow/api/grpcserver"
	"tradeflow/domain/trade"
	"tradeflow/infra/journal"
	"tradeflow/infra/kafka"
	"tradeflow/infra/outbox"
	"tradeflow/infra/pubsub"
	"tradeflow/infra/redis"
	"tradeflow/jobs/broadcaster"
	"tradeflow/jobs/ingress"
	"tradeflow/pkg/config"
	"tradeflow/pkg/errors"
	"tradeflow/pkg/logger"
	"tradeflow/service/orderbook"
	"tradeflow/service/pricing"
	"tradeflow/service/region"
)

func main() {
	var cfg Config
	config.MustLoad(&cfg)
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	// ---------------- Logger ----------------

	opts := []logger.Options{logger.WithLoggingLevel(cfg.LogLevel)}
	if cfg.LogDev {
		opts = append(opts, logger.WithDevelopment())
	}
	base, err := logger.NewLogger(opts...)
	if err != nil {
		panic(err)
	}
	defer func() { _ = base.Sync() }()
	log := base.With(logger.NewField("node", cfg.NodeID))

	if err := run(cfg, log); err != nil {
		log.Error(err, logger.NewField("event", "exit"))
		_ = base.Sync()
		os.Exit(1)
	}
}

func run(cfg Config, log logger.Interface) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ---------------- Journal ----------------

	store, err := journal.OpenPebble(filepath.Join(cfg.DataDir, "journal"))
	if err != nil {
		return errors.NewTracer("journal open").Wrap(err)
	}
	defer store.Close()

	// ---------------- Outbox ----------------

	box, err := outbox.Open(filepath.Join(cfg.DataDir, "outbox"))
	if err != nil {
		return errors.NewTracer("outbox open").Wrap(err)
	}
	defer box.Close()

	// ---------------- Redis ----------------

	var client goredis.UniversalClient
	if cfg.usesRedis() {
		client, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
	}

	// ---------------- PubSub ----------------

	var manager pubsub.Manager
	switch cfg.PubSub {
	case BackendRedis:
		r := pubsub.NewRedis(client, log, 1024)
		defer r.Close()
		manager = r
	default:
		manager = pubsub.NewInMemory(log)
	}
	var publisher pubsub.Publisher = manager
	if cfg.KafkaBroadcast {
		op := outbox.NewPublisher(manager, box, log)
		defer op.Close()
		publisher = op
	}

	// ---------------- Regions ----------------

	var market trade.Subscriber
	if cfg.KafkaMarket {
		sink := kafka.NewMarketSink(cfg.Kafka, log)
		defer sink.Close()
		market = sink
	}

	books, prices := newRegions(cfg, client, store, manager, publisher, market, log)
	books.Start()
	prices.Start()
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		books.Stop(stopCtx)
		prices.Stop(stopCtx)
	}()
	failed := watchFailures(ctx, books, prices)

	// ---------------- Kafka ----------------

	if cfg.KafkaBroadcast {
		producer, err := broadcaster.NewProducer(cfg.Broadcaster.Brokers)
		if err != nil {
			return errors.NewTracer("kafka producer").Wrap(err)
		}
		bc := broadcaster.New(box, producer, cfg.Broadcaster, log)
		defer bc.Close()
		bc.Start(ctx)
	}

	if cfg.KafkaIngress {
		reader := kafka.NewReader(cfg.Kafka)
		defer reader.Close()
		in := ingress.New(reader, books, log)
		ingressDone := make(chan struct{})
		defer func() {
			cancel()
			<-ingressDone
		}()
		go func() {
			defer close(ingressDone)
			if err := in.Run(ctx); err != nil {
				log.Error(err, logger.NewField("job", "ingress"))
				cancel()
			}
		}()
	}

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return errors.NewTracer("grpc listen").Wrap(err)
	}
	srv := grpcserver.NewGRPCServer(grpcserver.NewServer(books, prices, manager, log))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(lis) }()
	log.Info("tradeflow node running", logger.NewField("addr", cfg.GRPCAddr))

	var exitErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdown(srv)
	case f := <-failed:
		shutdown(srv)
		exitErr = errors.NewTracer("entity " + f.Instrument + " failed").Wrap(f.Err)
	case err := <-serveErr:
		exitErr = err
	}

	// Background loops stop before the deferred closes release what they use.
	cancel()
	return exitErr
}

// newRegions wires the order book and match aggregator regions. Creating a
// book also creates the aggregator of its instrument, so matches are
// aggregated without a separate registration step.
func newRegions(
	cfg Config,
	client goredis.UniversalClient,
	store journal.Store,
	manager pubsub.Manager,
	publisher pubsub.Publisher,
	market trade.Subscriber,
	log logger.Interface,
) (*region.Region, *region.Region) {
	var bookLease, priceLease region.Lease
	var renew time.Duration
	if cfg.Leases == BackendRedis {
		bookLease = redis.NewLease(client, cfg.NodeID, cfg.Redis.PrefixKey+"orderBook:", cfg.Redis.LeaseTTL)
		priceLease = redis.NewLease(client, cfg.NodeID, cfg.Redis.PrefixKey+"matchAggregator:", cfg.Redis.LeaseTTL)
		renew = cfg.Redis.LeaseTTL / 3
	}

	prices := region.New("matchAggregator", func(instrument string) region.Entity {
		return pricing.New(instrument, store, manager, publisher, log, cfg.Pricing)
	}, priceLease, log, region.WithShards(cfg.Shards), region.WithRenewInterval(renew))

	books := region.New("orderBook", func(instrument string) region.Entity {
		go warm(prices, manager, market, instrument, log)
		return orderbook.New(instrument, store, publisher, log, cfg.OrderBook)
	}, bookLease, log, region.WithShards(cfg.Shards), region.WithRenewInterval(renew))

	return books, prices
}

// warm starts the aggregator of instrument and hooks the market sink to it.
func warm(prices *region.Region, subs pubsub.Subscriptions, market trade.Subscriber, instrument string, log logger.Interface) {
	ctx, cancel := context.WithTimeout(context.Background(), pubsub.SubscribeTimeout)
	defer cancel()

	if err := prices.Tell(ctx, trade.GetPriceAndVolume{Instrument: instrument}); err != nil {
		log.Debug("aggregator not started here",
			logger.NewField("instrument", instrument),
			logger.NewField("reason", err.Error()),
		)
	}
	if market == nil {
		return
	}
	if err := subs.Subscribe(ctx, instrument, trade.MarketKinds, market); err != nil {
		log.Warn("market sink subscription failed",
			logger.NewField("instrument", instrument),
			logger.NewField("error", err.Error()),
		)
	}
}

// shutdown lets unary calls finish but cuts subscription streams, which
// only end when their clients leave.
func shutdown(srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		srv.Stop()
	}
}

// watchFailures merges the fatal entity failures of every region.
// Storage corruption is not recoverable in place, so the node stops.
func watchFailures(ctx context.Context, regions ...*region.Region) <-chan region.Failure {
	out := make(chan region.Failure, 1)
	for _, r := range regions {
		go func(r *region.Region) {
			select {
			case <-ctx.Done():
			case f := <-r.Failed():
				select {
				case out <- f:
				default:
				}
			}
		}(r)
	}
	return out
}
