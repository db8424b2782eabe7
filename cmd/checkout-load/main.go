// Команда checkout-load нагружает CheckoutService заказами одного варианта,
// чтобы проверить поведение резервирования под конкуренцией.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vladislavdragonenkov/shopcore/internal/auth"
	grpcsvc "github.com/vladislavdragonenkov/shopcore/internal/service/grpc"
)

func dial(addr string, n int) ([]*grpc.ClientConn, []checkoutAPI, error) {
	conns := make([]*grpc.ClientConn, 0, n)
	clients := make([]checkoutAPI, 0, n)
	for i := 0; i < n; i++ {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, nil, err
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewCheckoutServiceClient(conn))
	}
	return conns, clients, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger := log.WithField("component", "checkout-load")

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		logger.WithError(err).Fatal("invalid arguments")
	}

	issuer, err := auth.NewHS256(cfg.jwtSecret, cfg.jwtIssuer, cfg.jwtAudience)
	if err != nil {
		logger.WithError(err).Fatal("token issuer")
	}

	conns, clients, err := dial(cfg.addr, cfg.connections)
	if err != nil {
		logger.WithError(err).Fatal("grpc client")
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	r, err := newRunner(cfg, clients, issuer)
	if err != nil {
		logger.WithError(err).Fatal("prepare run")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := r.run(ctx)
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeReport(cfg.outputPath, result); err != nil {
			logger.WithError(err).Error("write report")
		}
	}
	if result.Failed() > 0 {
		stop()
		os.Exit(1)
	}
}
