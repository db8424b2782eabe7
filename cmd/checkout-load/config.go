package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"
)

type scenario string

const (
	scenarioCreate          scenario = "create"
	scenarioCreatePay       scenario = "create-pay"
	scenarioCreatePayCancel scenario = "create-pay-cancel"
)

type config struct {
	addr          string
	total         int
	duration      time.Duration
	concurrency   int
	connections   int
	timeout       time.Duration
	scenario      scenario
	cancelRate    int
	variantID     string
	qty           int64
	promoCode     string
	customers     int
	jwtSecret     string
	jwtIssuer     string
	jwtAudience   string
	paymentSecret string
	outputPath    string
}

func parseScenario(raw string) (scenario, error) {
	switch s := scenario(strings.TrimSpace(raw)); s {
	case scenarioCreate, scenarioCreatePay, scenarioCreatePayCancel:
		return s, nil
	default:
		return "", fmt.Errorf("unsupported scenario: %q", raw)
	}
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		cfg      config
		rawScene string
	)

	fs := flag.NewFlagSet("checkout-load", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC address of shop-service")
	fs.IntVar(&cfg.total, "total", 200, "scenarios to run; with -duration acts as an upper bound, 0 means unbounded")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional wall-clock limit (e.g. 5m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 20, "concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 4, "gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-call timeout")
	fs.StringVar(&rawScene, "scenario", string(scenarioCreate), "create | create-pay | create-pay-cancel")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of create-pay scenarios that also cancel (0..100)")
	fs.StringVar(&cfg.variantID, "variant", "tshirt-black-m", "variant every order buys; a shared variant creates stock contention")
	fs.Int64Var(&cfg.qty, "qty", 1, "quantity per order")
	fs.StringVar(&cfg.promoCode, "promo", "", "optional promo code for every order")
	fs.IntVar(&cfg.customers, "customers", 50, "distinct customer identities to spread orders over")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", getenv("SHOP_JWT_SECRET"), "HS256 secret (default SHOP_JWT_SECRET)")
	fs.StringVar(&cfg.jwtIssuer, "jwt-issuer", firstSet(getenv("SHOP_JWT_ISSUER"), "shop-auth"), "token issuer")
	fs.StringVar(&cfg.jwtAudience, "jwt-audience", firstSet(getenv("SHOP_JWT_AUDIENCE"), "shopcore"), "token audience")
	fs.StringVar(&cfg.paymentSecret, "payment-secret", getenv("SHOP_PAYMENT_SECRET"), "callback signing secret (default SHOP_PAYMENT_SECRET)")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report path")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	var errs []error
	scene, err := parseScenario(rawScene)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.scenario = scene

	if cfg.duration < 0 {
		errs = append(errs, errors.New("duration must be >= 0"))
	}
	if cfg.total < 0 || (cfg.duration == 0 && cfg.total == 0) {
		errs = append(errs, errors.New("total must be > 0 unless duration is set"))
	}
	if cfg.concurrency <= 0 || cfg.connections <= 0 || cfg.customers <= 0 {
		errs = append(errs, errors.New("concurrency, connections and customers must be > 0"))
	}
	if cfg.timeout <= 0 {
		errs = append(errs, errors.New("timeout must be > 0"))
	}
	if cfg.cancelRate < 0 || cfg.cancelRate > 100 {
		errs = append(errs, errors.New("cancel-rate must be between 0 and 100"))
	}
	if strings.TrimSpace(cfg.variantID) == "" || cfg.qty <= 0 {
		errs = append(errs, errors.New("variant and a positive qty are required"))
	}
	if cfg.jwtSecret == "" {
		errs = append(errs, errors.New("jwt-secret is required to authenticate customers"))
	}
	if cfg.scenario != scenarioCreate && cfg.paymentSecret == "" {
		errs = append(errs, errors.New("payment-secret is required for payment scenarios"))
	}
	return cfg, errors.Join(errs...)
}

func firstSet(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// wantsCancel решает детерминированно, чтобы прогоны были воспроизводимы.
func (c config) wantsCancel(index int) bool {
	switch c.scenario {
	case scenarioCreatePayCancel:
		return true
	case scenarioCreatePay:
		return c.cancelRate > 0 && index%100 < c.cancelRate
	default:
		return false
	}
}

func (c config) target() string {
	switch {
	case c.duration <= 0:
		return fmt.Sprintf("count:%d", c.total)
	case c.total > 0:
		return fmt.Sprintf("duration:%s,max:%d", c.duration, c.total)
	default:
		return fmt.Sprintf("duration:%s", c.duration)
	}
}
