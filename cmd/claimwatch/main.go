// claimwatch follows the claim countdown of one or more addresses against a faucet service
// and optionally submits the claim once the service confirms it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/govinda777/zerodev-token-shop-sub001/internal/domain"
	"github.com/govinda777/zerodev-token-shop-sub001/internal/logging"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/faucetclient"
	"github.com/govinda777/zerodev-token-shop-sub001/pkg/reconciler"
)

const (
	cfgServiceURL   = "service"
	cfgAddresses    = "address"
	cfgPollInterval = "poll-interval"
	cfgStaleAfter   = "stale-after"
	cfgDrift        = "drift-threshold"
	cfgTick         = "tick"
	cfgToken        = "token"
	cfgAutoClaim    = "auto-claim"
	cfgLogLevel     = "log-level"
)

func init() {
	defaults := reconciler.DefaultConfig()
	flag.String(cfgServiceURL, "http://127.0.0.1:8090", "the base URL of the faucet service")
	flag.StringSlice(cfgAddresses, nil, "wallet address to watch (repeatable)")
	flag.Duration(cfgPollInterval, defaults.PollInterval, "background re-poll interval")
	flag.Duration(cfgStaleAfter, defaults.StaleAfter, "snapshot age after which the countdown is flagged stale")
	flag.Int64(cfgDrift, int64(defaults.DriftThreshold), "local clock drift in seconds that triggers a warning")
	flag.Duration(cfgTick, time.Second, "how often the countdown is printed")
	flag.String(cfgToken, "", "wallet session token used to submit claims")
	flag.Bool(cfgAutoClaim, false, "submit a claim as soon as the service confirms the address is claimable")
	flag.String(cfgLogLevel, "warn", "log level")
}

func main() {
	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("CLAIMWATCH")
	viper.AutomaticEnv()

	logger, err := logging.New(viper.GetString(cfgLogLevel), "console")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		fmt.Fprintln(os.Stderr, "claimwatch:", err)
		os.Exit(1)
	}
}

type watcher struct {
	rec     *reconciler.Reconciler
	session *reconciler.Session
}

func run(logger *zap.SugaredLogger) error {
	rawAddresses := viper.GetStringSlice(cfgAddresses)
	autoClaim := viper.GetBool(cfgAutoClaim)
	token := viper.GetString(cfgToken)
	if err := checkOptions(rawAddresses, autoClaim, token); err != nil {
		return err
	}

	cfg := reconciler.DefaultConfig()
	cfg.PollInterval = viper.GetDuration(cfgPollInterval)
	cfg.StaleAfter = viper.GetDuration(cfgStaleAfter)
	cfg.DriftThreshold = clock.Seconds(viper.GetInt64(cfgDrift))

	client := faucetclient.New(viper.GetString(cfgServiceURL))
	source := reconciler.ClientSource{Client: client}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchers := make([]*watcher, 0, len(rawAddresses))
	for _, raw := range rawAddresses {
		addr, err := domain.ParseAddress(raw)
		if err != nil {
			return err
		}
		rec, err := reconciler.New(addr, source, clock.SystemLocal{}, cfg, logger)
		if err != nil {
			return err
		}
		watchers = append(watchers, &watcher{rec: rec, session: rec.Start(ctx)})
	}
	defer func() {
		for _, w := range watchers {
			w.session.Stop()
		}
	}()

	tick := viper.GetDuration(cfgTick)
	if tick <= 0 {
		return errors.Newf("--tick must be positive, got %s", tick)
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, w := range watchers {
			view := w.rec.View()
			printView(view)
			if autoClaim && view.Claimable {
				claim(ctx, client, token, w, logger)
			}
		}
	}
}

// checkOptions rejects flag combinations claimwatch cannot honour. A session token belongs to
// one wallet, so auto-claim only makes sense for a single watched address.
func checkOptions(addresses []string, autoClaim bool, token string) error {
	if len(addresses) == 0 {
		return errors.New("at least one --address is required")
	}
	if !autoClaim {
		return nil
	}
	if token == "" {
		return errors.New("--auto-claim needs --token")
	}
	if len(addresses) > 1 {
		return errors.Newf("--auto-claim claims for the token's wallet and needs exactly one --address, got %d", len(addresses))
	}
	return nil
}

func claim(ctx context.Context, client *faucetclient.Client, token string, w *watcher, logger *zap.SugaredLogger) {
	receipt, err := client.RequestTokens(ctx, token)
	if err != nil {
		if fe, ok := domain.AsFaucetError(err); ok {
			fmt.Printf("%s claim rejected: %s\n", w.rec.Address().Hex(), fe.Error())
		} else {
			logger.Warnw("claim request failed", "address", w.rec.Address().Hex(), "err", err)
		}
		w.rec.Reset()
		_ = w.rec.Poll(ctx)
		return
	}
	fmt.Printf("%s claimed %d tokens at %s (total %d, pool %d)\n",
		receipt.Claimant.Hex(), receipt.Amount, receipt.Timestamp, receipt.TotalClaimed, receipt.PoolBalance)
	if receipt.Claimant != w.rec.Address() {
		logger.Warnw("token belongs to a different wallet; countdown left to the next poll",
			"watched", w.rec.Address().Hex(), "claimant", receipt.Claimant.Hex())
		return
	}
	w.rec.ObserveClaim(*receipt)
}

func printView(view reconciler.View) {
	line := fmt.Sprintf("%s %-21s", view.Address.Hex(), view.Status)
	if view.Status == reconciler.StatusCoolingDown {
		line += fmt.Sprintf(" next claim in %s", view.RemainingSeconds.Duration())
	}
	if err := view.Err(); err != nil {
		line += " [" + err.Error() + "]"
	}
	if view.DriftExceeded {
		line += fmt.Sprintf(" [local clock off by %ds]", view.Drift)
	}
	fmt.Println(line)
}
