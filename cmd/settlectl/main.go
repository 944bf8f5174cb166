// Command settlectl is the operator tool for the settlement databases.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/walletsettle/internal/ledger"
	"github.com/punchamoorthee/walletsettle/internal/orchestrator"
	"github.com/punchamoorthee/walletsettle/internal/outbox"
	"github.com/punchamoorthee/walletsettle/internal/store/postgres"
)

var Version = "dev"

// Database names accepted by --service.
const (
	serviceTransaction = "transaction"
	serviceWallet      = "wallet"
)

// backend is what the commands operate on. Only the side matching the
// service is set.
type backend struct {
	outbox       outbox.Inspector
	wallet       *ledger.Ledger
	transactions orchestrator.Store
	close        func()
}

type connector func(ctx context.Context, dsn, service string) (*backend, error)

type app struct {
	connect connector
	now     func() time.Time
	dsn     string
	service string
}

func main() {
	root := newRootCmd(connectPostgres, time.Now)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(connect connector, now func() time.Time) *cobra.Command {
	a := &app{connect: connect, now: now}

	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Inspect and repair settlement state",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.dsn, "db", os.Getenv("DB_SOURCE"), "PostgreSQL connection string (defaults to DB_SOURCE)")
	rootCmd.PersistentFlags().StringVar(&a.service, "service", serviceTransaction, "Database to open: transaction | wallet")

	rootCmd.AddCommand(a.outboxCmd())
	rootCmd.AddCommand(a.accountCmd())
	rootCmd.AddCommand(a.transactionsCmd())
	return rootCmd
}

func (a *app) open(ctx context.Context, service string) (*backend, error) {
	if service != serviceTransaction && service != serviceWallet {
		return nil, fmt.Errorf("unknown service %q, want %s or %s", service, serviceTransaction, serviceWallet)
	}
	return a.connect(ctx, a.dsn, service)
}

func connectPostgres(ctx context.Context, dsn, service string) (*backend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("no database: pass --db or set DB_SOURCE")
	}
	pool, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	b := &backend{close: pool.Close}
	switch service {
	case serviceWallet:
		store := postgres.NewLedgerStore(pool)
		b.outbox = store
		b.wallet = ledger.New(store)
	default:
		store := postgres.NewTransactionStore(pool)
		b.outbox = store
		b.transactions = store
	}
	return b, nil
}
