package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cupid/api"
	"cupid/benchmark"
	"cupid/configs"
	"cupid/guardian"
	"cupid/heartbeat"
	"cupid/lifecycle"
	"cupid/logging"
	"cupid/matcher"
	"cupid/notify"
	"cupid/storage"
	"cupid/votes"
)

var (
	listen    string
	pgDSN     string
	mongoURI  string
	engine    string
	propsFile string
	verbose   bool
)

func main() {
	root := &cobra.Command{
		Use:   "cupid-server",
		Short: "Real-time speed-dating matchmaker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.PersistentFlags().StringVar(&listen, "listen", configs.ListenAddress, "client listen address")
	root.PersistentFlags().StringVar(&pgDSN, "pg", "", "postgres DSN for the authoritative store")
	root.PersistentFlags().StringVar(&mongoURI, "mongo", "", "mongo URI for the profile directory")
	root.PersistentFlags().StringVar(&engine, "engine", configs.PostgresStore, "storage engine: postgres or memory")
	root.PersistentFlags().StringVar(&propsFile, "props", "", "properties file with tuning overrides")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug info")

	simulate := &cobra.Command{
		Use:   "simulate",
		Short: "Run the closed-loop matchmaking simulation on the memory engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation()
		},
	}
	simulate.Flags().IntVar(&configs.SimUsers, "users", configs.SimUsers, "seeded participant count")
	simulate.Flags().DurationVar(&configs.SimDuration, "duration", configs.SimDuration, "measured run length")
	simulate.Flags().Float64Var(&configs.SimYesRate, "yes-rate", configs.SimYesRate, "probability of a yes vote")
	simulate.Flags().Float64Var(&configs.SimSkewness, "skew", configs.SimSkewness, "zipfian skew of participant activity")
	simulate.Flags().IntVar(&configs.SimClients, "clients", configs.SimClients, "concurrent client routines")
	simulate.Flags().DurationVar(&configs.SimThinkTime, "think", configs.SimThinkTime, "client think time between actions")
	root.AddCommand(simulate)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func applyFlags() error {
	if propsFile != "" {
		if err := configs.LoadProperties(propsFile); err != nil {
			return err
		}
	}
	if listen != "" {
		configs.ListenAddress = listen
	}
	if pgDSN != "" {
		configs.PostgresDSN = pgDSN
	}
	if mongoURI != "" {
		configs.MongoDBLink = mongoURI
	}
	configs.SetEngine(engine)
	return nil
}

func serve() error {
	logger := logging.Init(verbose)
	if err := applyFlags(); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	var dir storage.Directory
	if configs.StorageType == configs.PostgresStore {
		mongoDir, err := storage.OpenMongoDirectory(ctx)
		if err != nil {
			return err
		}
		dir = mongoDir
	} else {
		dir = storage.NewMemDirectory()
	}
	defer dir.Close(context.Background())

	journal, err := storage.OpenJournal(configs.DataDir)
	if err != nil {
		return err
	}
	defer journal.Close()

	broker := notify.NewBroker(logger)
	machine := lifecycle.NewMachine(store, journal, broker, logger)
	voteEngine := votes.NewEngine(store, dir, machine, journal, broker, logger)
	selector := matcher.NewSelector(store, dir, logger)
	creator := matcher.NewPairCreator(store, dir, machine, journal, broker, logger)
	orch := matcher.NewOrchestrator(store, dir, selector, creator, broker, logger)
	hb := heartbeat.NewManager(store, machine, voteEngine, journal, broker, logger)
	guard := guardian.New(store, dir, machine, voteEngine, journal, broker, logger)
	handler := api.NewHandler(store, dir, machine, orch, voteEngine, hb, broker, logger)

	server, err := api.NewServer(handler, configs.ListenAddress, logger)
	if err != nil {
		return err
	}

	logger.Info().Str("listen", configs.ListenAddress).Str("engine", configs.StorageType).
		Msg("cupid server starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return guard.Run(gctx) })
	g.Go(func() error { return hb.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		server.Close()
		return nil
	})

	err = g.Wait()
	if err == context.Canceled {
		logger.Info().Msg("cupid server stopped")
		return nil
	}
	return err
}

func runSimulation() error {
	logger := logging.Init(verbose)
	if propsFile != "" {
		if err := configs.LoadProperties(propsFile); err != nil {
			return err
		}
	}
	stmt := &benchmark.SimStmt{}
	stmt.Run(logger)
	return nil
}
