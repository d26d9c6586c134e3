package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"termgate/internal/bus"
	"termgate/internal/config"
	"termgate/internal/db"
	"termgate/internal/domain"
	"termgate/internal/events"
	"termgate/internal/migrate"
	"termgate/internal/processor"
	"termgate/internal/repo"
	"termgate/internal/router"
	"termgate/internal/scheduler"
	"termgate/internal/server"
	"termgate/internal/state"
	"termgate/internal/terminal"
)

var rootCmd = &cobra.Command{
	Use:   "termgate",
	Short: "Payment terminal gateway",
	Long: `Termgate accepts payment requests on behalf of POS devices, drives the
physical terminals over a message channel, and reconciles outcomes against
the upstream payment processor.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TERMGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "termgate.yml", "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(terminalCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	// Env overrides for the settings that differ per deployment.
	if v := viper.GetString("http_addr"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("database_path"); v != "" {
		cfg.Database.Path = v
	}
	if v := viper.GetString("processor_base_url"); v != "" {
		cfg.Processor.BaseURL = v
	}
	if v := viper.GetString("processor_token_key"); v != "" {
		cfg.Processor.TokenKey = v
	}
	return cfg, cfg.Validate()
}

func newRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			conn, err := db.Open(db.Config{Path: cfg.Database.Path})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			rdb := newRedis(cfg)
			defer rdb.Close()

			var tokens *processor.TokenCache
			if cfg.Processor.TokenKey != "" {
				if tokens, err = processor.NewTokenCache(rdb, cfg.Processor.TokenKey); err != nil {
					return err
				}
			} else {
				logger.Warn("processor token cache disabled, no token key configured")
			}
			proc := processor.NewClient(processor.Options{
				BaseURL:    cfg.Processor.BaseURL,
				BrandName:  cfg.Processor.BrandName,
				TradeName:  cfg.Processor.TradeName,
				AppVersion: cfg.Processor.AppVersion,
				Timeout:    cfg.Processor.Timeout.Std(),
				Tokens:     tokens,
				Logger:     logger,
			})

			store := repo.Store{DB: conn}
			machine := state.New(store)
			terminals := terminal.NewStore(rdb)
			channel := bus.NewRedis(rdb, logger)
			defer channel.Close()
			ev := events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
			defer ev.Close()

			engine := scheduler.New(logger,
				scheduler.WithCap(scheduler.KindPoll, cfg.Jobs.Poll.Max),
				scheduler.WithCap(scheduler.KindRepublish, cfg.Jobs.Republish.Max),
			)
			defer engine.StopAll()

			rt := &router.Router{
				Store:     store,
				State:     machine,
				Terminals: terminals,
				Bus:       channel,
				Proc:      proc,
				Events:    ev,
				Jobs:      engine,
				Poller: &scheduler.Poller{
					Store: store, State: machine, Bus: channel, Events: ev, Proc: proc, Logger: logger,
				},
				Republisher: &scheduler.Republisher{Store: store, Bus: channel, Logger: logger},
				Cfg: router.JobConfig{
					PollInterval:      cfg.Jobs.Poll.Interval.Std(),
					PollTimeout:       cfg.Jobs.Poll.Timeout.Std(),
					RepublishInterval: cfg.Jobs.Republish.Interval.Std(),
					RepublishFloor:    cfg.Jobs.Republish.Floor.Std(),
					RepublishTimeout:  cfg.Jobs.Republish.Timeout.Std(),
					KeepAliveInterval: cfg.Jobs.KeepAlive.Interval.Std(),
				},
				Logger: logger,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rt.Subscribe(ctx); err != nil {
				return err
			}

			handler, err := server.New(server.Config{Router: rt, BasePath: cfg.HTTP.BasePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			logger.Info("gateway listening", "addr", cfg.HTTP.Addr, "base_path", cfg.HTTP.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	return cmd
}

func jobsCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show active polling and republishing jobs on a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, baseURL+"/polling/stats", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var body struct {
				Success bool   `json:"success"`
				Message string `json:"message"`
				Data    struct {
					Poll      []scheduler.JobInfo `json:"poll"`
					Republish []scheduler.JobInfo `json:"republish"`
				} `json:"data"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return err
			}
			if !body.Success {
				return fmt.Errorf("gateway refused: %s", body.Message)
			}
			if viper.GetBool("json") {
				out, _ := json.MarshalIndent(body.Data, "", "  ")
				fmt.Println(string(out))
				return nil
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Kind", "Transaction", "Started", "Last action", "Ticks"})
			for _, j := range body.Data.Poll {
				tw.AppendRow(table.Row{"poll", j.ID, j.StartedAt.Format(time.RFC3339), lastAction(j), j.Ticks})
			}
			for _, j := range body.Data.Republish {
				tw.AppendRow(table.Row{"republish", j.ID, j.StartedAt.Format(time.RFC3339), lastAction(j), j.Ticks})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080/v1", "gateway base URL")
	return cmd
}

func lastAction(j scheduler.JobInfo) string {
	if j.LastAction.IsZero() {
		return "-"
	}
	return j.LastAction.Format(time.RFC3339)
}

func deviceCmd() *cobra.Command {
	dev := &cobra.Command{Use: "device", Short: "Manage POS device bindings"}
	dev.AddCommand(deviceBindCmd())
	return dev
}

func deviceBindCmd() *cobra.Command {
	var posID, serial string
	cmd := &cobra.Command{
		Use:   "bind",
		Short: "Bind a POS to a payment terminal serial",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Path: cfg.Database.Path})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			store := repo.Store{DB: conn}
			d := domain.Device{
				PosID:            posID,
				TerminalSerialNo: serial,
				CreatedAt:        time.Now().UTC().Format(time.RFC3339),
			}
			if err := store.UpsertDevice(cmd.Context(), d); err != nil {
				return err
			}
			fmt.Printf("bound pos %s to terminal %s\n", posID, serial)
			return nil
		},
	}
	cmd.Flags().StringVar(&posID, "pos-id", "", "pos identifier")
	cmd.Flags().StringVar(&serial, "serial", "", "terminal serial number")
	_ = cmd.MarkFlagRequired("pos-id")
	_ = cmd.MarkFlagRequired("serial")
	return cmd
}

func terminalCmd() *cobra.Command {
	term := &cobra.Command{Use: "terminal", Short: "Manage terminal provisioning"}
	term.AddCommand(terminalProvisionCmd())
	return term
}

func terminalProvisionCmd() *cobra.Command {
	var serial, revision, merchantID, terminalID, alphaCode string
	var qrphMin, qrphMax string
	var qrphEnabled, cardEnabled bool
	var batchNo int64
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Write a terminal's configuration to the terminal store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rdb := newRedis(cfg)
			defer rdb.Close()

			min, err := decimal.NewFromString(qrphMin)
			if err != nil {
				return fmt.Errorf("bad --qrph-min: %w", err)
			}
			max, err := decimal.NewFromString(qrphMax)
			if err != nil {
				return fmt.Errorf("bad --qrph-max: %w", err)
			}
			tc := domain.TerminalConfig{
				RevisionID: revision,
				BatchNo:    batchNo,
				MerchantID: merchantID,
				TerminalID: terminalID,
				AlphaCode:  alphaCode,
				QRPH:       domain.SchemeLimits{Enabled: qrphEnabled, MinimumAmount: min, MaximumAmount: max},
				Card:       domain.SchemeLimits{Enabled: cardEnabled},
			}
			if err := terminal.NewStore(rdb).SaveConfig(cmd.Context(), serial, tc); err != nil {
				return err
			}
			fmt.Printf("provisioned terminal %s (revision %s)\n", serial, revision)
			return nil
		},
	}
	cmd.Flags().StringVar(&serial, "serial", "", "terminal serial number")
	cmd.Flags().StringVar(&revision, "revision", "1", "config revision id")
	cmd.Flags().StringVar(&merchantID, "merchant-id", "", "merchant id")
	cmd.Flags().StringVar(&terminalID, "terminal-id", "", "terminal id")
	cmd.Flags().StringVar(&alphaCode, "alpha-code", "PHP", "currency alpha code")
	cmd.Flags().StringVar(&qrphMin, "qrph-min", "1", "qrph minimum amount")
	cmd.Flags().StringVar(&qrphMax, "qrph-max", "50000", "qrph maximum amount")
	cmd.Flags().BoolVar(&qrphEnabled, "qrph", true, "enable qrph payments")
	cmd.Flags().BoolVar(&cardEnabled, "card", false, "enable card payments")
	cmd.Flags().Int64Var(&batchNo, "batch-no", 1, "batch number")
	_ = cmd.MarkFlagRequired("serial")
	_ = cmd.MarkFlagRequired("merchant-id")
	_ = cmd.MarkFlagRequired("terminal-id")
	return cmd
}
