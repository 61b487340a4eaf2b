package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"pagewatch/internal/config"
	"pagewatch/internal/logger"
	"pagewatch/internal/service"
	"pagewatch/internal/storage"
	"pagewatch/pkg/api"
	"pagewatch/pkg/domain"

	"github.com/spf13/cobra"
)

var (
	// Version 构建时写入
	Version = "dev"

	configPath  string
	devtoolsURL string
	targetID    string
	visitURL    string
	eventType   string
	sessionID   string
	limit       int
	clearEvents bool
	persist     bool
)

var rootCmd = &cobra.Command{
	Use:          "pagewatch",
	Short:        "Instrument a live Chromium page over the DevTools protocol",
	Version:      Version,
	SilenceUsage: true,
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List page targets of the browser",
	RunE:  runTargets,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Attach to a page, install the instrumentation and stream events as JSON lines",
	RunE:  runWatch,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print stored events",
	RunE:  runEvents,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&devtoolsURL, "devtools", "", "DevTools HTTP endpoint (overrides config)")

	watchCmd.Flags().StringVarP(&targetID, "target", "t", "", "target id (default: first page)")
	watchCmd.Flags().StringVar(&visitURL, "url", "", "navigate to this URL after attaching")
	watchCmd.Flags().BoolVar(&persist, "persist", true, "store events in sqlite")

	eventsCmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	eventsCmd.Flags().StringVar(&sessionID, "session", "", "only events of this session")
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of events")
	eventsCmd.Flags().BoolVar(&clearEvents, "clear", false, "delete the matched events after printing")

	rootCmd.AddCommand(targetsCmd, watchCmd, eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func load() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if devtoolsURL != "" {
		cfg.DevToolsURL = devtoolsURL
	}
	l := logger.New(logger.Options{Level: cfg.Log.Level, Writers: cfg.Log.Writer, File: cfg.Log.File})
	return cfg, l, nil
}

func runTargets(cmd *cobra.Command, _ []string) error {
	cfg, l, err := load()
	if err != nil {
		return err
	}
	svc := api.NewService(service.Options{}, l)
	defer svc.Close()
	id, err := svc.StartSession(cmd.Context(), cfg.SessionConfig())
	if err != nil {
		return err
	}

	targets, err := svc.ListTargets(cmd.Context(), id)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tURL")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Title, t.URL)
	}
	return w.Flush()
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, l, err := load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := service.Options{BridgeURL: cfg.Bridge.WSURL}
	if persist {
		db, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l)
		if err != nil {
			return err
		}
		opts.DB = db
	}
	svc := api.NewService(opts, l)
	id, err := svc.StartSession(ctx, cfg.SessionConfig())
	if err != nil {
		return err
	}
	defer svc.StopSession(id)

	tid, err := svc.AttachTarget(ctx, id, domain.TargetID(targetID))
	if err != nil {
		return err
	}
	l.Info("开始观察页面", "session", string(id), "target", string(tid))

	events, err := svc.SubscribeEvents(id)
	if err != nil {
		return err
	}
	if visitURL != "" {
		if err := svc.Visit(ctx, id, visitURL); err != nil {
			l.Warn("导航失败", "url", visitURL, "error", err)
		}
	}

	out := bufio.NewWriter(cmd.OutOrStdout())
	defer out.Flush()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			out.Write(ev)
			out.WriteByte('\n')
			out.Flush()
		}
	}
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, l, err := load()
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l)
	if err != nil {
		return err
	}
	store := storage.NewEventStore(db, sessionID, l)
	defer store.Close()

	f := storage.Filter{SessionID: sessionID, Type: eventType, Limit: limit}
	records, err := store.List(cmd.Context(), f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, r := range records {
		if err := enc.Encode(json.RawMessage(r.Payload)); err != nil {
			return err
		}
	}
	if clearEvents {
		n, err := store.Clear(cmd.Context(), f)
		if err != nil {
			return err
		}
		l.Info("已清除事件", "count", n)
	}
	return nil
}
