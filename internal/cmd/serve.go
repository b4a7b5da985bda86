package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ereuse/workbench-server/internal/config"
	"github.com/ereuse/workbench-server/internal/observability"
	"github.com/ereuse/workbench-server/internal/server"
	"github.com/ereuse/workbench-server/pkg/deliver"
	"github.com/ereuse/workbench-server/pkg/phaseplan"
	"github.com/ereuse/workbench-server/pkg/snapshot"
	"github.com/ereuse/workbench-server/pkg/usbreg"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workbench server",
	Long: `Run the HTTP server Workbench clients report to.

Example:
  workbench-server serve
  workbench-server serve --folder /srv/workbench --port 8091
  workbench-server serve --no-link`,
	RunE: runServe,
}

var (
	serveHost   string
	servePort   int
	serveFolder string
	servePlan   string
	serveNoLink bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen address (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveFolder, "folder", "", "Public working directory (overrides config)")
	serveCmd.Flags().StringVar(&servePlan, "plan", "", "Phase plan file (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoLink, "no-link", false, "Upload finished snapshots without waiting for a tag link")
}

// linkPolicy gates uploads on the operator's settings, unless --no-link
// turned the gate off for the whole process.
type linkPolicy struct {
	settings *config.Settings
	forceOff bool
}

func (p linkPolicy) LinkRequired() bool {
	if p.forceOff {
		return false
	}
	return p.settings.LinkRequired()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("folder") {
		cfg.Folder = serveFolder
	}
	if cmd.Flags().Changed("plan") {
		cfg.Plan = servePlan
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Console); err != nil {
		return err
	}
	defer observability.Sync()
	log := observability.Logger

	archive, err := snapshot.NewArchive(cfg.Folder)
	if err != nil {
		return err
	}

	plan := phaseplan.Default()
	if cfg.Plan != "" {
		plan, err = phaseplan.Load(cfg.Plan)
		if err != nil {
			return fmt.Errorf("load phase plan: %w", err)
		}
	}

	store := snapshot.NewStore()
	conn := deliver.NewConnection(cfg.Folder)
	settings := config.NewSettings(cfg.Folder)
	policy := linkPolicy{settings: settings, forceOff: serveNoLink}

	sub := deliver.New(store, archive, conn, policy.LinkRequired, deliver.Config{
		Backoff: cfg.Delivery.Backoff,
		Timeout: cfg.Delivery.Timeout,
	}, log)
	if err := sub.Rescan(); err != nil {
		log.Warn("rescan staged snapshots", zap.Error(err))
	}
	sub.Start(ctx)
	defer sub.Stop()

	srv := server.New(cfg.Server.Host, cfg.Server.Port, server.Deps{
		Version:   version,
		Store:     store,
		Submitter: sub,
		Conn:      conn,
		Settings:  settings,
		USBs:      usbreg.New(usbreg.DefaultTTL),
		Plan:      plan,
		ImagesDir: filepath.Join(cfg.Folder, "images"),
		Log:       log,
		Policy:    policy,
	})

	log.Info("workbench server listening",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("folder", cfg.Folder),
		zap.Bool("link_required", policy.LinkRequired()))

	if err := srv.ListenAndServe(ctx, cfg.Server); err != nil {
		return err
	}
	log.Info("workbench server stopped")
	return nil
}
