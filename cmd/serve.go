package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/treefix50/playsync/internal/auth"
	"github.com/treefix50/playsync/internal/ffmpeg"
	"github.com/treefix50/playsync/internal/media"
	"github.com/treefix50/playsync/internal/persistence"
	"github.com/treefix50/playsync/internal/protocol"
	"github.com/treefix50/playsync/internal/server"
	"github.com/treefix50/playsync/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the http and websocket server",
	RunE:  serveMain,
}

func init() {
	flags := serveCmd.Flags()
	flags.StringP("addr", "a", "", "http listen address")
	flags.String("cert", "", "tls certificate")
	flags.String("key", "", "tls priv key")
	flags.Bool("cors", false, "send permissive CORS headers")
	flags.String("media-dir", "", "directory uploaded videos are stored in")
	flags.String("ffprobe", "", "ffprobe binary (default: look up on PATH)")
	flags.Duration("persist-interval", 0, "how often dirty sessions are written back")

	_ = viper.BindPFlag("http.addr", flags.Lookup("addr"))
	_ = viper.BindPFlag("http.cert", flags.Lookup("cert"))
	_ = viper.BindPFlag("http.key", flags.Lookup("key"))
	_ = viper.BindPFlag("http.cors", flags.Lookup("cors"))
	_ = viper.BindPFlag("media.dir", flags.Lookup("media-dir"))
	_ = viper.BindPFlag("media.ffprobe", flags.Lookup("ffprobe"))
	_ = viper.BindPFlag("persist.interval", flags.Lookup("persist-interval"))

	rootCmd.AddCommand(serveCmd)
}

// newMediaService wires the catalog; probing is disabled when no ffprobe
// binary can be found.
func newMediaService(db media.Store) (*media.Service, error) {
	var probe media.ProbeFunc
	baseDir := "."
	if exePath, err := os.Executable(); err == nil {
		baseDir = filepath.Dir(exePath)
	}
	if bin, err := ffmpeg.Locate(conf.Media.FFprobe, baseDir); err == nil {
		log.Info("using ffprobe", "path", bin)
		probe = media.FFprobe(bin)
	} else {
		log.Info("ffprobe not found, uploads will have no metadata")
	}
	return media.NewService(db, conf.Media.Dir, probe, log.WithName("media"))
}

func serveMain(cmd *cobra.Command, args []string) error {
	log.Info("--- Starting playsync ---")
	if conf.InsecureSecret() {
		log.Info("WARNING: auth.secret is the built-in default, set PLAYSYNC_AUTH_SECRET before exposing this server")
	}

	db, err := openStore()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	authManager := auth.NewManager(db, conf.Auth.Secret, conf.Auth.TokenTTL, conf.Auth.CacheTTL)
	defer authManager.Close()

	mediaService, err := newMediaService(db)
	if err != nil {
		return err
	}

	store := session.NewMemoryStore()
	handler := protocol.NewHandler(store, db, mediaService, log)
	scheduler := persistence.NewScheduler(store, db, conf.Persist.Interval, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(ctx)
	}()

	srv := server.New(server.Options{
		Addr:           conf.HTTP.Addr,
		Cert:           conf.HTTP.Cert,
		Key:            conf.HTTP.Key,
		CORS:           conf.HTTP.CORS,
		SecureCookie:   conf.Auth.SecureCookie,
		MaxUploadBytes: conf.Media.MaxUploadBytes,
	}, authManager, mediaService, handler, log)

	sError := make(chan error, 1)
	go func() {
		sError <- srv.Start()
	}()

	// Listen for signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var result *multierror.Error
	select {
	case err := <-sError:
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("http server: %w", err))
		}
	case sig := <-sigs:
		log.Info("got signal, beginning shutdown", "signal", sig.String())
	}

	// Detach every connection first so their flushes land before the
	// scheduler's final pass.
	if err := srv.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close server: %w", err))
	}
	cancel()
	<-schedulerDone
	store.Close()

	log.Info("shutdown complete")
	return result.ErrorOrNil()
}
