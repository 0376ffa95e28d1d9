package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/tgfusefs/tgfusefs/internal/config"
	"github.com/tgfusefs/tgfusefs/internal/remote"
	"github.com/tgfusefs/tgfusefs/internal/store"
	"github.com/tgfusefs/tgfusefs/internal/tgfs"
)

const version = "0.1.0"

func main() {
	debug := flag.BoolP("debug", "d", false, "enable debug logging")
	debugFuse := flag.Bool("debug-fuse", false, "enable go-fuse's own request-level debug logging")
	configPath := flag.StringP("config", "c", "", "path to an optional YAML config file")
	showVersion := flag.BoolP("version", "v", false, "print version and exit")
	help := flag.BoolP("help", "h", false, "print usage and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tgfusefs", version)
		os.Exit(0)
	}
	if *help || flag.NArg() != 1 {
		fmt.Println("usage: tgfusefs [--debug] [--debug-fuse] [--config path] <mountpoint>")
		flag.PrintDefaults()
		if *help {
			os.Exit(0)
		}
		os.Exit(1)
	}
	mountpoint := flag.Arg(0)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if *debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if fi, err := os.Stat(mountpoint); err != nil || !fi.IsDir() {
		log.Error().Str("mountpoint", mountpoint).Msg("mountpoint does not exist or is not a directory")
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.DBPath).Msg("failed to open metadata store")
		os.Exit(1)
	}

	var channel remote.Channel
	if cfg.ChannelEndpoint != "" {
		channel = remote.NewHTTPChannel(cfg.ChannelEndpoint)
	} else {
		log.Warn().Msg("no CHANNEL_ENDPOINT configured, using an in-memory remote channel")
		channel = remote.NewMemChannel()
	}

	rc, err := remote.NewClient(channel, cfg.EncryptionKey, cfg.CacheMaxBytes, cfg.FileMaxSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to construct remote object store client")
		st.Close()
		os.Exit(1)
	}

	filesystem := tgfs.New(st, rc)
	root := tgfs.Root(filesystem)

	entryTimeout := 300 * time.Second
	attrTimeout := 300 * time.Second
	// default_permissions is intentionally never added to Options below - the
	// kernel is not asked to enforce permission bits on our behalf, and the
	// filesystem operations (Access included) do not check them either.
	server, err := fs.Mount(mountpoint, root, &fs.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "telegram_fuse",
			Name:       "tgfusefs",
			AllowOther: true,
			Debug:      *debugFuse,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("mountpoint", mountpoint).Msg("failed to mount filesystem")
		st.Close()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal, unmounting")
		if err := server.Unmount(); err != nil {
			log.Error().Err(err).Msg("failed to unmount cleanly")
		}
	}()

	log.Info().Str("mountpoint", mountpoint).Msg("tgfusefs mounted")
	server.Wait()

	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close metadata store cleanly")
	}
}
