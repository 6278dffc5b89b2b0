// Command zenithchatd runs the chat engine daemon for one profile.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/KLOUTZINMODZ/zenithchat/internal/config"
	"github.com/KLOUTZINMODZ/zenithchat/internal/daemon"
	"github.com/KLOUTZINMODZ/zenithchat/internal/lock"
	"github.com/KLOUTZINMODZ/zenithchat/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (default from config or ZENITHCHAT_PROFILE)")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	sess, err := session.Resolve(*profileFlag)
	if err != nil {
		fatal(err)
	}
	if err := sess.EnsureDir(); err != nil {
		fatal(err)
	}

	cfg, err := config.Load(sess.ConfigPath())
	if err != nil && !os.IsNotExist(err) {
		fatal(err)
	}

	lk, err := lock.Acquire(sess.LockPath())
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			fatal(fmt.Errorf("profile %q: %w", sess.Profile, err))
		}
		fatal(err)
	}
	defer lk.Release()

	app := fx.New(daemon.Module(daemon.Params{
		Profile:     sess.Profile,
		Config:      cfg,
		SocketPath:  sess.SocketPath(),
		CacheDBPath: sess.CacheDBPath(),
		LogPath:     sess.LogPath(),
		Debug:       *debugFlag,
	}))
	app.Run()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "zenithchatd:", err)
	os.Exit(1)
}
