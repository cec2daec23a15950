package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"nnmcts/internal/cmdutil"
	httpserver "nnmcts/internal/server/http"
	"nnmcts/internal/server/session"
	"nnmcts/internal/tictactoe"
)

func openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "darwin":
		cmd = exec.Command("open", url)
	default: // linux / bsd
		cmd = exec.Command("xdg-open", url)
	}

	_ = cmd.Start() // 无图形界面时失败也无所谓
}

func main() {
	addr := flag.String("addr", ":2888", "listen address")
	webDir := flag.String("web", "", "directory with static assets, empty = API only")
	browser := flag.Bool("open", false, "open the default browser once listening")
	maxPly := flag.Int("maxply", 0, "declare a draw after this many plies, 0 = never")
	level := flag.String("loglevel", "info", "log level")
	var sf cmdutil.SearchFlags
	var ef cmdutil.EvalFlags
	sf.Register(flag.CommandLine)
	ef.Register(flag.CommandLine)
	flag.Parse()

	if err := cmdutil.SetupLogging(*level, nil); err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}
	params, err := sf.Params()
	if err != nil {
		log.Fatal().Err(err).Msg("bad search flags")
	}
	eval, closeEval, err := ef.Open()
	if err != nil {
		log.Fatal().Err(err).Msg("evaluator")
	}
	defer closeEval()

	mgr := session.NewManager(eval, params, tictactoe.Rules{MaxPly: *maxPly})
	srv := &http.Server{
		Addr:              *addr,
		Handler:           httpserver.NewRouter(httpserver.NewHandler(mgr), *webDir),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info().Str("addr", *addr).Str("web", *webDir).Int("budget", params.Budget).Msg("listening")

	if *browser {
		// 延迟 100ms，等服务器起来
		go func() {
			time.Sleep(100 * time.Millisecond)
			openBrowser("http://127.0.0.1" + *addr)
		}()
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server")
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, id := range mgr.IDs() {
			_ = mgr.Stop(id)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}
	log.Info().Msg("bye")
}
