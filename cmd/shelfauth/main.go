package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aussiebroadwan/shelfauth/internal/app"
)

const usage = `usage: shelfauth [-config file.toml] <command>

commands:
  login          sign in through the browser
  status         show the current session
  logout         clear the session
  fetch <path>   GET path from the resource API with the session's token
  watch          keep the session fresh until interrupted
`

func main() {
	configPath := flag.String("config", os.Getenv("SHELFAUTH_CONFIG"), "path to a TOML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	err = run(ctx, application, flag.Args(), os.Stdout)
	if cerr := application.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "%v\n\n%s", err, usage)
			os.Exit(2)
		}
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func run(ctx context.Context, application *app.Application, args []string, out io.Writer) error {
	switch args[0] {
	case "login":
		user, err := application.Login(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "signed in as %s\n", user.Username)
		return nil

	case "status":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(application.Status())

	case "logout":
		if err := application.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "signed out")
		return nil

	case "fetch":
		if len(args) != 2 {
			return usageError("fetch takes exactly one path")
		}
		return application.Fetch(ctx, args[1], out)

	case "watch":
		return application.Watch(ctx)

	default:
		return usageError(fmt.Sprintf("unknown command %q", args[0]))
	}
}
