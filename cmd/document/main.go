package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gogotex/livedoc/internal/client"
	"github.com/gogotex/livedoc/internal/document"
	"github.com/gogotex/livedoc/pkg/logger"
)

const Version = "0.1.0"

const usage = `Live document client.

The default url is http://localhost:5010/api

Usage:
    document watch <id> --user=<name> [--url=<url>] [--heartbeat=<duration>] [--edit]
    document snapshot <id> [--url=<url>]
    document put <id> --user=<name> [--url=<url>] <content>
    document -h | --help
    document --version

Options:
    -h --help                Show this screen.
    --version                Show version.
    --url=<url>              Service base url.
    --user=<name>            Participant name.
    --heartbeat=<duration>   Mark the connection lost after this much silence [default: 10s].
    --edit                   Send each line read from stdin as the new content.`

func main() {
	logger.Init(os.Getenv("LOG_LEVEL"))
	// stdout carries document output
	logger.SetOutput(os.Stderr)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		logger.Fatalf("parse args: %v", err)
	}

	baseURL, _ := opts.String("--url")
	if baseURL == "" {
		baseURL = "http://localhost:5010/api"
	}
	api := client.NewAPI(baseURL, nil)
	id, _ := opts.String("<id>")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch, _ := opts.Bool("watch"); watch {
		err = runWatch(ctx, api, id, opts)
	} else if snap, _ := opts.Bool("snapshot"); snap {
		err = runSnapshot(ctx, api, id)
	} else if put, _ := opts.Bool("put"); put {
		err = runPut(ctx, api, id, opts)
	}
	if err != nil {
		logger.Fatalf("%v", err)
	}
}

func runSnapshot(ctx context.Context, api *client.API, id string) error {
	snap, err := api.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func runPut(ctx context.Context, api *client.API, id string, opts docopt.Opts) error {
	user, _ := opts.String("--user")
	content, _ := opts.String("<content>")
	snap, err := api.Mutate(ctx, id, document.WriteRequest{Content: &content, Name: &user})
	if err != nil {
		return err
	}
	fmt.Printf("saved %s at %d\n", id, snap.LastUpdated)
	return nil
}

func runWatch(ctx context.Context, api *client.API, id string, opts docopt.Opts) error {
	user, _ := opts.String("--user")
	hb, _ := opts.String("--heartbeat")
	heartbeat, err := time.ParseDuration(hb)
	if err != nil {
		return fmt.Errorf("--heartbeat: %w", err)
	}

	changes := make(chan client.View, 16)
	s := client.NewSession(api, id, user, client.Options{
		Heartbeat: heartbeat,
		OnChange: func(v client.View) {
			// keep only the newest view when the printer falls behind
			select {
			case changes <- v:
			default:
				select {
				case <-changes:
				default:
				}
				select {
				case changes <- v:
				default:
				}
			}
		},
	})
	defer s.Close()
	if err := s.Start(ctx); err != nil {
		return err
	}

	if edit, _ := opts.Bool("--edit"); edit {
		go readEdits(s)
	}

	var last client.View
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-changes:
			printView(last, v)
			last = v
			if v.State == client.StateGivenUp {
				return v.Err
			}
			if v.State == client.StateClosed {
				return nil
			}
		}
	}
}

func readEdits(s *client.Session) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := sc.Text()
		if err := s.Edit(line, len(line)); err != nil {
			return
		}
	}
}

func printView(prev, v client.View) {
	if v.State != prev.State {
		fmt.Printf("[%s]\n", v.State)
	}
	if names, old := document.Names(v.Users), document.Names(prev.Users); strings.Join(names, ",") != strings.Join(old, ",") {
		fmt.Printf("users: %s\n", strings.Join(names, ", "))
	}
	if v.Content != prev.Content {
		fmt.Printf("--- content @%d\n%s\n", v.LastUpdated, v.Content)
	}
	if v.SaveError != "" && v.SaveError != prev.SaveError {
		fmt.Printf("! %s\n", v.SaveError)
	}
}
