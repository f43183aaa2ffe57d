package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/danmuck/relayctl/internal/gateway"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/payload"
	"github.com/danmuck/relayctl/internal/run"
	"github.com/danmuck/relayctl/internal/session"
	"github.com/danmuck/relayctl/internal/stats"
)

var errUsage = errors.New("usage")

const usageText = `relayctl drives a message gateway session from the command line.

Usage:
  relayctl test        run a bounded sequence of sends and report statistics
  relayctl decode      decode encoded bytes (base64 argument), no session needed
  relayctl transcript  fetch the transcript for a message identifier

Common flags (every command):
  --gateway URL    gateway base url
  --api-key KEY    credential sent as X-API-Key
  --config PATH    TOML config file supplying defaults

Run "relayctl <command> --help" for command flags.
`

func execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return errUsage
	}

	switch args[0] {
	case "test":
		return runTest(ctx, args[1:])
	case "decode":
		return runDecode(ctx, args[1:])
	case "transcript":
		return runTranscript(ctx, args[1:])
	case "help", "--help", "-h":
		fmt.Fprint(os.Stderr, usageText)
		return nil
	default:
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func commonFlags(fs *flag.FlagSet, cfg *cliConfig, configPath *string) {
	fs.StringVar(&cfg.Gateway, "gateway", cfg.Gateway, "Gateway base URL")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key credential")
	fs.StringVar(configPath, "config", "", "TOML config file")
}

// parseWithConfig parses flags twice around the config file so the file
// supplies defaults and explicit flags win.
func parseWithConfig(fs *flag.FlagSet, cfg *cliConfig, configPath *string, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*configPath) == "" {
		return nil
	}
	if err := applyFileConfig(*configPath, cfg); err != nil {
		return err
	}
	return fs.Parse(args)
}

func runTest(ctx context.Context, args []string) error {
	cfg := defaultCLIConfig()
	var configPath string

	fs := flag.NewFlagSet("relayctl test", flag.ContinueOnError)
	commonFlags(fs, &cfg, &configPath)
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport kind: socket-streaming | datagram | acoustic")
	fs.StringVar(&cfg.Target, "target", cfg.Target, "Transport-specific target address")
	fs.StringVar(&cfg.Payload, "payload", cfg.Payload, "JSON payload to send")
	fs.IntVarP(&cfg.Count, "count", "n", cfg.Count, "Number of send attempts")
	fs.DurationVarP(&cfg.Delay, "delay", "d", cfg.Delay, "Pause between sends")
	fs.StringVar(&cfg.PushPolicy, "push", cfg.PushPolicy, "Push channel policy: required | auto | disabled")
	fs.BoolVar(&cfg.RequireTranscript, "require-transcript", cfg.RequireTranscript, "Ask the gateway to keep a transcript per send")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout (0 = transport default)")
	if err := parseWithConfig(fs, &cfg, &configPath, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	transport, err := gateway.ParseTransportKind(cfg.Transport)
	if err != nil {
		return err
	}
	body, err := payload.Parse(cfg.Payload)
	if err != nil {
		return err
	}

	client, err := gateway.NewClient(gateway.Config{
		BaseURL: cfg.Gateway,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return err
	}

	logger := observability.InitLogger("relayctl")
	recorder := stats.NewRecorder()
	ctrl, err := session.NewController(client, recorder, session.Config{
		Transport:         transport,
		Target:            cfg.Target,
		PushPolicy:        session.PushPolicy(cfg.PushPolicy),
		RequireTranscript: cfg.RequireTranscript,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = ctrl.Close() }()

	o, err := run.New(ctrl, recorder, run.Config{
		Count:   cfg.Count,
		Delay:   cfg.Delay,
		Payload: body,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	report, err := o.Run(ctx)
	if err != nil {
		return err
	}
	renderReport(report)
	return nil
}

func renderReport(report run.Report) {
	fmt.Printf("session     %s (%s -> %s)\n", report.Session.ID, report.Session.Transport, report.Session.Target)
	fmt.Printf("sent        %d\n", report.Stats.Sent)
	fmt.Printf("succeeded   %d\n", report.Stats.Successes())
	fmt.Printf("errors      %d\n", report.Stats.Errors)
	fmt.Printf("received    %d\n", report.Stats.Received)
	fmt.Printf("bytes       %d\n", report.Stats.TotalBytes)
	fmt.Printf("avg latency %s\n", report.Stats.AvgLatency().Round(time.Microsecond))
	fmt.Printf("duration    %s\n", report.Duration.Round(time.Millisecond))
}

func runDecode(ctx context.Context, args []string) error {
	cfg := defaultCLIConfig()
	var configPath string

	fs := flag.NewFlagSet("relayctl decode", flag.ContinueOnError)
	commonFlags(fs, &cfg, &configPath)
	if err := parseWithConfig(fs, &cfg, &configPath, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("decode: exactly one base64 argument required")
	}
	encoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(fs.Arg(0)))
	if err != nil {
		return fmt.Errorf("decode: invalid base64 argument: %w", err)
	}

	client, err := gateway.NewClient(gateway.Config{BaseURL: cfg.Gateway, APIKey: cfg.APIKey, Timeout: cfg.Timeout})
	if err != nil {
		return err
	}
	out, err := client.Decode(ctx, encoded)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runTranscript(ctx context.Context, args []string) error {
	cfg := defaultCLIConfig()
	var configPath string

	fs := flag.NewFlagSet("relayctl transcript", flag.ContinueOnError)
	commonFlags(fs, &cfg, &configPath)
	if err := parseWithConfig(fs, &cfg, &configPath, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("transcript: exactly one message id argument required")
	}

	client, err := gateway.NewClient(gateway.Config{BaseURL: cfg.Gateway, APIKey: cfg.APIKey, Timeout: cfg.Timeout})
	if err != nil {
		return err
	}
	out, err := client.Transcript(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(raw json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		// not an object/array we can pretty print, emit as-is
		fmt.Println(string(raw))
		return nil
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
