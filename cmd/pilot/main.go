// Package main provides the pilot command: it opens a browser session on a
// page, identifies the application, watches the DOM and asks the planner
// for the next steps toward a goal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/entrhq/pilot/pkg/browser"
	"github.com/entrhq/pilot/pkg/config"
	"github.com/entrhq/pilot/pkg/planner"
	"github.com/entrhq/pilot/pkg/runtime"
	"github.com/entrhq/pilot/pkg/scheduler"
)

const (
	version     = "0.1.0"
	sessionName = "main"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigFile    string
	URL           string
	Goal          string
	Watch         selectorList
	MaxConcurrent int
	Headless      bool
	APIKey        string
	BaseURL       string
	Model         string
	ShowVersion   bool

	// set records which flags were given explicitly
	set map[string]bool
}

// selectorList is a repeatable, comma-separated flag value.
type selectorList []string

func (s *selectorList) String() string {
	return strings.Join(*s, ",")
}

func (s *selectorList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func main() {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("Pilot v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cli); err != nil {
		cancel()
		log.Printf("Execution failed: %v", err)
		os.Exit(1)
	}
	cancel()
}

// parseFlags parses command line flags
func parseFlags() *CLIConfig {
	cli := &CLIConfig{}

	flag.StringVar(&cli.ConfigFile, "config", "", "Path to configuration file (default ~/.pilot/config.yaml)")
	flag.StringVar(&cli.URL, "url", "", "Page to open (required)")
	flag.StringVar(&cli.Goal, "goal", "", "Goal to plan steps for")
	flag.Var(&cli.Watch, "watch", "CSS selectors to watch for mutations and clicks (comma-separated, repeatable)")
	flag.IntVar(&cli.MaxConcurrent, "max-concurrent", 0, "Maximum concurrent outbound operations (1-100)")
	flag.BoolVar(&cli.Headless, "headless", true, "Run the browser without a window")
	flag.StringVar(&cli.APIKey, "api-key", "", "OpenAI API key")
	flag.StringVar(&cli.BaseURL, "base-url", "", "OpenAI API base URL")
	flag.StringVar(&cli.Model, "model", "", "Planner model")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Pilot - Browser automation coordinator\n\n")
		fmt.Fprintf(os.Stderr, "Usage: pilot [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Watch notebook cells for changes\n")
		fmt.Fprintf(os.Stderr, "  pilot -url http://localhost:8888/lab -watch .jp-Cell\n\n")
		fmt.Fprintf(os.Stderr, "  # Plan steps toward a goal\n")
		fmt.Fprintf(os.Stderr, "  pilot -url http://localhost:8888/lab -goal \"run the first cell\"\n\n")
	}

	flag.Parse()

	cli.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { cli.set[f.Name] = true })
	return cli
}

// loadConfig reads the configuration file and applies explicit flags over it.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	path := cli.ConfigFile
	if path == "" {
		defaultPath, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cli.set["max-concurrent"] {
		cfg.Scheduler.MaxConcurrent = cli.MaxConcurrent
	}
	if cli.set["headless"] {
		cfg.Browser.Headless = cli.Headless
	}
	if cli.APIKey != "" {
		cfg.Planner.APIKey = cli.APIKey
	}
	if cli.BaseURL != "" {
		cfg.Planner.BaseURL = cli.BaseURL
	}
	if cli.Model != "" {
		cfg.Planner.Model = cli.Model
	}
	cfg.Browser.Enabled = true
	return cfg, nil
}

// run opens the page and drives the session until ctx is cancelled.
//
//nolint:gocyclo
func run(ctx context.Context, cli *CLIConfig) error {
	if cli.URL == "" {
		flag.Usage()
		return fmt.Errorf("-url is required")
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rt, err := runtime.Initialize(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer func() {
		printStats(rt)
		if shutdownErr := runtime.Shutdown(); shutdownErr != nil {
			log.Printf("Shutdown: %v", shutdownErr)
		}
	}()

	fmt.Printf("Starting browser (headless=%v)...\n", cfg.Browser.Headless)
	session, err := rt.OpenSession(sessionName)
	if err != nil {
		return fmt.Errorf("failed to open browser session: %w", err)
	}
	go rt.Browser.RunIdleCleanup(ctx, time.Minute)

	_, err = scheduler.Do(ctx, rt.Scheduler, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, session.Navigate(cli.URL, browser.NavigateOptions{WaitUntil: "domcontentloaded"})
	})
	if err != nil {
		return err
	}
	fmt.Printf("Opened %s\n", session.CurrentURL())

	fp, err := rt.Fingerprint(ctx, session)
	if err != nil {
		return fmt.Errorf("failed to fingerprint page: %w", err)
	}
	fmt.Printf("Application: %q (%s, %d elements)\n", fp.Title, shortDigest(fp.Digest), fp.Elements)

	var watch *runtime.Watch
	if len(cli.Watch) > 0 {
		watch, err = startWatch(ctx, rt, session, cli.Watch, cfg.Logging.Verbosity != "quiet")
		if err != nil {
			return err
		}
		defer closeWatch(watch)
	}

	if cli.Goal != "" {
		if err := plan(ctx, rt, session, fp, cli.Goal); err != nil {
			return err
		}
	}

	if watch == nil {
		return nil
	}
	fmt.Println("\nStreaming events, press Ctrl+C to stop...")
	select {
	case <-ctx.Done():
	case <-watch.Done():
	}
	return nil
}

func startWatch(ctx context.Context, rt *runtime.Runtime, session *browser.Session, selectors []string, verbose bool) (*runtime.Watch, error) {
	src, err := rt.SessionEvents(session)
	if err != nil {
		return nil, fmt.Errorf("failed to watch page: %w", err)
	}
	return watchPage(ctx, rt, src, selectors, verbose)
}

// watchPage subscribes to mutations under selectors and to interactions on
// each of them. On failure nothing stays attached.
func watchPage(ctx context.Context, rt *runtime.Runtime, src runtime.EventSource, selectors []string, verbose bool) (*runtime.Watch, error) {
	watch, err := rt.Watch(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to watch page: %w", err)
	}

	_, err = watch.Mutations.Subscribe(ctx, browser.MutationSpec{
		Selectors:     selectors,
		Subtree:       true,
		Attributes:    true,
		CharacterData: true,
	}, func(p browser.MutationPayload) {
		if verbose {
			fmt.Printf("[mutation] %s: %d records (+%d -%d)\n", p.Selector, p.Records, p.Added, p.Removed)
		}
	})
	if err != nil {
		closeWatch(watch)
		return nil, fmt.Errorf("failed to subscribe to mutations: %w", err)
	}

	for _, selector := range selectors {
		_, err = watch.Interactions.Subscribe(ctx, browser.InteractionSpec{
			Selector: selector,
			Events:   []string{"click", "input"},
		}, func(p browser.InteractionPayload) {
			if !verbose {
				return
			}
			if p.Value != "" {
				fmt.Printf("[%s] %s = %q\n", p.Event, p.Target, p.Value)
				return
			}
			fmt.Printf("[%s] %s\n", p.Event, p.Target)
		})
		if err != nil {
			closeWatch(watch)
			return nil, fmt.Errorf("failed to subscribe to %s: %w", selector, err)
		}
	}

	fmt.Printf("Watching %s\n", strings.Join(selectors, ", "))
	return watch, nil
}

// closeWatch detaches every listener of watch and stops its routing.
func closeWatch(watch *runtime.Watch) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := watch.Close(closeCtx); err != nil {
		log.Printf("Closing watch: %v", err)
	}
}

func plan(ctx context.Context, rt *runtime.Runtime, session *browser.Session, fp *browser.Fingerprint, goal string) error {
	if rt.Planner == nil {
		return fmt.Errorf("planning requires an API key (-api-key, OPENAI_API_KEY or planner.api_key)")
	}

	snapshot, err := session.Snapshot(0)
	if err != nil {
		return fmt.Errorf("failed to snapshot page: %w", err)
	}

	fmt.Printf("\nPlanning: %s\n", goal)
	p, err := rt.Planner.Plan(ctx, planner.Request{
		Goal:        goal,
		URL:         session.CurrentURL(),
		Fingerprint: fp.Digest,
		Snapshot:    snapshot.HTML,
	})
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}

	for i, step := range p.Steps {
		line := fmt.Sprintf("  %d. %s", i+1, step.Action)
		if step.Selector != "" {
			line += " " + step.Selector
		}
		if step.Value != "" {
			line += fmt.Sprintf(" %q", step.Value)
		}
		if step.Reason != "" {
			line += "  # " + step.Reason
		}
		fmt.Println(line)
	}
	return nil
}

func printStats(rt *runtime.Runtime) {
	s := rt.Scheduler.Stats()
	c := rt.Cache.Stats()
	fmt.Printf("\nScheduler: active=%d queued=%d max=%d\n", s.Active, s.Queued, s.MaxConcurrent)
	fmt.Printf("Cache: hits=%d misses=%d invocations=%d\n", c.Hits, c.Misses, c.Invocations)
}

func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
