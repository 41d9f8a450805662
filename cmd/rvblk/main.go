package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"rvcore/config"
	"rvcore/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to a yaml config file. Defaults apply without one")
	scenario := flag.String("scenario", "all", "What to run on the booted machine: "+strings.Join(scenarioNames(), ", "))
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	l := logrus.New()
	l.Out = os.Stderr

	var c *config.Config
	var err error
	if *configPath == "" {
		d := config.Default()
		c = &d
	} else {
		c, err = config.Load(*configPath)
		if err != nil {
			fmt.Printf("failed to load config: %s\n", err)
			os.Exit(1)
		}
	}

	if err := config.ConfigureLogger(l, c.Logging); err != nil {
		fmt.Printf("failed to configure the logger: %s\n", err)
		os.Exit(1)
	}

	if _, ok := scenarios[*scenario]; !ok {
		fmt.Printf("unknown scenario %q; possible scenarios: %s\n", *scenario, strings.Join(scenarioNames(), ", "))
		os.Exit(1)
	}

	if *configTest {
		fmt.Printf("%+v\n", *c)
		os.Exit(0)
	}

	reg := metrics.NewRegistry()
	if err := startStats(l, c.Stats, reg, Build); err != nil {
		l.WithError(err).Error("Failed to start stats")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c, *scenario, os.Stdout, l, reg); err != nil {
		util.LogWithContextIfNeeded("Run failed", err, l)
		os.Exit(1)
	}
	os.Exit(0)
}
