// Command xsd is the store daemon: it owns one Store, one Supervisor, and
// one transport listener, started together and torn down together the
// way the teacher's ais/daemon.go drives its rungroup of cos.Runners.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/xshost/xs/cmn"
	"github.com/xshost/xs/cmn/cos"
	"github.com/xshost/xs/eval"
	"github.com/xshost/xs/stats"
	"github.com/xshost/xs/store"
	"github.com/xshost/xs/transport"
	"github.com/xshost/xs/xreg"
)

var cli struct {
	configPath string
	storeDir   string
	socketPath string
}

func init() {
	flag.StringVar(&cli.configPath, "config", "", "path to a config file (cmn/jsp-encoded); if empty, defaults are used")
	flag.StringVar(&cli.storeDir, "store_dir", "", "overrides config.store_dir")
	flag.StringVar(&cli.socketPath, "socket", "", "overrides config.socket_path")
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()
	defer glog.Flush()

	config, err := loadConfig()
	if err != nil {
		glog.Errorf("xsd: config: %v", err)
		return 1
	}

	st, err := store.Open(config.StoreDir)
	if err != nil {
		glog.Errorf("xsd: open store %s: %v", config.StoreDir, err)
		return 1
	}
	defer st.Close()

	metrics := stats.New(prometheus.DefaultRegisterer)

	evalr := eval.NewRegistry() // reference in-process Evaluator; a real scripting frontend plugs in behind the same interface
	sv := xreg.New(st, evalr, config.Supervisor.RestartDelay.D())
	srv := transport.New(config.SocketPath, st, metrics, config.Transport)

	rg := newRunGroup()
	rg.add(sv)
	rg.add(srv)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		glog.Infof("xsd: received signal %v, shutting down", sig)
		rg.stopAll(cos.NewSignalError(int(sig.(syscall.Signal))))
	}()

	if rgErr := rg.run(); rgErr != nil {
		if e, ok := rgErr.(*cos.ErrSignal); ok {
			glog.Infof("xsd: terminated via signal, exit code %d", e.ExitCode())
			return e.ExitCode()
		}
		glog.Errorf("xsd: terminated with error: %v", rgErr)
		return 1
	}
	glog.Infoln("xsd: terminated OK")
	return 0
}

func loadConfig() (*cmn.Config, error) {
	var config *cmn.Config
	var err error
	if cli.configPath != "" {
		config, err = cmn.LoadConfig(cli.configPath)
		if err != nil {
			return nil, err
		}
	} else {
		dir := cli.storeDir
		if dir == "" {
			dir = defaultStoreDir()
		}
		config = cmn.DefaultConfig(dir, defaultSocketPath(dir))
		cmn.GCO.Put(config)
	}
	if cli.storeDir != "" {
		config.StoreDir = cli.storeDir
	}
	if cli.socketPath != "" {
		config.SocketPath = cli.socketPath
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func defaultStoreDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/xs"
	}
	return dir + "/.xs"
}

func defaultSocketPath(storeDir string) string {
	return fmt.Sprintf("%s/xs.sock", storeDir)
}

// runGroup is the same shape as the teacher's ais/daemon.go rungroup:
// every cos.Runner is started on its own goroutine, and the first one to
// exit (cleanly or with an error) triggers a stop of all the others.
type runGroup struct {
	rs      []cos.Runner
	errCh   chan error
	stopped atomic.Bool
}

func newRunGroup() *runGroup { return &runGroup{} }

func (g *runGroup) add(r cos.Runner) { g.rs = append(g.rs, r) }

func (g *runGroup) run() error {
	g.errCh = make(chan error, len(g.rs))
	for _, r := range g.rs {
		go func(r cos.Runner) {
			err := r.Run()
			if err != nil {
				glog.Warningf("xsd: runner %q exited with err: %v", r.Name(), err)
			}
			g.errCh <- err
		}(r)
	}
	first := <-g.errCh
	g.stopAll(first)
	for i := 0; i < len(g.rs)-1; i++ {
		<-g.errCh
	}
	return first
}

func (g *runGroup) stopAll(err error) {
	if !g.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, r := range g.rs {
		r.Stop(err)
	}
}
