package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/Meander-Cloud/go-tsconn/config"
	"github.com/Meander-Cloud/go-tsconn/transerver"
)

// noopPriorSender is a minimal PriorSender for standalone runs where no
// external log fan-out system is wired in: every sink registered immediately
// starts from NullLsa and is never actually fed any payload.
type noopPriorSender struct{}

func (noopPriorSender) AddSink(_ func(payload []byte)) (unsentLsa int64) {
	return -1
}

func (noopPriorSender) RemoveSink(_ func(payload []byte)) {}

// loadParamSource reads a TOML file into a flat param map keyed by the
// names config.Load expects (PAGE_SERVER_HOSTS, REMOTE_STORAGE, etc).
func loadParamSource(path string) (config.ParamSource, error) {
	params := make(config.MapParamSource)
	if path == "" {
		return params, nil
	}
	if _, err := toml.DecodeFile(path, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func run(configPath string, dbName string, active bool, logPrefix string, logDebug bool) {
	ps, err := loadParamSource(configPath)
	if err != nil {
		log.Fatalf("%s: failed to load config %q: %s", logPrefix, configPath, err.Error())
	}

	c := config.Load(ps, logPrefix, logDebug)
	if err := c.Validate(); err != nil {
		log.Fatalf("%s: invalid config: %s", logPrefix, err.Error())
	}

	options := &transerver.Options{
		Config:    c,
		ConnType:  1,
		LogPrefix: logPrefix,
	}

	var shutdown func()
	if active {
		ats := transerver.NewActiveTranServer(options, noopPriorSender{})
		if err := ats.Boot(dbName); err != nil {
			log.Fatalf("%s: boot failed: %s", logPrefix, err.Error())
		}
		shutdown = ats.Shutdown
	} else {
		ts := transerver.NewTranServer(options)
		if err := ts.Boot(dbName); err != nil {
			log.Fatalf("%s: boot failed: %s", logPrefix, err.Error())
		}
		shutdown = ts.Shutdown
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch // wait
	log.Printf("%s: received signal %s, exiting", logPrefix, sig.String())

	shutdown()
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		dbName     string
		active     bool
		logDebug   bool
	)

	cmd := &cobra.Command{
		Use:   "tsconnd",
		Short: "boots a transaction-server connection layer against a page server pool",
		Run: func(_ *cobra.Command, _ []string) {
			run(configPath, dbName, active, "tsconnd", logDebug)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "TOML config file path")
	cmd.Flags().StringVar(&dbName, "db-name", "", "database name this server boots against")
	cmd.Flags().BoolVar(&active, "active", false, "boot an ActiveTranServer (consensus LSA, catchup handshake) instead of a passive TranServer")
	cmd.Flags().BoolVar(&logDebug, "log-debug", false, "enable debug logging")

	return cmd
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}
