package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	guessDefaults                 = guessDefaultsImpl
	parseConfig                   = func() (config.Node, error) { return config.Parse("") }
	writeConfig                   = func(cfg config.Node) error { return config.Write("", cfg) }
	getWorkingDirectory           = os.Getwd
)

// cliOptions holds the values set by flags. Empty values weren't set.
type cliOptions struct {
	name          string
	syncRoot      string
	rendezvous    string
	advertiseHost string
	dataPort      *int
}

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts cliOptions
	var dataPort int
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the peersync configuration",
		Run: func(cmd *cobra.Command, _ []string) {
			if cmd.Flags().Changed("data-port") {
				cliOpts.dataPort = &dataPort
			}

			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.name, "name", "",
		"Set the peer name in the config. If it's not set, a name is generated "+
			"each time the peer starts.")
	cmd.Flags().StringVar(&cliOpts.syncRoot, "root", "",
		"Set the directory to sync. "+
			"Optional: If not set, `peersync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.rendezvous, "rendezvous", "",
		"Set the host:port of the rendezvous service. "+
			"Optional: If not set, `peersync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.advertiseHost, "advertise-host", "",
		"Set the address that other peers should use to reach this peer.")
	cmd.Flags().IntVar(&dataPort, "data-port", 0,
		"Set the port to listen for other peers on. 0 picks a free port.")

	// Setup the commands for querying the contents of the config.
	type getterSpec struct {
		use, short string
		fn         func(config.Node) string
	}

	getters := []getterSpec{
		{
			use:   "get-root",
			short: "Get the currently configured sync directory",
			fn:    func(cfg config.Node) string { return cfg.SyncRoot },
		},
		{
			use:   "get-rendezvous",
			short: "Get the currently configured rendezvous address",
			fn:    func(cfg config.Node) string { return cfg.RendezvousAddress() },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig prompts for any settings not given in `cliOpts`, and writes
// the result to the default config path.
func SetupConfig(cliOpts cliOptions) error {
	cfg, err := generateConfig(cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := writeConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := config.GetConfigPath()
	if err != nil {
		return errors.WithContext(err, "get config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func rendezvousValidationFn(address string) (string, bool) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return "The rendezvous address must be of the form host:port, " +
			"such as 192.168.1.10:13000.", false
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "The rendezvous port must be a number between 1 and 65535.", false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is.
// It makes best guesses at reasonable defaults, and allows users to explicitly
// override them if desired.
func generateConfig(cliOpts cliOptions) (config.Node, error) {
	defaults := guessDefaults()
	currConfig, err := parseConfig()
	if err != nil {
		currConfig = config.Default()
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := currConfig
	if cliOpts.name != "" {
		cfg.Name = cliOpts.name
	}
	if cliOpts.advertiseHost != "" {
		cfg.AdvertiseHost = cliOpts.advertiseHost
	}
	if cliOpts.dataPort != nil {
		cfg.DataPort = *cliOpts.dataPort
	}

	rendezvous := cliOpts.rendezvous
	syncRoot := cliOpts.syncRoot

	var prompts []prompt
	if rendezvous == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the address of the rendezvous service.\n" +
				"Every peer that syncs the same folder must use the same service.",
			prompt:        "Rendezvous address",
			defaultAnswer: defaults.RendezvousAddress(),
			currAnswer:    currConfig.RendezvousAddress(),
			field:         &rendezvous,
			validationFn:  rendezvousValidationFn,
		})
	}

	if syncRoot == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the path to the directory to sync.\n" +
				"It's created if it doesn't exist.",
			prompt:        "Sync directory",
			defaultAnswer: defaults.SyncRoot,
			currAnswer:    currConfig.SyncRoot,
			field:         &syncRoot,
		})
	}

	for _, prompt := range prompts {
		var resp string
		for {
			resp, err = promptUser(prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.Node{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	if err := cfg.SetRendezvousAddress(rendezvous); err != nil {
		return config.Node{}, err
	}

	cfg.SyncRoot, err = filepath.Abs(syncRoot)
	if err != nil {
		return config.Node{}, errors.WithContext(err, "resolve sync directory")
	}
	return cfg, nil
}

// guessDefaults tries to guess reasonable defaults for the fields in the
// config.
func guessDefaultsImpl() config.Node {
	cfg := config.Default()
	if dir, err := getWorkingDirectory(); err == nil {
		cfg.SyncRoot = filepath.Join(dir, "synced_files")
	} else {
		log.WithError(err).Info("Failed to guess sync directory")
	}
	return cfg
}

func promptUser(helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	stdinReader := bufio.NewReader(stdin)

	if nOptions := len(options); nOptions > 1 {
		// defaultAnswer or currAnswer exists.
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimRight(choiceStr, "\n")

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					// Try again if the input is invalid.
					continue
				}
			}

			if choice == nOptions {
				// Enter manually.
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(resp, "\n"), nil
}
