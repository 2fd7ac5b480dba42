package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/flowpath/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and a flow file",
	Long: `Validate the configuration file and, optionally, a flow file without
starting the datapath. Flow actions are checked with the same rules as
actions arriving from the control plane.

Examples:
  flowpath validate -c config.yml
  flowpath validate -c config.yml --flows flows.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(os.Stdout, configFile, validateFlowsFile); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

var validateFlowsFile string

func init() {
	validateCmd.Flags().StringVar(&validateFlowsFile, "flows", "", "flow file to validate")
}

func runValidate(w io.Writer, cfgPath, flowsPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if flowsPath == "" {
		fmt.Fprintf(w, "VALID: datapath %q, %d worker(s), table %d..%d buckets\n",
			cfg.Datapath.Name, cfg.Datapath.Workers,
			cfg.Datapath.Table.InitialBuckets, cfg.Datapath.Table.MaxBuckets)
		return nil
	}

	ff, err := config.LoadFlows(flowsPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "VALID: datapath %q, %d flow(s), %d declared port(s), %d output port(s)\n",
		cfg.Datapath.Name, len(ff.Flows), len(ff.Ports), len(ff.OutputPorts()))
	return nil
}
