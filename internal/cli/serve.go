package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/careline/internal/daemon"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Careline gateway in the foreground",
	Long: `Run the Careline daemon in the foreground. It indexes plan documents,
expires idle sessions and serves turn.process, session.get and session.close
over JSON-RPC (HTTP /rpc and WebSocket /ws) until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway port (overrides the config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadRuntime(true)
	if err != nil {
		return err
	}
	defer log.Close()

	if servePort > 0 {
		cfg.Gateway.Port = servePort
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Careline listening on %s\n", d.Gateway().Addr())
	d.Wait()
	return nil
}
