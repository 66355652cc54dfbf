package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bebsworthy/toolbridge/internal/client"
)

var (
	// Call command flags
	callArgs string
	callWS   bool

	// Logs command flags
	logLines   int
	logPattern string
	logSince   time.Duration
)

// callCmd represents the call command
var callCmd = &cobra.Command{
	Use:   "call <tool> [--args JSON] [--ws]",
	Short: "Call a tool through a running bridge",
	Long: `Call a tool through a running bridge and print its result.

A session is created for the call. By default the call is made over HTTP; with --ws
it is made over the session's WebSocket push channel instead, and any notifications
the tool server emits while the call runs are printed too.`,
	Example: `  # Call a tool with arguments
  toolbridge call echo --args '{"msg":"hi"}'

  # Call over the push channel of a remote bridge
  toolbridge call search --args '{"q":"go"}' --ws --url http://bridge:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

// toolsCmd represents the tools command
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools of a running bridge",
	RunE:  runTools,
}

// reconnectCmd represents the reconnect command
var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Ask a running bridge to restart its tool server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		message, err := c.Reconnect(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), message)
		return nil
	},
}

// logsCmd represents the logs command
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent stderr output of a bridge's tool server",
	Example: `  # Last 50 lines
  toolbridge logs --lines 50

  # Errors from the last five minutes
  toolbridge logs --pattern '(?i)error' --since 5m`,
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(callCmd, toolsCmd, reconnectCmd, logsCmd)

	callCmd.Flags().StringVar(&callArgs, "args", "{}", "tool arguments as a JSON object")
	callCmd.Flags().BoolVar(&callWS, "ws", false, "call over the WebSocket push channel")

	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 100, "number of lines to show (0 for all)")
	logsCmd.Flags().StringVar(&logPattern, "pattern", "", "only show lines matching this regex")
	logsCmd.Flags().DurationVar(&logSince, "since", 0, "only show lines newer than this")
}

func newClient() (*client.Client, error) {
	c, err := client.New(resolveBridgeURL(), client.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return c, nil
}

func runCall(cmd *cobra.Command, args []string) error {
	name := args[0]
	arguments := json.RawMessage(callArgs)
	if !json.Valid(arguments) {
		return fmt.Errorf("--args is not valid JSON: %s", callArgs)
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var result json.RawMessage
	if callWS {
		push, err := c.OpenPushChannel(ctx)
		if err != nil {
			return err
		}
		defer push.Close()

		result, err = push.CallTool(ctx, name, arguments)
		for drained := false; !drained; {
			select {
			case env := <-push.Notifications():
				fmt.Fprintf(cmd.ErrOrStderr(), "notification %s: %s\n", env.Method, env.Params)
			default:
				drained = true
			}
		}
		if err != nil {
			return err
		}
	} else {
		result, err = c.CallTool(ctx, name, arguments)
		if err != nil {
			return err
		}
	}

	return printJSON(out, result)
}

func runTools(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	tools, err := c.ListTools(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
	}
	return w.Flush()
}

func runLogs(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	q := client.LogQuery{Lines: logLines, Pattern: logPattern}
	if logSince > 0 {
		q.Since = time.Now().Add(-logSince)
	}
	logs, err := c.Logs(cmd.Context(), q)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, line := range logs.Lines {
		fmt.Fprintf(out, "%s [%d] %s\n", line.Timestamp.Format(time.RFC3339), line.Pid, line.Text)
	}
	if verbose {
		fmt.Fprintln(cmd.ErrOrStderr(), logs.Stats)
	}
	return nil
}

func printJSON(out interface{ Write([]byte) (int, error) }, data json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = out.Write(append(data, '\n'))
		return err
	}
	buf.WriteByte('\n')
	_, err := out.Write(buf.Bytes())
	return err
}
