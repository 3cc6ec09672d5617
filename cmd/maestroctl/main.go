package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// Color helpers shared by the event renderer and command output.
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY reports whether both ends of the terminal are interactive. Piped
// output drops color and the human-input prompt.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
}

// NewRootCommand builds the maestroctl command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "maestroctl",
		Short: "Command-line client for the maestro orchestrator",
		Long: fmt.Sprintf(`%s

maestroctl talks to a running maestro-server over its public JSON-RPC,
SSE, and websocket surface.

%s
  maestroctl run "get the GenePoint account and open a ticket"
  maestroctl run "follow up on that ticket" --thread thread-2aXk...
  maestroctl watch --thread thread-2aXk...
  maestroctl interrupt --thread thread-2aXk... --reason "wrong account"
  maestroctl resume --thread thread-2aXk... --input "use the EU tenant"
  maestroctl card`,
			bold("maestroctl"), bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !isTTY() {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8000", "Base URL of the orchestrator")
	rootCmd.PersistentFlags().String("user", "", "User identity sent with requests (default $USER)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show memory graph events in transcripts")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.SetEnvPrefix("MAESTRO")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newInterruptCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newCardCommand())

	return rootCmd
}

// serverURL resolves the orchestrator base URL from flag or MAESTRO_SERVER.
func serverURL() string {
	return viper.GetString("server")
}

// userID resolves the identity attached to task requests.
func userID() string {
	if u := viper.GetString("user"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
