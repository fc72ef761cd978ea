package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/events"
	"github.com/zulandar/teamyard/internal/orchestration"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		prompt     string
		verbose    bool
		chat       bool
	)

	cmd := &cobra.Command{
		Use:   "run <team.yaml>",
		Short: "Run one team session in the foreground",
		Long: `Loads a team file, starts a session and prints its events until the
session stops. With --chat, each line read from stdin is sent to the top
leader (or to an agent named with "@agent message").`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTeam(cmd, configPath, args[0], prompt, verbose, chat)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to teamyard config file")
	cmd.Flags().StringVar(&prompt, "prompt", "", "opening message for the top leader (overrides the team file)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show turns and tool calls")
	cmd.Flags().BoolVar(&chat, "chat", false, "read user messages from stdin")
	return cmd
}

func runTeam(cmd *cobra.Command, configPath, teamPath, prompt string, verbose, chat bool) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	team, err := config.LoadTeam(teamPath)
	if err != nil {
		return err
	}
	if prompt != "" {
		team.Prompt = prompt
	}
	if team.Prompt == "" && !chat {
		return fmt.Errorf("team has no prompt; pass --prompt or --chat")
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	s, ch, unsubscribe, err := a.manager.CreateSubscribed(context.Background(), *team)
	if err != nil {
		return err
	}
	defer unsubscribe()

	fmt.Fprintf(out, "Session %s started (top leader %s, %d agents)\n", s.ID(), s.Graph().Top(), len(s.Graph().Names()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(out, "\nStopping session...")
			s.Stop(orchestration.ReasonStopped)
		case <-s.Done():
		}
	}()

	if chat {
		go readChat(cmd.InOrStdin(), s, cmd.ErrOrStderr())
	}

	printer := newEventPrinter(out, s.Graph(), verbose)
	for ev := range ch {
		printer.Print(ev)
		if ev.Kind == events.SessionStopped {
			break
		}
	}
	<-s.Done()
	fmt.Fprintf(out, "Session %s stopped: %s\n", s.ID(), s.StopReason())
	return nil
}

// readChat forwards stdin lines into the session until EOF or the session
// stops.
func readChat(in io.Reader, s *orchestration.Session, errOut io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		to, body := parseChatLine(scanner.Text())
		if body == "" {
			continue
		}
		if _, err := s.Inject(context.Background(), to, body); err != nil {
			fmt.Fprintf(errOut, "chat: %v\n", err)
			if s.Status() == orchestration.StatusStopped {
				return
			}
		}
	}
}

// parseChatLine splits "@agent message" into its target and body. Lines
// without a leading @ go to the top leader.
func parseChatLine(line string) (to, body string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "@") {
		return "", line
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	return name, strings.TrimSpace(rest)
}
