package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/MegaGrindStone/vulnchat/internal/chat"
	"github.com/MegaGrindStone/vulnchat/internal/models"
	"github.com/MegaGrindStone/vulnchat/internal/pacing"
	"github.com/MegaGrindStone/vulnchat/internal/services"
	"github.com/MegaGrindStone/vulnchat/internal/session"
	"github.com/MegaGrindStone/vulnchat/internal/stream"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type askRequest struct {
	text            string
	vulnerability   *models.Vulnerability
	newConversation bool
}

var placeholders = []string{stream.PendingText, chat.ThinkingText, chat.AnalyzingText}

func newAskCmd(opts *options) *cobra.Command {
	var (
		vulnFile        string
		vulnID          string
		newConversation bool
	)

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Ask the assistant and stream its answer",
		Long: `Send a message, or a vulnerability to analyze, and print the answer as it streams in.

The conversation continues across runs until --new is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := askRequest{
				text:            strings.Join(args, " "),
				newConversation: newConversation,
			}

			switch {
			case vulnFile != "" && vulnID != "":
				return errors.New("--vuln and --vuln-id are mutually exclusive")
			case vulnFile != "":
				vuln, err := readVulnerability(vulnFile)
				if err != nil {
					return err
				}
				req.vulnerability = &vuln
			case vulnID != "":
				vuln, err := lookupVulnerability(cmd.Context(), opts, vulnID)
				if err != nil {
					return err
				}
				req.vulnerability = &vuln
			case strings.TrimSpace(req.text) == "":
				return errors.New("a message, --vuln or --vuln-id is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return runAsk(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr(), req)
		},
	}

	cmd.Flags().StringVar(&vulnFile, "vuln", "", "YAML file describing a vulnerability to analyze")
	cmd.Flags().StringVar(&vulnID, "vuln-id", "", "ID of a catalogued vulnerability to analyze")
	cmd.Flags().BoolVar(&newConversation, "new", false, "Start a new conversation")
	cmd.Flags().BoolVar(&opts.noTypewriter, "no-typewriter", false, "Print answers as they arrive")

	return cmd
}

func runAsk(ctx context.Context, opts *options, out, errOut io.Writer, req askRequest) error {
	db, err := opts.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	store := session.NewStore()
	if !req.newConversation {
		ids, err := db.Conversation(ctx)
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		if ids.ConversationID != "" {
			store.Set(ids.ConversationID, ids.ParticipantID)
		}
	}

	logger := opts.logger(errOut)

	p := newPrinter(out, placeholders)
	var observer chat.Observer = p
	var typewriter *pacing.Typewriter
	if !opts.noTypewriter {
		typewriter = pacing.NewTypewriter(p, pacing.Config{Placeholders: placeholders}, logger)
		observer = typewriter
	}

	transport := services.NewChatStream(opts.apiBase, opts.streamPath, nil, logger)
	sess := chat.NewSession(transport, store, observer, chat.DefaultConfig(), logger)

	var sendErr error
	if req.vulnerability != nil {
		_, sendErr = sess.SendVulnerabilityData(ctx, req.vulnerability)
	} else {
		_, sendErr = sess.Send(ctx, req.text, chat.SendOptions{NewConversation: req.newConversation})
	}

	if typewriter != nil {
		// An interrupt skips the rest of the reveal.
		_ = typewriter.Drain(ctx)
		typewriter.Close()
	}

	if sendErr != nil {
		return sendErr
	}
	if err := db.SaveConversation(context.Background(), store.Get()); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func readVulnerability(path string) (models.Vulnerability, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Vulnerability{}, fmt.Errorf("error opening vulnerability file: %w", err)
	}
	defer f.Close()

	var vuln models.Vulnerability
	if err := yaml.NewDecoder(f).Decode(&vuln); err != nil {
		return models.Vulnerability{}, fmt.Errorf("error decoding vulnerability file: %w", err)
	}
	return vuln, nil
}

func lookupVulnerability(ctx context.Context, opts *options, id string) (models.Vulnerability, error) {
	db, err := opts.openDB()
	if err != nil {
		return models.Vulnerability{}, err
	}
	defer db.Close()

	vuln, err := db.Vulnerability(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return models.Vulnerability{}, fmt.Errorf("vulnerability %s not found", id)
		}
		return models.Vulnerability{}, err
	}
	return vuln, nil
}
