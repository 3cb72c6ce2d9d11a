package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"evidenced/pkg/config"
	"evidenced/pkg/db"
	"evidenced/pkg/report"
	"evidenced/pkg/telemetry"
	"evidenced/services/evidence"
	"evidenced/services/evidence/wire"
	"evidenced/services/packager"
	"evidenced/services/verifier"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	output string
	out    io.Writer
	engine *report.Engine
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "evidencectl",
		Short:         "Capture, inspect and verify web page evidence",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			engine, err := report.New()
			if err != nil {
				return err
			}
			c.engine = engine
			c.out = cmd.OutOrStdout()
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&c.output, "output", "o", report.FormatText, "Output format: text, json or yaml")

	cmd.AddCommand(
		c.captureCommand(),
		c.getCommand(),
		c.listCommand(),
		c.verifyCommand(),
		migrateCommand(),
		c.keygenCommand(),
	)
	return cmd
}

// open wires the evidence stack from the environment. Logs go to stderr so
// command output stays parseable.
func (c *cli) open(ctx context.Context) (*wire.Stack, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	logger := telemetry.NewLogger("evidencectl", cfg.LogLevel, "console", os.Stderr)
	if cfg.LogLevel == "info" {
		logger = logger.Level(zerolog.WarnLevel)
	}
	return wire.Open(ctx, cfg, logger, wire.Options{Name: "evidencectl"})
}

func (c *cli) write(name string, data any) error {
	return c.engine.Write(c.out, c.output, name, data)
}

func (c *cli) captureCommand() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "capture <url>",
		Short: "Capture a page and store its evidence package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer stack.Close()

			res, err := stack.Service.Capture(cmd.Context(), evidence.Request{URL: args[0], Note: note})
			if res != nil {
				if werr := c.write("capture", res); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Free-text note stored with the record")
	return cmd
}

func (c *cli) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <evidence-id>",
		Short: "Show one evidence record with a fresh download link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer stack.Close()

			detail, err := stack.Service.GetOne(cmd.Context(), args[0])
			if detail == nil && err == nil {
				return fmt.Errorf("evidence %s not found", args[0])
			}
			if detail != nil {
				if werr := c.write("evidence", detail); werr != nil {
					return werr
				}
			}
			return err
		},
	}
}

func (c *cli) listCommand() *cobra.Command {
	var skip, take int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List evidence records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer stack.Close()

			page, err := stack.Service.ListPage(cmd.Context(), skip, take)
			if err != nil {
				return err
			}
			return c.write("page", page)
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "Records to skip")
	cmd.Flags().IntVar(&take, "take", evidence.DefaultPageSize, fmt.Sprintf("Records to return (max %d)", evidence.MaxPageSize))
	return cmd
}

func (c *cli) verifyCommand() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "verify [package.zip]",
		Short: "Verify a package file, or a stored package with --id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case id != "" && len(args) == 0:
				return c.verifyStored(cmd.Context(), id)
			case id == "" && len(args) == 1:
				return c.verifyFile(args[0])
			default:
				return errors.New("give either a package file or --id")
			}
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Evidence id of a stored package")
	return cmd
}

func (c *cli) verifyFile(path string) error {
	archive, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rep, verr := packager.Verify(archive)
	if rep == nil {
		return verr
	}
	if err := c.write("verify", rep); err != nil {
		return err
	}
	return verr
}

func (c *cli) verifyStored(ctx context.Context, id string) error {
	stack, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer stack.Close()

	v, err := verifier.New(stack.Service, verifier.Config{Signer: stack.Signer})
	if err != nil {
		return err
	}
	out, err := v.Check(ctx, id)
	if err != nil {
		return err
	}
	if err := c.write("outcome", out); err != nil {
		return err
	}
	if out.Result != verifier.ResultOK {
		return fmt.Errorf("verification %s", out.Result)
	}
	return nil
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			pool, err := db.Open(cmd.Context(), cfg.DBDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func (c *cli) keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a package signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := packager.GenerateSecret()
			if err != nil {
				return err
			}
			signer, err := packager.NewSigner(secret, "")
			if err != nil {
				return err
			}
			key := struct {
				SecretKey string `json:"secretKey" yaml:"secretKey"`
				PublicKey string `json:"publicKey" yaml:"publicKey"`
				Recipient string `json:"recipient" yaml:"recipient"`
			}{secret, signer.PublicKeyBase64(), signer.Recipient()}

			if c.output == report.FormatText {
				fmt.Fprintf(c.out, "EVIDENCE_SIGNING_KEY=%s\n# public key: %s\n# recipient:  %s\n", key.SecretKey, key.PublicKey, key.Recipient)
				return nil
			}
			return c.write("", key)
		},
	}
}
