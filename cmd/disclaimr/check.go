package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/d--j/go-disclaimr/patch"
	"github.com/d--j/go-disclaimr/rules"
	"github.com/d--j/go-milter/milterutil"
	"github.com/emersion/go-message/textproto"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/text/transform"
	"gopkg.in/yaml.v3"
)

type checkOptions struct {
	ip    string
	from  string
	rcpts []string
}

// checkResult is the YAML report of the check command.
type checkResult struct {
	Modified      bool              `yaml:"modified"`
	AddHeaders    map[string]string `yaml:"add_headers,omitempty"`
	ChangeHeaders map[string]string `yaml:"change_headers,omitempty"`
	DeleteHeaders []string          `yaml:"delete_headers,omitempty"`
	Body          string            `yaml:"body,omitempty"`
}

func newCheckCmd() *cobra.Command {
	var opts checkOptions
	cmd := &cobra.Command{
		Use:   "check [flags] MESSAGE",
		Short: "Run the rules against a message file without a mail server",
		Long: "check runs the configured rules against the message in MESSAGE (\"-\" reads standard input)\n" +
			"and prints the modifications the milter would send to the mail server as YAML.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readMessage(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			repo, closer, err := openRepository(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closer.Close()
			matching, err := rules.ParseRecipientMatching(cfg.Milter.RecipientMatching)
			if err != nil {
				return err
			}
			engine := rules.NewEngine(repo, nil, rules.WithRecipientMatching(matching), rules.WithBodyMaxMem(cfg.Body.MaxMem), rules.WithBodyMaxSize(cfg.Body.MaxSize))
			p, err := check(cmd.Context(), engine, opts, raw)
			if err != nil {
				return err
			}
			return printPatch(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringVar(&opts.ip, "ip", "127.0.0.1", "IP address of the sending client")
	cmd.Flags().StringVar(&opts.from, "from", "", "envelope sender")
	cmd.Flags().StringSliceVar(&opts.rcpts, "rcpt", nil, "envelope recipients (comma separated or repeated)")
	return cmd
}

// readMessage reads name (or in when name is "-") and converts all line endings to CRLF.
func readMessage(in io.Reader, name string) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if name == "-" {
		raw, err = io.ReadAll(in)
	} else {
		raw, err = afero.ReadFile(fs, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	out, _, err := transform.Bytes(&milterutil.CrLfCanonicalizationTransformer{}, raw)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return out, nil
}

// check feeds raw through a rules session the same way the milter does.
// Without directory resolver sender lookups resolve to nothing.
func check(ctx context.Context, engine *rules.Engine, opts checkOptions, raw []byte) (*patch.Patch, error) {
	session, err := engine.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	headerBytes, body := patch.SplitHeaderBody(raw)
	hdr, err := textproto.ReadHeader(bufio.NewReader(io.MultiReader(bytes.NewReader(headerBytes), strings.NewReader("\r\n"))))
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	session.Connect(ctx, opts.ip)
	if err := session.MailFrom(ctx, opts.from); err != nil {
		return nil, err
	}
	for _, rcpt := range opts.rcpts {
		if err := session.Rcpt(ctx, rcpt); err != nil {
			return nil, err
		}
	}
	for fields := hdr.Fields(); fields.Next(); {
		session.Header(fields.Key(), fields.Value())
	}
	if err := session.EndOfHeaders(ctx); err != nil {
		return nil, err
	}
	if err := session.BodyChunk(body); err != nil {
		return nil, err
	}
	return session.EndOfBody(ctx)
}

func printPatch(w io.Writer, p *patch.Patch) error {
	res := checkResult{Modified: !p.Empty()}
	if p != nil {
		res.AddHeaders = p.AddHeaders
		res.ChangeHeaders = p.ChangeHeaders
		res.DeleteHeaders = p.DeleteHeaders
		res.Body = string(p.Body)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(res); err != nil {
		return err
	}
	return enc.Close()
}
