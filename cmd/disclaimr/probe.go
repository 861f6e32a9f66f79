package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/d--j/go-milter"
	"github.com/d--j/go-milter/milterutil"
	"github.com/emersion/go-message/textproto"
	"github.com/spf13/cobra"
	"golang.org/x/text/transform"
)

type probeOptions struct {
	network  string
	address  string
	hostname string
	family   string
	port     uint16
	connAddr string
	helo     string
	from     string
	rcpts    []string
	actions  uint32
}

func newProbeCmd() *cobra.Command {
	var opts probeOptions
	cmd := &cobra.Command{
		Use:   "probe [flags] MESSAGE",
		Short: "Send a message file to a running milter and log its answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := fs.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			if opts.network == "" {
				opts.network = cfg.Milter.Network
			}
			if opts.address == "" {
				opts.address = cfg.Milter.Address
			}
			return probe(opts, in, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.network, "network", "", "network of the milter (default milter.network)")
	flags.StringVar(&opts.address, "address", "", "address of the milter (default milter.address)")
	flags.StringVar(&opts.hostname, "hostname", "localhost", "host name to send in the CONNECT message")
	flags.StringVar(&opts.family, "family", string(milter.FamilyInet), "protocol family to send in the CONNECT message")
	flags.Uint16Var(&opts.port, "port", 2525, "port to send in the CONNECT message")
	flags.StringVar(&opts.connAddr, "conn-addr", "127.0.0.1", "client address to send in the CONNECT message")
	flags.StringVar(&opts.helo, "helo", "localhost", "value to send in the HELO message")
	flags.StringVar(&opts.from, "from", "sender@example.com", "envelope sender")
	flags.StringSliceVar(&opts.rcpts, "rcpt", []string{"recipient@example.net"}, "envelope recipients")
	flags.Uint32Var(&opts.actions, "actions", uint32(milter.AllClientSupportedActionMasks), "bitmask of allowed milter actions")
	return cmd
}

func logAction(stage string, act *milter.Action) {
	e := log.Info().Str("stage", stage)
	switch act.Type {
	case milter.ActionAccept:
		e.Msg("accept")
	case milter.ActionReject:
		e.Msg("reject")
	case milter.ActionDiscard:
		e.Msg("discard")
	case milter.ActionTempFail:
		e.Msg("temp. fail")
	case milter.ActionRejectWithCode:
		e.Uint16("code", act.SMTPCode).Str("reply", act.SMTPReply).Msg("reject with code")
	case milter.ActionContinue:
		e.Msg("continue")
	case milter.ActionSkip:
		e.Msg("skip")
	default:
		e.Msg("unknown")
	}
}

func logModifyAction(out io.Writer, act milter.ModifyAction) {
	switch act.Type {
	case milter.ActionAddHeader:
		log.Info().Str("name", act.HeaderName).Str("value", act.HeaderValue).Msg("add header")
	case milter.ActionInsertHeader:
		log.Info().Uint32("index", act.HeaderIndex).Str("name", act.HeaderName).Str("value", act.HeaderValue).Msg("insert header")
	case milter.ActionChangeHeader:
		if act.HeaderValue == "" {
			log.Info().Uint32("index", act.HeaderIndex).Str("name", act.HeaderName).Msg("delete header")
			return
		}
		log.Info().Uint32("index", act.HeaderIndex).Str("name", act.HeaderName).Str("value", act.HeaderValue).Msg("change header")
	case milter.ActionReplaceBody:
		log.Info().Int("size", len(act.Body)).Msg("replace body")
		_, _ = fmt.Fprintln(out, string(act.Body))
	default:
		log.Info().Int("type", int(act.Type)).Msg("unexpected modification")
	}
}

// probe plays the MTA side of one milter transaction with the message in r.
// Replacement bodies get written to out.
func probe(opts probeOptions, r io.Reader, out io.Writer) error {
	if opts.family == "" {
		return fmt.Errorf("probe: empty protocol family")
	}
	c := milter.NewClient(opts.network, opts.address, milter.WithActions(milter.OptAction(opts.actions)))
	s, err := c.Session(nil)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer func() {
		_ = s.Close()
	}()

	act, err := s.Conn(opts.hostname, milter.ProtoFamily(opts.family[0]), opts.port, opts.connAddr)
	if err != nil {
		return err
	}
	logAction("connect", act)
	if act.StopProcessing() {
		return nil
	}
	if act, err = s.Helo(opts.helo); err != nil {
		return err
	}
	logAction("helo", act)
	if act.StopProcessing() {
		return nil
	}
	if act, err = s.Mail("<"+strings.Trim(opts.from, "<>")+">", ""); err != nil {
		return err
	}
	logAction("mail", act)
	if act.StopProcessing() {
		return nil
	}
	for _, rcpt := range opts.rcpts {
		if act, err = s.Rcpt("<"+strings.Trim(rcpt, "<>")+">", ""); err != nil {
			return err
		}
		logAction("rcpt "+rcpt, act)
		if act.Type == milter.ActionDiscard {
			return nil
		}
	}
	if act, err = s.DataStart(); err != nil {
		return err
	}
	logAction("data", act)
	if act.StopProcessing() {
		return nil
	}

	bufR := bufio.NewReader(transform.NewReader(r, &milterutil.CrLfCanonicalizationTransformer{}))
	hdr, err := textproto.ReadHeader(bufR)
	if err != nil {
		return fmt.Errorf("probe: parse header: %w", err)
	}
	if act, err = s.Header(hdr); err != nil {
		return err
	}
	logAction("header", act)
	if act.StopProcessing() {
		return nil
	}

	modifyActs, act, err := s.BodyReadFrom(bufR)
	if err != nil {
		return err
	}
	for _, m := range modifyActs {
		logModifyAction(out, m)
	}
	logAction("end of body", act)
	return nil
}
