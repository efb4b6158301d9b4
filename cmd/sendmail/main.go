// Command sendmail composes a message and submits it through the delivery
// engine: local recipients are filed into their inbox, remote ones are sent
// straight to their mail exchanger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/gabriel-vasile/mimetype"

	"github.com/welldanyogia/tempmail-mta/internal/app"
	"github.com/welldanyogia/tempmail-mta/internal/compose"
	"github.com/welldanyogia/tempmail-mta/internal/config"
	"github.com/welldanyogia/tempmail-mta/internal/delivery"
	"github.com/welldanyogia/tempmail-mta/internal/directory"
	"github.com/welldanyogia/tempmail-mta/internal/logger"
)

// addressList collects a repeatable, comma separated flag
type addressList []string

func (l *addressList) String() string { return strings.Join(*l, ",") }

func (l *addressList) Set(v string) error {
	for _, a := range strings.Split(v, ",") {
		if a = strings.TrimSpace(a); a != "" {
			*l = append(*l, a)
		}
	}
	return nil
}

type fileList []string

func (l *fileList) String() string { return strings.Join(*l, ",") }

func (l *fileList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var (
		to, cc   addressList
		attach   fileList
		from     = flag.String("from", "", "Sender address (required)")
		subject  = flag.String("subject", "", "Subject")
		bodyFile = flag.String("body", "-", "File holding the text body, - for stdin")
		hashPass = flag.String("hash-password", "", "Print the bcrypt hash of a password for DIRECTORY_STATIC_USERS and exit")
	)
	flag.Var(&to, "to", "Recipient; repeatable or comma separated")
	flag.Var(&cc, "cc", "Carbon-copy recipient; repeatable or comma separated")
	flag.Var(&attach, "attach", "File to attach; repeatable")
	flag.Parse()

	if *hashPass != "" {
		hash, err := directory.HashPassword(*hashPass)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: "text", Output: "stderr"})

	out, err := outgoing(*from, to, cc, *subject, *bodyFile, attach)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendmail: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed, err := run(ctx, cfg, log, out, os.Stdout)
	if err != nil {
		log.Error("submission failed", slog.Any("error", err))
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(3)
	}
}

func outgoing(from string, to, cc []string, subject, bodyFile string, attach []string) (delivery.Outgoing, error) {
	out := delivery.Outgoing{From: from, To: to, Cc: cc, Subject: subject}
	if strings.TrimSpace(from) == "" {
		return out, errors.New("-from is required")
	}
	if len(to)+len(cc) == 0 {
		return out, errors.New("at least one -to or -cc recipient is required")
	}

	var body []byte
	var err error
	if bodyFile == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(bodyFile)
	}
	if err != nil {
		return out, fmt.Errorf("read body: %w", err)
	}
	out.Text = string(body)

	for _, path := range attach {
		a, err := attachment(path)
		if err != nil {
			return out, err
		}
		out.Attachments = append(out.Attachments, a)
	}
	return out, nil
}

func attachment(path string) (compose.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return compose.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	return compose.Attachment{
		Filename:    filepath.Base(path),
		ContentType: mimetype.Detect(data).String(),
		Data:        data,
	}, nil
}

// run submits out and prints one line per recipient. It returns the number
// of recipients that failed.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger, out delivery.Outgoing, w io.Writer) (int, error) {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return 0, err
	}
	defer a.Close()

	sub, err := a.Engine.Submit(ctx, out)
	if err != nil {
		return 0, err
	}
	return report(w, sub), nil
}

func report(w io.Writer, sub *delivery.Submission) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "message\t%s\t%s\n", sub.MessageID, sub.Filename)

	rcpts := make([]string, 0, len(sub.Outcomes))
	for r := range sub.Outcomes {
		rcpts = append(rcpts, r)
	}
	slices.Sort(rcpts)

	failed := 0
	for _, r := range rcpts {
		o := sub.Outcomes[r]
		via := "local"
		if !o.Local {
			via = o.Target.Host
			if o.Target.Degraded {
				via += " (degraded)"
			}
		}
		line := fmt.Sprintf("%s\t%s\t%s", r, o.State, via)
		if o.Err != nil {
			failed++
			line += "\t" + o.Err.Error()
		}
		fmt.Fprintln(tw, line)
	}
	tw.Flush()
	return failed
}
