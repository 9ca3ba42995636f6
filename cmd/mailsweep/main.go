package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/jitrc/MailSweep/internal/advisor"
	"github.com/jitrc/MailSweep/internal/cache"
	"github.com/jitrc/MailSweep/internal/config"
	"github.com/jitrc/MailSweep/internal/credential"
	"github.com/jitrc/MailSweep/internal/imapx"
	"github.com/jitrc/MailSweep/internal/pipeline"
	"github.com/jitrc/MailSweep/internal/scan"
	"github.com/jitrc/MailSweep/internal/worker"
)

var version = "dev"

const usage = `mailsweep - mailbox analysis and cleanup

Usage: mailsweep [flags] <command> [command flags]

Commands:
  scan          sync folder metadata into the local cache
  folders       show per-folder sizes and date ranges
  senders       show largest senders
  receivers     show largest recipients
  suggest       propose cleanup actions
  detach        strip attachments from messages, saving them locally
  backup        download messages as .eml files
  delete        delete messages (via trash)
  move          move messages to another folder
  remove-label  remove a label without deleting the message
  quota         show server storage usage
  login         store an account password in the system keyring
`

type app struct {
	cfg    *config.Config
	store  *cache.Store
	logger *logrus.Logger
}

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsweep version %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	db, err := cache.New(cfg.CachePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open cache")
	}
	defer db.Close()

	a := &app{
		cfg:    cfg,
		store:  cache.NewStore(db, logger),
		logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := flag.Arg(0)
	args := flag.Args()[1:]

	if err := a.run(ctx, command, args); err != nil {
		logger.WithError(err).Fatal("Command failed")
	}
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "scan":
		return a.cmdScan(ctx, args)
	case "folders":
		return a.cmdFolders(args)
	case "senders":
		return a.cmdAddresses(args, true)
	case "receivers":
		return a.cmdAddresses(args, false)
	case "suggest":
		return a.cmdSuggest(ctx, args)
	case "detach":
		return a.cmdDetach(ctx, args)
	case "backup":
		return a.cmdBackup(ctx, args)
	case "delete":
		return a.cmdDelete(ctx, args)
	case "move":
		return a.cmdMove(ctx, args)
	case "remove-label":
		return a.cmdRemoveLabel(ctx, args)
	case "quota":
		return a.cmdQuota(args)
	case "login":
		return a.cmdLogin(args)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// connect dials the account's server and resolves its provider descriptor.
func (a *app) connect(accountName string) (imapx.Session, *imapx.Provider, int64, error) {
	ac, err := a.cfg.GetAccountByName(accountName)
	if err != nil {
		return nil, nil, 0, err
	}
	acc := ac.Account()

	secret, err := credential.Get(credential.Key(acc.Username, acc.Host))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("no stored credential for %s, run: mailsweep login -account %s", acc.Name, acc.Name)
	}

	session, err := imapx.Dial(acc, secret, a.logger)
	if err != nil {
		return nil, nil, 0, err
	}

	provider, err := imapx.DetectProvider(session, ac.TrashFolder, ac.AllMailFolder)
	if err != nil {
		session.Logout()
		return nil, nil, 0, err
	}

	accountID, err := a.store.UpsertAccount(acc)
	if err != nil {
		session.Logout()
		return nil, nil, 0, err
	}
	return session, provider, accountID, nil
}

func (a *app) cmdScan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	account := fs.String("account", "", "Account name")
	fs.Parse(args)

	session, _, accountID, err := a.connect(*account)
	if err != nil {
		return err
	}
	defer session.Logout()

	engine := scan.NewEngine(a.store, a.cfg.BatchSize, a.logger)
	summary, err := engine.ScanAccount(ctx, session, accountID, func(p scan.Progress) {
		a.logger.WithFields(logrus.Fields{
			"folder":  p.Folder,
			"fetched": p.Fetched,
			"total":   p.Total,
		}).Debug("scan progress")
	})
	if err != nil {
		return err
	}

	fmt.Printf("Scanned %d folders (%d failed): %d fetched, %d removed, %d full rescans\n",
		summary.FoldersScanned, summary.FoldersFailed,
		summary.MessagesFetched, summary.MessagesRemoved, summary.FullRescans)
	return nil
}

func (a *app) cmdFolders(args []string) error {
	fs := flag.NewFlagSet("folders", flag.ExitOnError)
	account := fs.String("account", "", "Account name")
	fs.Parse(args)

	accountID, err := a.store.GetAccountID(*account)
	if err != nil {
		return err
	}
	summaries, err := a.store.FolderTreeSummary(accountID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tMESSAGES\tSIZE\tOLDEST\tNEWEST")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			s.Name, s.MessageCount, humanize.Bytes(uint64(s.TotalSizeBytes)),
			shortDate(s.OldestDate), shortDate(s.NewestDate))
	}
	return w.Flush()
}

func (a *app) cmdAddresses(args []string, senders bool) error {
	fs := flag.NewFlagSet("addresses", flag.ExitOnError)
	account := fs.String("account", "", "Account name")
	limit := fs.Int("limit", 25, "Number of rows")
	fs.Parse(args)

	accountID, err := a.store.GetAccountID(*account)
	if err != nil {
		return err
	}

	rows, err := a.store.SenderSummary(accountID, *limit)
	if !senders {
		rows, err = a.store.ReceiverSummary(accountID, *limit)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tMESSAGES\tSIZE")
	for _, s := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			s.Email, s.Display, s.MessageCount, humanize.Bytes(uint64(s.TotalSizeBytes)))
	}
	return w.Flush()
}

func (a *app) cmdSuggest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("suggest", flag.ExitOnError)
	account := fs.String("account", "", "Account name")
	limit := fs.Int("limit", 20, "Number of proposals")
	fs.Parse(args)

	session, provider, accountID, err := a.connect(*account)
	if err != nil {
		return err
	}
	session.Logout()

	adv := advisor.New(a.store, provider, a.logger)
	proposals, err := adv.Suggest(accountID, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tFOLDER\tEST. SAVINGS\tREASON")
	for _, p := range proposals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.Action, p.SrcFolder, humanize.Bytes(uint64(p.EstimatedBytes)), p.Reason)
	}
	return w.Flush()
}

// resolveRefs turns target flags into UID refs via the cache. The action
// matters: delete keeps All Mail copies, everything else drops them.
func (a *app) resolveRefs(accountID int64, provider *imapx.Provider, action advisor.Action, messageID, sender, folder string) ([]cache.UIDRef, error) {
	adv := advisor.New(a.store, provider, a.logger)
	return adv.Resolve(accountID, advisor.Proposal{
		Action:    action,
		MessageID: messageID,
		Sender:    sender,
		SrcFolder: folder,
	})
}

func (a *app) runPipeline(ctx context.Context, name string, op worker.Op) (interface{}, error) {
	runner := worker.NewRunner(a.logger)
	handle := runner.Start(name, op)

	go func() {
		<-ctx.Done()
		handle.Cancel()
	}()

	final := worker.Wait(handle, func(p pipeline.Progress) {
		a.logger.WithFields(logrus.Fields{
			"folder": p.Folder,
			"done":   p.Done,
			"total":  p.Total,
		}).Info("progress")
	})
	if final.Kind == worker.EventFailed {
		return final.Result, final.Err
	}
	if final.Kind == worker.EventCancelled {
		a.logger.Warn("operation cancelled, completed batches were kept")
	}
	return final.Result, nil
}

func (a *app) cmdDetach(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("detach", flag.ExitOnError)
	account := fs.String("account", "", "Account name")
	messageID := fs.String("message-id", "", "Target Message-ID")
	sender := fs.String("sender", "", "Target sender address")
	folder := fs.String("folder", "", "Restrict to one folder")
	fs.Parse(args)

	session, provider, accountID, err := a.connect(*account)
	if err != nil {
		return err
	}
	defer session.Logout()

	refs, err := a.resolveRefs(accountID, provider, advisor.ActionDetach, *messageID, *sender, *folder)
	if err != nil {
		return err
	}

	d := &pipeline.Detacher{
		Env:      pipeline.Env{Session: session, Provider: provider, Store: a.store, Logger: a.logger},
		SaveRoot: a.cfg.AttachmentDir,
	}
	result, err := a.runPipeline(ctx, "detach", func(ctx context.Context, progress pipeline.ProgressFunc) (interface{}, error) {
		return d.Run(ctx, refs, progress)
	})
	if err != nil {
		return err
	}
	if r, ok := result.(*pipeline.DetachResult); ok && r != nil {
		fmt.Printf("Detached %d messages (%d skipped), freed %s, saved %d files\n",
			r.Processed, r.Skipped, humanize.Bytes(uint64(r.BytesFreed)), len(r.SavedFiles))
	}
	return nil
}

func (a *app) cmdBackup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	account := fs.String("account", "", "Account name")
	messageID := fs.String("message-id", "", "Target Message-ID")
	sender := fs.String("sender", "", "Target sender address")
	folder := fs.String("folder", "", "Restrict to one folder")
	fs.Parse(args)

	session, provider, accountID, err := a.connect(*account)
	if err != nil {
		return err
	}
	defer session.Logout()

	refs, err := a.resolveRefs(accountID, provider, advisor.ActionBackup, *messageID, *sender, *folder)
	if err != nil {
		return err
	}

	b := &pipeline.Backup{
		Env:        pipeline.Env{Session: session, Provider: provider, Store: a.store, Logger: a.logger},
		BackupRoot: a.cfg.BackupDir,
	}
	result, err := a.runPipeline(ctx, "backup", func(ctx context.Context, progress pipeline.ProgressFunc) (interface{}, error) {
		return b.Run(ctx, refs, progress)
	})
	if err != nil {
		return err
	}
	if r, ok := result.(*pipeline.BackupResult); ok && r != nil {
		fmt.Printf("Backed up %d messages (%s), %d failed\n",
			r.Saved, humanize.Bytes(uint64(r.TotalBytes)), r.Failed)
	}
	return nil
}

func (a *app) cmdDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	account := fs.String("account", "", "Account name")
	messageID := fs.String("message-id", "", "Target Message-ID")
	sender := fs.String("sender", "", "Target sender address")
	folder := fs.String("folder", "", "Restrict to one folder")
	yes := fs.Bool("yes", false, "Skip confirmation")
	fs.Parse(args)

	session, provider, accountID, err := a.connect(*account)
	if err != nil {
		return err
	}
	defer session.Logout()

	refs, err := a.resolveRefs(accountID, provider, advisor.ActionDelete, *messageID, *sender, *folder)
	if err != nil {
		return err
	}
	if !*yes && !confirm(fmt.Sprintf("Delete %d messages?", len(refs))) {
		return fmt.Errorf("aborted")
	}

	d := &pipeline.Deleter{
		Env: pipeline.Env{Session: session, Provider: provider, Store: a.store, Logger: a.logger},
	}
	result, err := a.runPipeline(ctx, "delete", func(ctx context.Context, progress pipeline.ProgressFunc) (interface{}, error) {
		return d.Run(ctx, refs, nil, progress)
	})
	if err != nil {
		return err
	}
	if r, ok := result.(*pipeline.DeleteResult); ok && r != nil {
		fmt.Printf("Deleted %d messages\n", r.Deleted)
	}
	return nil
}

func (a *app) cmdMove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	account := fs.String("account", "", "Account name")
	messageID := fs.String("message-id", "", "Target Message-ID")
	sender := fs.String("sender", "", "Target sender address")
	folder := fs.String("folder", "", "Restrict to one folder")
	dest := fs.String("to", "", "Destination folder")
	fs.Parse(args)

	session, provider, accountID, err := a.connect(*account)
	if err != nil {
		return err
	}
	defer session.Logout()

	refs, err := a.resolveRefs(accountID, provider, advisor.ActionMove, *messageID, *sender, *folder)
	if err != nil {
		return err
	}

	m := &pipeline.Mover{
		Env:       pipeline.Env{Session: session, Provider: provider, Store: a.store, Logger: a.logger},
		AccountID: accountID,
	}
	result, err := a.runPipeline(ctx, "move", func(ctx context.Context, progress pipeline.ProgressFunc) (interface{}, error) {
		return m.Run(ctx, refs, *dest, progress)
	})
	if err != nil {
		return err
	}
	if r, ok := result.(*pipeline.MoveResult); ok && r != nil {
		fmt.Printf("Moved %d messages to %s (%d already there)\n", r.Moved, *dest, r.Skipped)
	}
	return nil
}

func (a *app) cmdRemoveLabel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remove-label", flag.ExitOnError)
	account := fs.String("account", "", "Account name")
	messageID := fs.String("message-id", "", "Target Message-ID")
	sender := fs.String("sender", "", "Target sender address")
	folder := fs.String("folder", "", "Label folder to remove from")
	fs.Parse(args)

	if *folder == "" {
		return fmt.Errorf("-folder is required, it names the label to remove")
	}

	session, provider, accountID, err := a.connect(*account)
	if err != nil {
		return err
	}
	defer session.Logout()

	refs, err := a.resolveRefs(accountID, provider, advisor.ActionRemoveLabel, *messageID, *sender, *folder)
	if err != nil {
		return err
	}

	r := &pipeline.LabelRemover{
		Env: pipeline.Env{Session: session, Provider: provider, Store: a.store, Logger: a.logger},
	}
	result, err := a.runPipeline(ctx, "remove-label", func(ctx context.Context, progress pipeline.ProgressFunc) (interface{}, error) {
		return r.Run(ctx, refs, progress)
	})
	if err != nil {
		return err
	}
	if res, ok := result.(*pipeline.RemoveLabelResult); ok && res != nil {
		fmt.Printf("Removed label from %d messages (%d skipped)\n", res.Removed, res.Skipped)
	}
	return nil
}

func (a *app) cmdQuota(args []string) error {
	fs := flag.NewFlagSet("quota", flag.ExitOnError)
	account := fs.String("account", "", "Account name")
	fs.Parse(args)

	session, _, _, err := a.connect(*account)
	if err != nil {
		return err
	}
	defer session.Logout()

	q, err := session.Quota()
	if err != nil {
		return err
	}
	if q == nil {
		fmt.Println("Server does not report quota")
		return nil
	}
	if q.LimitBytes > 0 {
		fmt.Printf("Storage: %s of %s (%.1f%%)\n",
			humanize.Bytes(uint64(q.UsedBytes)), humanize.Bytes(uint64(q.LimitBytes)),
			float64(q.UsedBytes)/float64(q.LimitBytes)*100)
	} else {
		fmt.Printf("Storage: %s used, no limit reported\n", humanize.Bytes(uint64(q.UsedBytes)))
	}
	return nil
}

func (a *app) cmdLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	account := fs.String("account", "", "Account name")
	fs.Parse(args)

	ac, err := a.cfg.GetAccountByName(*account)
	if err != nil {
		return err
	}

	fmt.Printf("Password for %s@%s: ", ac.Username, ac.Host)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	key := credential.Key(ac.Username, ac.Host)
	if err := credential.Set(key, string(secret)); err != nil {
		return err
	}
	fmt.Println("Credential stored")
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	var answer string
	fmt.Scanln(&answer)
	return strings.EqualFold(strings.TrimSpace(answer), "y")
}

func shortDate(d string) string {
	if len(d) >= 10 {
		return d[:10]
	}
	return d
}
