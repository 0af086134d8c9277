package main

import (
	"cmp"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/NicolasHaas/officehours/pkg/client"
	"github.com/NicolasHaas/officehours/pkg/logging"
	"github.com/NicolasHaas/officehours/pkg/model"
	"github.com/NicolasHaas/officehours/pkg/version"
)

func main() {
	// Logs go to stderr so stdout carries only queue views.
	logOpts := logging.FromEnv(os.Stderr)

	serverURL := flag.String("server", "", "Server base URL, e.g. http://localhost:8080")
	token := flag.String("token", "", "Session token (see server -issue-token)")
	queues := flag.String("queue", "", "Comma-separated queue ids to watch")
	insecure := flag.Bool("insecure", false, "Accept self-signed TLS certificates")
	bookmarkName := flag.String("bookmark", "", "Use (or with -save, store) the named bookmark")
	save := flag.Bool("save", false, "Save -server, -token and -queue under -bookmark")
	bookmarkPath := flag.String("bookmarks", client.DefaultBookmarkPath(), "Bookmark file")
	flag.StringVar(&logOpts.Level, "log-level", cmp.Or(logOpts.Level, "info"), "Log level: "+logging.LevelNames())
	flag.StringVar(&logOpts.Format, "log-format", cmp.Or(logOpts.Format, "text"), "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if err := logging.Setup(logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	bm := client.Bookmark{Name: *bookmarkName, ServerURL: *serverURL, Token: *token, Insecure: *insecure}
	ids, err := parseQueueIDs(*queues)
	if err != nil {
		slog.Error("parse -queue", "err", err)
		os.Exit(1)
	}
	bm.Queues = ids

	store := client.NewBookmarkStore(*bookmarkPath)
	if err := store.Load(); err != nil {
		slog.Error("load bookmarks", "path", store.Path(), "err", err)
		os.Exit(1)
	}
	if *bookmarkName != "" && !*save {
		saved := store.Find(*bookmarkName)
		if saved == nil {
			slog.Error("unknown bookmark", "name", *bookmarkName, "path", store.Path())
			os.Exit(1)
		}
		bm = mergeBookmark(*saved, bm)
	}
	if bm.ServerURL == "" || len(bm.Queues) == 0 {
		fmt.Fprintln(os.Stderr, "usage: client -server URL -queue ID[,ID...] [-token TOKEN]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := watch(ctx, bm, os.Stdout); err != nil {
		slog.Error("watch failed", "err", err)
		os.Exit(1)
	}

	if *bookmarkName != "" {
		store.Add(bm)
		store.Touch(bm.Name, time.Now().Unix())
		if err := store.Save(); err != nil {
			slog.Warn("save bookmarks", "path", store.Path(), "err", err)
		}
	}
}

// mergeBookmark fills unset fields of flags from saved.
func mergeBookmark(saved, flags client.Bookmark) client.Bookmark {
	if flags.ServerURL != "" {
		saved.ServerURL = flags.ServerURL
	}
	if flags.Token != "" {
		saved.Token = flags.Token
	}
	if len(flags.Queues) > 0 {
		saved.Queues = flags.Queues
	}
	saved.Insecure = saved.Insecure || flags.Insecure
	return saved
}

func parseQueueIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := model.ParseID("queue", part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// watch joins every queue in bm and prints each view change until ctx ends
// or the server goes away.
func watch(ctx context.Context, bm client.Bookmark, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.Dial(dialCtx, client.Options{
		ServerURL:          bm.ServerURL,
		Token:              bm.Token,
		InsecureSkipVerify: bm.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	hello := c.Hello()
	slog.Info("connected", "server", bm.ServerURL, "user", hello.UserName, "session", hello.SessionID, "epoch", hello.Epoch)

	c.SetUpdateHandler(func(v client.View) { printView(out, v) })
	c.StartReceiving()

	for _, id := range bm.Queues {
		if err := c.Join(ctx, id); err != nil {
			return fmt.Errorf("join queue %d: %w", id, err)
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		if err := c.Err(); err != nil {
			return err
		}
		return fmt.Errorf("server closed the connection")
	}
}

func printView(out io.Writer, v client.View) {
	name := fmt.Sprintf("queue %d", v.QueueID)
	if v.Queue != nil {
		name = v.Queue.Name
	}
	if v.Deleted {
		fmt.Fprintf(out, "[%s] deleted\n", name)
		return
	}
	stale := ""
	if v.Stale {
		stale = " (reconnecting)"
	}
	fmt.Fprintf(out, "[%s] seq %d, %d question(s)%s\n", name, v.Seq, len(v.Questions), stale)
	for _, q := range v.Questions {
		fmt.Fprintf(out, "  #%d %-9s user %d, asked %s: %s\n", q.ID, q.Status, q.AuthorID, humanize.Time(q.CreatedAt), q.Content)
	}
}
