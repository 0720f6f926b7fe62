package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/muawin/muawin/internal/progress"
	"github.com/muawin/muawin/pkg/filelist"
	"github.com/muawin/muawin/pkg/models"
	"github.com/muawin/muawin/pkg/pathcodec"
	"github.com/muawin/muawin/pkg/protocol"
	"github.com/muawin/muawin/pkg/session"
	"github.com/muawin/muawin/pkg/validate"
)

func listCommand() *cobra.Command {
	var search string
	var refresh bool
	var numbers bool

	cmd := &cobra.Command{
		Use:     "ls",
		Short:   "List the files of a zone/branch",
		Aliases: []string{"list"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			v, err := a.newView()
			if err != nil {
				return err
			}
			defer v.Close()

			zone, branch, err := a.scope(v)
			if err != nil {
				return err
			}
			if err := v.Select(cmd.Context(), zone, branch); err != nil {
				return viewError(v, err)
			}
			if refresh {
				if err := v.ManualRefresh(cmd.Context()); err != nil {
					return viewError(v, err)
				}
			}

			prefix := pathcodec.Scope{Category: a.opts.Category, Zone: zone, Branch: branch}.String()
			return printFileTable(stdout(cmd), prefix, filelist.Filter(v.Files(), search), numbers)
		},
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "Only show files whose name or number contains this")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Refetch the listing and report the result")
	cmd.Flags().BoolVar(&numbers, "numbers", false, "Append the file number to each display path")
	return cmd
}

func printFileTable(w io.Writer, prefix string, rows []models.FileRecord, numbers bool) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No files.")
		return nil
	}
	data := pterm.TableData{{"No.", "Name", "Type", "Size", "Modified", "Path"}}
	for _, r := range rows {
		size := "-"
		if f, ok := r.(models.ConfirmedFile); ok {
			size = humanizeSize(f.Size)
		}
		data = append(data, []string{
			r.Number(),
			pathcodec.DisplayName(r.Name()),
			pathcodec.ExtensionFromName(r.Name()),
			size,
			r.Modified().Local().Format("2006-01-02 15:04"),
			pathcodec.CanonicalDisplayPath(prefix, r.Name(), r.Number(), numbers),
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)
	return nil
}

func humanizeSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func uploadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload files to a zone/branch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			v, err := a.newView()
			if err != nil {
				return err
			}
			defer v.Close()

			zone, branch, err := a.scope(v)
			if err != nil {
				return err
			}
			if err := v.Select(cmd.Context(), zone, branch); err != nil {
				return viewError(v, err)
			}

			var files []models.LocalFile
			for _, p := range args {
				f, err := validate.Inspect(a.fs, p)
				if err != nil {
					return err
				}
				files = append(files, f)
			}

			out := stdout(cmd)
			ui := progress.NewBatchUI(out)
			events, unsubscribe := v.Batch().Subscribe()
			tracked := make(chan struct{})
			go func() {
				defer close(tracked)
				ui.Track(events)
			}()

			notices, stopNotices := v.Subscribe()
			var rejected []string
			collected := make(chan struct{})
			go func() {
				defer close(collected)
				for ev := range notices {
					if ev.Kind == filelist.EventNotice && ev.Notice.Severity == filelist.SeverityWarning {
						rejected = append(rejected, ev.Notice.Message)
					}
				}
			}()

			result, err := v.Upload(cmd.Context(), files)
			unsubscribe()
			<-tracked
			ui.Wait()
			stopNotices()
			<-collected
			if err != nil {
				return viewError(v, err)
			}

			for _, msg := range rejected {
				fmt.Fprint(out, pterm.Warning.Sprintln(msg))
			}
			for _, r := range result.Results {
				fmt.Fprint(out, pterm.Success.Sprintf("%s stored as %s (No. %s)\n",
					r.File.Name, r.Record.Filename, r.Record.FileNumber))
			}
			for _, f := range result.Errors {
				fmt.Fprint(out, pterm.Error.Sprintf("%s: %v\n", f.File.Name, f.Err))
			}

			failed := len(result.Errors) + len(rejected)
			if failed > 0 {
				return fmt.Errorf("%d of %d file(s) not uploaded", failed, len(files))
			}
			return nil
		},
	}
}

func removeCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "rm FILE...",
		Short:   "Delete files from a zone/branch",
		Aliases: []string{"delete"},
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			v, err := a.newView()
			if err != nil {
				return err
			}
			defer v.Close()

			zone, branch, err := a.scope(v)
			if err != nil {
				return err
			}
			if !yes && !confirm(cmd, fmt.Sprintf("Delete %d file(s) from %s/%s?", len(args), zone, branch)) {
				return errors.New("aborted")
			}
			if err := v.Select(cmd.Context(), zone, branch); err != nil {
				return viewError(v, err)
			}

			result, err := v.Delete(cmd.Context(), args...)
			if err != nil {
				return viewError(v, err)
			}
			out := stdout(cmd)
			for _, r := range result.Results {
				fmt.Fprint(out, pterm.Success.Sprintf("deleted %s\n", r.Filename))
			}
			for _, f := range result.Errors {
				fmt.Fprint(out, pterm.Error.Sprintf("%s: %v\n", f.Filename, f.Err))
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d of %d file(s) not deleted", len(result.Errors), len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

// confirm asks on a terminal and assumes yes otherwise.
func confirm(cmd *cobra.Command, question string) bool {
	in, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(in.Fd())) {
		return true
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N] ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func getCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "get FILE",
		Short:   "Download a file",
		Long:    "Download a file. Without --zone and --branch the newest copy you can access is used.",
		Aliases: []string{"download"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			filename := args[0]
			scope := pathcodec.Scope{Category: a.opts.Category, Zone: a.opts.Zone, Branch: a.opts.Branch}

			if output == "-" {
				_, err := a.client.Download(cmd.Context(), scope, filename, stdout(cmd), nil)
				return err
			}
			if output == "" {
				output = filename
			}
			if err := a.fs.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return err
			}
			tmp := output + ".part"
			f, err := a.fs.Create(tmp)
			if err != nil {
				return err
			}

			bar := progress.NewDownload(cmd.ErrOrStderr(), filename)
			n, err := a.client.Download(cmd.Context(), scope, filename, f, bar.Callback())
			bar.Finish()
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				a.fs.Remove(tmp)
				return err
			}
			if err := a.fs.Rename(tmp, output); err != nil {
				return err
			}
			fmt.Fprint(stdout(cmd), pterm.Success.Sprintf("saved %s (%s)\n", output, humanizeSize(n)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path, or - for stdout")
	return cmd
}

func watchCommand() *cobra.Command {
	var table bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print file changes as they happen",
		Long: "Print file changes as they happen. With --category the selected zone/branch " +
			"listing is kept in sync, and --table reprints it after every change.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			if !a.session.IsAuthenticated() {
				return errors.New(filelist.MsgLoginToView)
			}
			ctx := cmd.Context()
			out := &lockedWriter{w: stdout(cmd)}

			var feed chan protocol.Event
			if a.opts.Category != "" {
				v, err := a.newView()
				if err != nil {
					return err
				}
				defer v.Close()
				zone, branch, err := a.scope(v)
				if err != nil {
					return err
				}
				if err := v.Select(ctx, zone, branch); err != nil {
					return viewError(v, err)
				}
				if table {
					prefix := pathcodec.Scope{Category: a.opts.Category, Zone: zone, Branch: branch}.String()
					updates, unsubscribe := v.Subscribe()
					defer unsubscribe()
					if err := printFileTable(out, prefix, v.Visible(), false); err != nil {
						return err
					}
					go func() {
						for ev := range updates {
							if ev.Kind == filelist.EventFiles {
								printFileTable(out, prefix, ev.Files, false)
							}
						}
					}()
				}
				feed = make(chan protocol.Event, 16)
				defer close(feed)
				go v.Watch(ctx, feed)
			}

			for ev := range a.client.Watch(ctx) {
				if a.opts.Category != "" && ev.Category != a.opts.Category {
					continue
				}
				if a.opts.Zone != "" && ev.Zone != a.opts.Zone {
					continue
				}
				if a.opts.Branch != "" && ev.Branch != a.opts.Branch {
					continue
				}
				fmt.Fprintf(out, "%s %-6s %s/%s by %s\n",
					time.Unix(ev.Timestamp, 0).Local().Format(time.TimeOnly),
					ev.Type,
					pathcodec.Scope{Category: ev.Category, Zone: ev.Zone, Branch: ev.Branch},
					ev.Filename,
					ev.Actor)
				if feed != nil {
					select {
					case feed <- ev:
					case <-ctx.Done():
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&table, "table", false, "Reprint the listing after each change (needs --category)")
	return cmd
}

// lockedWriter serializes writes from the event loop and the table printer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func loginCommand() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a bearer token for later commands",
		Long:  "Store a bearer token. Without --token it is read from stdin, hidden when stdin is a terminal.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			if token == "" {
				t, err := readToken(cmd)
				if err != nil {
					return err
				}
				token = t
			}
			id, err := session.ParseIdentity(token)
			if err != nil {
				return err
			}
			if err := a.fs.MkdirAll(filepath.Dir(a.opts.TokenFile), 0o700); err != nil {
				return err
			}
			if err := session.NewFile(a.fs, a.opts.TokenFile).Save(token); err != nil {
				return err
			}

			scope := "all zones"
			if !id.IsAdmin() {
				scope = id.Zone + "/" + id.Branch
			}
			fmt.Fprint(stdout(cmd), pterm.Success.Sprintf("logged in as %s (%s, %s)\n", id.Username, id.Role, scope))
			if !id.ExpiresAt.IsZero() {
				fmt.Fprintf(stdout(cmd), "token expires %s\n", id.ExpiresAt.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	return cmd
}

func readToken(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Token: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	b, err := io.ReadAll(io.LimitReader(in, 64<<10))
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", errors.New("no token given")
	}
	return tok, nil
}
