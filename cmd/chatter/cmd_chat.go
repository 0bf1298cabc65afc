package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatter/internal/chat"
	"chatter/internal/rbac"
	"chatter/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const chatHelp = "commands: /more  /image <ref>  /delete <n>  /away  /back  /quit"

var errQuit = errors.New("quit")

var chatCmd = &cobra.Command{
	Use:   "chat <code>",
	Short: "Open a group and chat interactively",
	Long: `Opens a group, prints its latest notes and keeps them in sync.

Every line you type is sent as a note. Lines starting with a slash are commands:
  /more          load older notes
  /image <ref>   post an image reference
  /delete <n>    delete note number n
  /away, /back   pause and resume live updates
  /quit          leave the chat`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	return withUser(ctx, func(rt *runtime, user store.User) error {
		group, err := rt.groups.GroupInfo(ctx, args[0])
		if err != nil {
			return err
		}
		if !group.HasMember(user.ID) {
			return fmt.Errorf("you are not a member of %s; run `chatter group join %s` first", group.Code, group.Code)
		}

		out := cmd.OutOrStdout()
		r := newRenderer(out)
		reg := prometheus.NewRegistry()
		ctrl := chat.NewController(rt.notes, rt.subscriber, chat.NewReadTracker(rt.readStatesFor(user.ID)), rt.notifier, chat.Options{
			UserID:        user.ID,
			WindowSize:    rt.cfg.WindowSize,
			MaxTextLength: rt.cfg.MaxTextLength,
			Notify:        rt.cfg.Notifications,
			RoleFor:       func(string) rbac.Role { return rbac.RoleIn(group, user.ID) },
			Logger:        rt.log,
			Metrics:       chat.NewMetrics(reg),
			OnUpdate:      r.render,
			OnError: func(err error) {
				r.printf("! live updates stopped: %v (type /back to reconnect)\n", err)
			},
		})

		if metricsAddr != "" {
			stop := serveMetrics(metricsAddr, reg, rt.log)
			defer stop()
		}

		r.printf("%s (%s)\n%s\n", group.Name, group.Code, chatHelp)
		if err := ctrl.OpenGroup(ctx, group.Code); err != nil {
			return err
		}
		defer ctrl.CloseGroup()

		lines := readLines(cmd.InOrStdin())
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				err := handleLine(ctx, ctrl, r, line)
				if errors.Is(err, errQuit) {
					return nil
				}
				if err != nil {
					r.printf("! %v\n", err)
				}
			}
		}
	})
}

func handleLine(ctx context.Context, ctrl *chat.Controller, r *renderer, line string) error {
	command, arg := parseLine(line)
	switch command {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/more":
		added, err := ctrl.LoadOlder(ctx)
		if err != nil {
			return err
		}
		if added == 0 && !ctrl.View().HasMoreOlder {
			r.printf("(start of conversation)\n")
		}
		return nil
	case "/image":
		_, err := ctrl.Send(ctx, chat.Draft{Kind: store.KindImage, ImageRef: arg})
		return err
	case "/delete":
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: /delete <note number>")
		}
		return ctrl.Delete(ctx, store.FormatKey(n))
	case "/away":
		ctrl.Background()
		r.printf("(paused)\n")
		return nil
	case "/back":
		return ctrl.Foreground(ctx)
	case "/help":
		r.printf("%s\n", chatHelp)
		return nil
	case "text":
		_, err := ctrl.Send(ctx, chat.Draft{Text: arg})
		return err
	default:
		return fmt.Errorf("unknown command %s", command)
	}
}

// parseLine splits a chat line into a slash command and its argument. Plain
// text comes back as the "text" command.
func parseLine(line string) (command, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	if !strings.HasPrefix(line, "/") {
		return "text", line
	}
	command, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(command), strings.TrimSpace(arg)
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// renderer prints each note once, in the order the sync layer reveals it.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[store.Key]bool
	newest  store.Key
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, printed: make(map[store.Key]bool)}
}

func (r *renderer) render(v chat.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var older []store.Note
	for _, note := range v.Notes {
		if r.printed[note.Key] {
			continue
		}
		r.printed[note.Key] = true
		if note.Key.Less(r.newest) {
			older = append(older, note)
			continue
		}
		r.newest = note.Key
		fmt.Fprintln(r.out, formatNote(note))
	}
	if len(older) > 0 {
		fmt.Fprintf(r.out, "--- %d earlier notes ---\n", len(older))
		for _, note := range older {
			fmt.Fprintln(r.out, formatNote(note))
		}
		fmt.Fprintln(r.out, "---")
	}
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func formatNote(note store.Note) string {
	number := string(note.Key)
	if n, err := store.ParseKey(note.Key); err == nil {
		number = strconv.FormatInt(n, 10)
	}
	stamp := note.CreatedAt.Local().Format("15:04")

	switch note.Kind {
	case store.KindSystem:
		return fmt.Sprintf("#%s %s * %s", number, stamp, note.Text)
	case store.KindImage:
		line := fmt.Sprintf("#%s %s %s sent an image: %s", number, stamp, note.SenderName, note.ImageRef)
		if note.Text != "" {
			line += " (" + note.Text + ")"
		}
		return line
	default:
		return fmt.Sprintf("#%s %s %s: %s", number, stamp, note.SenderName, note.Text)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
