// ABOUTME: Client commands: an interactive chat session and profile get/set
// ABOUTME: Connects to a gateway over HTTP using a bearer token and runs a full session

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/client"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/send"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/upload"
)

const defaultGatewayURL = "http://" + config.DefaultHTTPAddr

// connFlags are the flags shared by commands that talk to a gateway.
type connFlags struct {
	url      string
	token    string
	logLevel string
}

func (f *connFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "gateway base URL (default $"+envGatewayURL+")")
	cmd.Flags().StringVar(&f.token, "token", "", "API token (default $"+envToken+")")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "warn", "log level")
}

// connect builds a client, taking the user id from the token subject.
func (f *connFlags) connect(logger *slog.Logger) (*client.Client, error) {
	baseURL := firstNonEmpty(f.url, os.Getenv(envGatewayURL), defaultGatewayURL)
	token := firstNonEmpty(f.token, os.Getenv(envToken))
	if token == "" {
		return nil, fmt.Errorf("no token: pass --token or set %s", envToken)
	}
	userID, err := tokenSubject(token)
	if err != nil {
		return nil, err
	}
	return client.New(baseURL, userID, token, client.Options{Logger: logger}), nil
}

// tokenSubject reads the sub claim without verifying; the gateway verifies.
func tokenSubject(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or change user profiles",
	}

	var getFlags connFlags
	get := &cobra.Command{
		Use:   "get [user-id]",
		Short: "Show a profile with presence (default: yourself)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getFlags.connect(setupLogger(config.LoggingConfig{Level: getFlags.logLevel}, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			userID := c.UserID()
			if len(args) == 1 {
				userID = args[0]
			}
			p, err := c.Resolve(cmd.Context(), userID)
			if err != nil {
				return err
			}
			printProfile(cmd.OutOrStdout(), p)
			return nil
		},
	}
	getFlags.register(get)

	var setFlags connFlags
	var name, avatar string
	set := &cobra.Command{
		Use:   "set",
		Short: "Set your display name and avatar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := setFlags.connect(setupLogger(config.LoggingConfig{Level: setFlags.logLevel}, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			p, err := c.UpdateProfile(cmd.Context(), name, avatar)
			if err != nil {
				return err
			}
			printProfile(cmd.OutOrStdout(), p)
			return nil
		},
	}
	setFlags.register(set)
	set.Flags().StringVar(&name, "name", "", "display name")
	set.Flags().StringVar(&avatar, "avatar", "", "avatar URL")
	_ = set.MarkFlagRequired("name")

	cmd.AddCommand(get, set)
	return cmd
}

func printProfile(out io.Writer, p store.Profile) {
	fmt.Fprintf(out, "%s %s (%s)\n", statusDot(p.Status), color.New(color.Bold).Sprint(p.DisplayName), p.UserID)
	if p.AvatarURL != "" {
		fmt.Fprintf(out, "  avatar    %s\n", p.AvatarURL)
	}
	if !p.LastSeen.IsZero() {
		fmt.Fprintf(out, "  last seen %s\n", p.LastSeen.Local().Format(time.DateTime))
	}
}

func statusDot(s store.Status) string {
	switch s {
	case store.StatusOnline:
		return color.GreenString("●")
	case store.StatusBusy:
		return color.YellowString("●")
	default:
		return color.HiBlackString("○")
	}
}

func newChatCommand() *cobra.Command {
	var flags connFlags
	var peer string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Lines are sent to the open conversation. Commands:
  /open <user>       open (or create) a conversation with user
  /list              list conversations
  /file <path>       send a file
  /status <status>   set presence: online, busy or offline
  /stats             show live feed counts
  /quit              leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := setupLogger(config.LoggingConfig{Level: flags.logLevel}, cmd.ErrOrStderr())
			c, err := flags.connect(logger)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), c, peer, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&peer, "peer", "", "open a conversation with this user on start")
	return cmd
}

// chatUI prints session updates and tracks which messages were shown.
type chatUI struct {
	mu   sync.Mutex
	out  io.Writer
	sess *session.Session
	seen map[string]bool
}

func runChat(ctx context.Context, c *client.Client, peer string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	me, err := c.Resolve(ctx, c.UserID())
	if errors.Is(err, store.ErrNotFound) {
		me = store.Profile{UserID: c.UserID(), DisplayName: c.UserID()}
	} else if err != nil {
		return fmt.Errorf("resolving own profile: %w", err)
	}

	sess := session.New(session.StaticIdentity(me), c, c, session.Options{
		ReconcileWindow: config.DefaultReconcileWindow,
		SendTimeout:     config.DefaultSendTimeout,
		SendRetries:     config.DefaultSendRetries,
		Logger:          logger,
	})
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess.Close(closeCtx)
	}()

	ui := &chatUI{out: out, sess: sess, seen: make(map[string]bool)}
	fmt.Fprintf(out, "signed in as %s. /quit to leave.\n", color.New(color.Bold).Sprint(me.DisplayName))

	if peer != "" {
		if err := ui.open(ctx, peer); err != nil {
			return err
		}
	}

	go ui.watch(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := ui.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				ui.printf("%s\n", color.RedString("! %v", err))
			}
			if quit {
				return nil
			}
		}
	}
}

func (u *chatUI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}

// handle runs one input line and reports whether the user asked to quit.
func (u *chatUI) handle(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := u.sess.Send(ctx, send.Composition{Text: line})
		return false, err
	}

	verb, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch verb {
	case "/quit", "/exit":
		return true, nil
	case "/open":
		if arg == "" {
			return false, errors.New("usage: /open <user>")
		}
		return false, u.open(ctx, arg)
	case "/list":
		u.list()
		return false, nil
	case "/file":
		return false, u.sendFile(ctx, arg)
	case "/status":
		return false, u.sess.SetStatus(ctx, store.Status(arg))
	case "/stats":
		st := u.sess.Stats()
		u.printf("conversation feeds %d, message feeds %d, active %q\n", st.ConversationFeeds, st.MessageFeeds, st.Active)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", verb)
	}
}

func (u *chatUI) open(ctx context.Context, peer string) error {
	conv, err := u.sess.Open(ctx, peer)
	if err != nil {
		return fmt.Errorf("opening conversation with %s: %w", peer, err)
	}
	u.printf("%s\n", color.CyanString("-- %s --", u.name(peer)))
	u.showNew(conv.ID)
	return nil
}

func (u *chatUI) sendFile(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("usage: /file <path>")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = u.sess.Send(ctx, send.Composition{Files: []upload.File{{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Data:        f,
	}}})
	return err
}

func (u *chatUI) list() {
	for _, conv := range u.sess.Conversations() {
		peer := conv.Peer(u.sess.UserID())
		marker := " "
		if conv.ID == u.sess.Active() {
			marker = "*"
		}
		u.printf("%s %s %s\n", marker, u.name(peer), color.HiBlackString(conv.ID))
	}
}

func (u *chatUI) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-u.sess.Updates():
			if !ok {
				return
			}
			switch up.Kind {
			case session.UpdateMessages:
				if up.ConversationID == u.sess.Active() {
					u.showNew(up.ConversationID)
				}
			case session.UpdateFeedError:
				u.printf("%s\n", color.YellowString("feed ended: %v", up.Err))
			}
		}
	}
}

// showNew prints confirmed messages not printed before.
func (u *chatUI) showNew(conversationID string) {
	for _, m := range u.sess.MessagesFor(conversationID) {
		if m.Pending {
			continue
		}
		u.mu.Lock()
		dup := u.seen[m.ID]
		u.seen[m.ID] = true
		u.mu.Unlock()
		if dup {
			continue
		}
		u.printf("%s %s %s\n",
			color.HiBlackString(m.CreatedAt.Local().Format("15:04")),
			color.New(color.Bold).Sprint(u.name(m.SenderID)+":"),
			describe(m))
	}
}

func (u *chatUI) name(userID string) string {
	if p, ok := u.sess.Profile(userID); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return userID
}

// describe renders a message body for the terminal.
func describe(m *store.Message) string {
	switch {
	case m.Poll != nil:
		return fmt.Sprintf("[poll] %s (%s)", m.Poll.Question, strings.Join(m.Poll.Options, " / "))
	case m.Sticker != nil:
		return "[sticker " + m.Sticker.ID + "]"
	case len(m.MediaURLs) > 0:
		return strings.TrimSpace(fmt.Sprintf("%s [%s] %s", m.Content, m.MediaType, strings.Join(m.MediaURLs, " ")))
	default:
		return m.Content
	}
}
