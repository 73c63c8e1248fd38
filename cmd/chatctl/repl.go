package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/peterh/liner"
	"golang.org/x/term"

	"ollamachat/internal/client"
	"ollamachat/internal/models"
)

const requestTimeout = 30 * time.Second

type repl struct {
	cfg      Config
	client   *client.Client
	line     *liner.State
	out      io.Writer
	renderer *glamour.TermRenderer

	mu     sync.Mutex
	cancel context.CancelFunc
	exit   func(code int)

	// attachments are sent with the next message
	attachments []int64
}

func newREPL(cfg Config, c *client.Client, out io.Writer) *repl {
	r := &repl{cfg: cfg, client: c, out: out, exit: os.Exit}
	if cfg.Markdown && term.IsTerminal(int(os.Stdout.Fd())) {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(cfg.WordWrap),
		)
		if err == nil {
			r.renderer = renderer
		}
	}
	return r
}

// run reads lines until /quit, Ctrl+D or Ctrl+C at the prompt.
func (r *repl) run() error {
	r.line = liner.NewLiner()
	r.line.SetCtrlCAborts(true)
	defer r.line.Close()
	r.loadHistory()
	defer r.saveHistory()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for sig := range sigChan {
			if r.onSignal(sig) {
				r.shutdown()
				return
			}
		}
	}()

	r.greet()
	for {
		input, err := r.line.Prompt(r.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.line.AppendHistory(input)

		if cmd, ok := parseCommand(input); ok {
			quit, err := r.handle(cmd)
			if err != nil {
				fmt.Fprintf(r.out, "[error] %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := r.send(input); err != nil {
			fmt.Fprintf(r.out, "[error] %v\n", err)
		}
	}
}

func (r *repl) loadHistory() {
	if f, err := os.Open(r.cfg.HistoryFile); err == nil {
		_, _ = r.line.ReadHistory(f)
		f.Close()
	}
}

func (r *repl) saveHistory() {
	if err := os.MkdirAll(filepath.Dir(r.cfg.HistoryFile), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(r.cfg.HistoryFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = r.line.WriteHistory(f)
}

func (r *repl) greet() {
	store := r.client.Store()
	switch {
	case store.User() != nil:
		fmt.Fprintf(r.out, "logged in as %s. /help lists commands, Ctrl+C stops a reply.\n", store.User().Username)
	case store.GuestToken() != "":
		fmt.Fprintf(r.out, "guest mode, %d messages left. /help lists commands.\n", store.GuestRemaining())
	default:
		fmt.Fprintln(r.out, "not logged in. Use /login, /register or /guest. /help lists commands.")
	}
}

func (r *repl) prompt() string {
	state := r.client.Store().Snapshot()
	switch {
	case state.User != nil && state.CurrentSession > 0:
		return fmt.Sprintf("%s#%d> ", state.User.Username, state.CurrentSession)
	case state.User != nil:
		return state.User.Username + "> "
	case state.GuestToken != "":
		return fmt.Sprintf("guest(%d)> ", r.client.Store().GuestRemaining())
	}
	return "> "
}

// onSignal stops the reply in flight and reports whether the process should
// exit. Interrupt only ends a reply; Ctrl+C at the prompt reaches liner as a
// key press. SIGTERM always ends the session.
func (r *repl) onSignal(sig os.Signal) bool {
	r.stopGeneration()
	return sig == syscall.SIGTERM
}

// shutdown leaves the terminal usable and exits. The prompt goroutine is
// still blocked reading stdin, so returning from run is not an option.
func (r *repl) shutdown() {
	if r.line != nil {
		r.saveHistory()
		r.line.Close()
	}
	fmt.Fprintln(r.out)
	r.exit(0)
}

// stopGeneration cancels the reply in flight, if any.
func (r *repl) stopGeneration() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
		fmt.Fprintln(r.out, "\n[stopped]")
	}
}

func (r *repl) send(content string) error {
	store := r.client.Store()
	loggedIn := store.AuthToken() != ""
	if !loggedIn && store.GuestToken() == "" {
		return errors.New("log in with /login or start guest mode with /guest")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	var onDelta client.DeltaFunc
	if r.renderer == nil {
		onDelta = func(d string) { fmt.Fprint(r.out, d) }
	}
	state := store.Snapshot()
	params := state.ModelParameters
	model := r.cfg.DefaultModel
	if params != nil && params.Model != "" {
		model = params.Model
	}

	var (
		res *client.ChatResult
		err error
	)
	if loggedIn {
		res, err = r.client.Chat(ctx, client.ChatRequest{
			SessionID:     state.CurrentSession,
			Content:       content,
			Provider:      r.cfg.Provider,
			Model:         model,
			Options:       params,
			AttachmentIDs: r.attachments,
		}, onDelta)
		if err == nil || (res != nil && res.UserMessage != nil) {
			r.attachments = nil
		}
	} else {
		res, err = r.client.GuestChat(ctx, content, model, params, onDelta)
	}
	if res != nil {
		r.showReply(res)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, client.ErrGuestLimit) {
		return errors.New("guest limit reached, /register or /login to keep chatting")
	}
	if errors.Is(err, client.ErrUnauthorized) {
		return errors.New("session expired, please /login again")
	}
	return err
}

func (r *repl) showReply(res *client.ChatResult) {
	if r.renderer != nil && res.Content != "" {
		if rendered, err := r.renderer.Render(res.Content); err == nil {
			fmt.Fprint(r.out, rendered)
		} else {
			fmt.Fprintln(r.out, res.Content)
		}
	} else {
		fmt.Fprintln(r.out)
	}
	var notes []string
	if res.Stopped {
		notes = append(notes, "stopped")
	}
	if res.Stats.TokensPerSecond > 0 {
		notes = append(notes, fmt.Sprintf("%.1f tok/s", res.Stats.TokensPerSecond))
	}
	if res.Title != "" {
		notes = append(notes, "title: "+res.Title)
	}
	if r.client.Store().AuthToken() == "" && res.Remaining >= 0 {
		notes = append(notes, fmt.Sprintf("%d guest messages left", r.client.Store().GuestRemaining()))
	}
	if len(notes) > 0 {
		fmt.Fprintf(r.out, "(%s)\n", strings.Join(notes, ", "))
	}
}

func (r *repl) handle(cmd command) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	store := r.client.Store()

	switch cmd.Name {
	case "/quit", "/q", "/exit":
		return true, nil
	case "/help", "/h", "/?":
		for _, h := range helpText {
			fmt.Fprintf(r.out, "  %-30s %s\n", h.usage, h.text)
		}
	case "/login":
		identifier, password, err := r.credentials(cmd.Args, false)
		if err != nil {
			return false, err
		}
		user, err := r.client.Login(ctx, identifier, password)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "welcome back, %s\n", user.Username)
		if _, err := r.client.ModelParameters(ctx); err != nil {
			fmt.Fprintf(r.out, "[warn] could not load model parameters: %v\n", err)
		}
	case "/register":
		username, password, err := r.credentials(cmd.Args, true)
		if err != nil {
			return false, err
		}
		email, err := r.line.Prompt("email (optional): ")
		if err != nil {
			return false, err
		}
		if _, err := r.client.Register(ctx, username, strings.TrimSpace(email), password); err != nil {
			return false, err
		}
		if _, err := r.client.Login(ctx, username, password); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "account %s created and logged in\n", username)
	case "/guest":
		if store.AuthToken() != "" {
			return false, errors.New("already logged in, /logout first")
		}
		if store.GuestRemaining() == 0 {
			return false, errors.New("guest limit reached, /register or /login to keep chatting")
		}
		remaining, err := r.client.StartGuest(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "guest mode, %d messages left\n", remaining)
	case "/logout":
		if err := r.client.Logout(ctx); err != nil {
			return false, err
		}
		r.attachments = nil
		fmt.Fprintln(r.out, "logged out")
	case "/sessions":
		sessions, err := r.client.Sessions(ctx)
		if err != nil {
			return false, err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(r.out, "no sessions yet")
		}
		current := store.Snapshot().CurrentSession
		for _, s := range sessions {
			marker := " "
			if s.ID == current {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %4d  %-40s %s\n", marker, s.ID, s.Title, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
	case "/open":
		id, err := parseID(cmd.Args)
		if err != nil {
			return false, err
		}
		session, messages, err := r.client.Session(ctx, id)
		if err != nil {
			return false, err
		}
		if err := store.Update(func(st *client.State) { st.CurrentSession = id }); err != nil {
			return false, err
		}
		r.attachments = nil
		fmt.Fprintf(r.out, "== %s ==\n", session.Title)
		for _, m := range messages {
			fmt.Fprintf(r.out, "[%s] %s\n", m.Role, m.Content)
		}
	case "/new":
		if err := store.Update(func(st *client.State) { st.CurrentSession = 0 }); err != nil {
			return false, err
		}
		r.attachments = nil
		fmt.Fprintln(r.out, "new session starts with your next message")
	case "/rename":
		current := store.Snapshot().CurrentSession
		if current == 0 {
			return false, errors.New("no session open")
		}
		if cmd.Rest == "" {
			return false, errors.New("usage: /rename <title>")
		}
		session, err := r.client.RenameSession(ctx, current, cmd.Rest)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "renamed to %q\n", session.Title)
	case "/delete":
		id, err := parseID(cmd.Args)
		if err != nil {
			return false, err
		}
		if err := r.client.DeleteSession(ctx, id); err != nil {
			return false, err
		}
		if store.Snapshot().CurrentSession == id {
			_ = store.Update(func(st *client.State) { st.CurrentSession = 0 })
		}
		fmt.Fprintf(r.out, "session %d deleted\n", id)
	case "/models":
		list, def, err := r.client.Models(ctx)
		if err != nil {
			return false, err
		}
		for _, m := range list {
			marker := " "
			if m.Name == def {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %-32s %8.1f GB  %s\n", marker, m.Name, float64(m.Size)/(1<<30), m.Details.ParameterSize)
		}
	case "/set":
		return false, r.setParam(ctx, cmd.Rest)
	case "/upload":
		return false, r.upload(ctx, cmd.Rest)
	case "/export":
		if len(cmd.Args) != 3 {
			return false, errors.New("usage: /export <id> <format> <file>")
		}
		id, err := parseID(cmd.Args)
		if err != nil {
			return false, err
		}
		export, err := r.client.ExportSession(ctx, id, cmd.Args[1])
		if err != nil {
			return false, err
		}
		if err := os.WriteFile(cmd.Args[2], export.Data, 0o644); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "wrote %s (%d bytes)\n", cmd.Args[2], len(export.Data))
	default:
		return false, fmt.Errorf("unknown command %s, try /help", cmd.Name)
	}
	return false, nil
}

// credentials takes the name from args or prompts for it, then reads the
// password without echo.
func (r *repl) credentials(args []string, confirm bool) (string, string, error) {
	var name string
	if len(args) > 0 {
		name = args[0]
	} else {
		input, err := r.line.Prompt("username or email: ")
		if err != nil {
			return "", "", err
		}
		name = strings.TrimSpace(input)
	}
	if name == "" {
		return "", "", errors.New("username required")
	}
	password, err := r.line.PasswordPrompt("password: ")
	if err != nil {
		return "", "", err
	}
	if confirm {
		again, err := r.line.PasswordPrompt("repeat password: ")
		if err != nil {
			return "", "", err
		}
		if again != password {
			return "", "", errors.New("passwords do not match")
		}
	}
	return name, password, nil
}

func (r *repl) setParam(ctx context.Context, arg string) error {
	key, value, err := parseAssignment(arg)
	if err != nil {
		return err
	}
	store := r.client.Store()
	params := models.ModelParameters{}
	if cur := store.Snapshot().ModelParameters; cur != nil {
		params = *cur
	}
	if err := applyParam(&params, key, value); err != nil {
		return err
	}
	if store.AuthToken() != "" {
		if _, err := r.client.SetModelParameters(ctx, &params); err != nil {
			return err
		}
	} else if err := store.Update(func(st *client.State) { st.ModelParameters = &params }); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s updated\n", key)
	return nil
}

// upload attaches a file to the current session, creating one when needed.
func (r *repl) upload(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("usage: /upload <path>")
	}
	store := r.client.Store()
	if store.AuthToken() == "" {
		return errors.New("uploads need an account, /login first")
	}
	sessionID := store.Snapshot().CurrentSession
	if sessionID == 0 {
		session, err := r.client.CreateSession(ctx, filepath.Base(path))
		if err != nil {
			return err
		}
		sessionID = session.ID
		if err := store.Update(func(st *client.State) { st.CurrentSession = sessionID }); err != nil {
			return err
		}
	}
	att, err := r.client.Upload(ctx, sessionID, path)
	if err != nil {
		return err
	}
	r.attachments = append(r.attachments, att.ID)
	fmt.Fprintf(r.out, "attached %s (%d bytes) to the next message\n", att.FileName, att.Size)
	return nil
}
