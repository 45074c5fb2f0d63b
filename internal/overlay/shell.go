// Package overlay composes the connection, message stream, presence tracker and
// window controller into one mounted discussion overlay.
//
// The shell owns UI state only. Every store operation runs on its own goroutine
// and reports back through a re-render, so no method blocks on I/O.
package overlay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/discussion-service/internal/audit"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/chat"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/connection"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/presence"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/window"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
	"golang.org/x/time/rate"
)

// Connection is the connection manager as seen by an overlay.
type Connection interface {
	Acquire(ctx context.Context) (*connection.Handle, error)
	Retry(ctx context.Context) (*connection.Info, error)
	TestPermissions(ctx context.Context) error
	Status() domain.Status
	Watch(fn func(domain.Status)) (cancel func())
}

// MessageStream is the message log as seen by an overlay.
type MessageStream interface {
	Subscribe(ctx context.Context, topicID int64, fn func([]domain.Message), opts ...chat.SubscribeOption) (unsubscribe func())
	Send(ctx context.Context, topicID int64, content string, author domain.Identity) (string, error)
	SoftDelete(ctx context.Context, topicID int64, messageID string, requesterID int64) error
}

// Presence is the roster as seen by an overlay.
type Presence interface {
	Start(ctx context.Context, topicID int64, user domain.Identity) *presence.Session
	SubscribeRoster(ctx context.Context, topicID int64, fn func([]domain.OnlineUser)) (unsubscribe func())
}

// Config holds settings shared by every overlay.
type Config struct {
	Window      window.Config
	DefaultSize window.Size
	SendRate    rate.Limit
	SendBurst   int
	NoticeTTL   time.Duration
	Location    *time.Location
}

// DefaultConfig returns the standard overlay settings.
func DefaultConfig() Config {
	return Config{
		Window:      window.DefaultConfig(),
		DefaultSize: window.Size{Width: 500, Height: 600},
		SendRate:    5,
		SendBurst:   10,
		NoticeTTL:   5 * time.Second,
		Location:    time.Local,
	}
}

// Deps are the shared components an overlay composes.
type Deps struct {
	Conn     Connection
	Stream   MessageStream
	Presence Presence
	Config   Config
}

// Props are supplied by the host page for one mount.
type Props struct {
	TopicID       int64
	User          domain.Identity
	InitialWidth  string
	InitialHeight string
	Viewport      window.Size
	// OnToggleMinimize is invoked with the new minimized state.
	OnToggleMinimize func(minimized bool)
}

// ErrNotMounted is returned by operations on an overlay that is not mounted.
var ErrNotMounted = errors.New("overlay is not mounted")

// Shell is one mounted overlay.
type Shell struct {
	deps     Deps
	props    Props
	renderFn func(View)

	renderMu sync.Mutex
	inflight sync.WaitGroup

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	mounted   bool
	unmounted bool
	handle    *connection.Handle

	status       domain.Status
	blocked      *domain.Error
	bannerHidden bool
	notices      []Notice
	nextNotice   int

	minimized bool
	loaded    bool
	messages  []domain.Message
	roster    []domain.OnlineUser
	draft     string
	pending   int

	win     *window.Controller
	limiter *rate.Limiter

	stopMessages func()
	stopRoster   func()
	stopWatch    func()
	session      *presence.Session
}

// New creates an unmounted overlay. render receives every new View; it must not
// block and must not call back into the shell.
func New(deps Deps, props Props, render func(View)) *Shell {
	cfg := deps.Config
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = rate.Inf
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	deps.Config = cfg

	size := window.ParseSize(props.InitialWidth, props.InitialHeight, props.Viewport, cfg.DefaultSize)
	return &Shell{
		deps:     deps,
		props:    props,
		renderFn: render,
		win:      window.NewController(cfg.Window, size, props.Viewport),
		limiter:  rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
	}
}

// Mount starts the subscriptions and presence session and connects in the background.
func (s *Shell) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return errors.New("overlay already mounted")
	}
	s.mounted = true

	ctx = log.WithTopic(ctx, s.props.TopicID, s.props.User.UserID)
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.stopWatch = s.deps.Conn.Watch(s.onStatus)
	s.status = s.deps.Conn.Status()
	s.startMessagesLocked()
	s.stopRoster = s.deps.Presence.SubscribeRoster(s.ctx, s.props.TopicID, s.onRoster)
	s.session = s.deps.Presence.Start(s.ctx, s.props.TopicID, s.props.User)
	mountCtx := s.ctx
	s.mu.Unlock()

	go s.connect(mountCtx)

	audit.Log(mountCtx, audit.ActionMount, s.props.User.UserID, "overlay mounted")
	s.render()
	return nil
}

// Unmount stops every subscription and loop, leaves the roster and releases the
// connection. In-flight sends and deletes still complete.
func (s *Shell) Unmount() {
	s.mu.Lock()
	if !s.mounted || s.unmounted {
		s.mu.Unlock()
		return
	}
	s.unmounted = true
	stopWatch, stopMessages, stopRoster := s.stopWatch, s.stopMessages, s.stopRoster
	s.stopMessages = nil
	session := s.session
	handle := s.handle
	ctx := s.ctx
	s.mu.Unlock()

	// Wait out a render that began before the flag was set.
	s.renderMu.Lock()
	s.renderMu.Unlock()

	stopWatch()
	if stopMessages != nil {
		stopMessages()
	}
	stopRoster()
	session.Stop()
	s.cancel()

	audit.Log(ctx, audit.ActionUnmount, s.props.User.UserID, "overlay unmounted")

	if handle == nil {
		// connect has not returned yet; it releases the handle itself.
		return
	}
	go func() {
		<-session.Done()
		s.inflight.Wait()
		handle.Release()
	}()
}

// Wait blocks until sends and deletes started by this overlay have finished.
func (s *Shell) Wait() {
	s.inflight.Wait()
}

func (s *Shell) connect(ctx context.Context) {
	h, err := s.deps.Conn.Acquire(ctx)

	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		if h != nil {
			go func() {
				s.inflight.Wait()
				h.Release()
			}()
		}
		return
	}
	s.handle = h
	s.mu.Unlock()

	if err != nil {
		s.block(err)
		return
	}
	s.checkPermissions(ctx)
}

func (s *Shell) checkPermissions(ctx context.Context) {
	if err := s.deps.Conn.TestPermissions(ctx); err != nil {
		if ctx.Err() == nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("permission check failed")
			s.block(err)
		}
		return
	}

	s.mu.Lock()
	s.blocked = nil
	s.bannerHidden = false
	s.mu.Unlock()
	s.render()
}

// block disables input and raises the banner.
func (s *Shell) block(err error) {
	var de *domain.Error
	if !errors.As(err, &de) || (de.Kind != domain.KindPermission && de.Kind != domain.KindConnection) {
		kind := domain.KindConnection
		if domain.IsPermission(err) {
			kind = domain.KindPermission
		}
		de = domain.NewError(kind, "connect", "chat unavailable", err)
	}

	s.mu.Lock()
	s.blocked = de
	s.bannerHidden = false
	s.mu.Unlock()
	s.render()
}

func (s *Shell) onStatus(st domain.Status) {
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return
	}
	s.status = st
	switch {
	case st.State == domain.StateError:
		if s.blocked == nil || s.blocked.Kind != domain.KindPermission {
			s.blocked = domain.NewError(domain.KindConnection, "connect", "chat unavailable", errors.New(st.Reason))
			s.bannerHidden = false
		}
	case st.Connected() && s.blocked != nil && s.blocked.Kind == domain.KindConnection:
		s.blocked = nil
	}
	s.mu.Unlock()
	s.render()
}

func (s *Shell) startMessagesLocked() {
	if s.stopMessages != nil || s.minimized {
		return
	}
	s.loaded = false
	s.stopMessages = s.deps.Stream.Subscribe(s.ctx, s.props.TopicID, s.onMessages, chat.OnError(s.onStreamError))
}

func (s *Shell) onMessages(msgs []domain.Message) {
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return
	}
	s.messages = msgs
	s.loaded = true
	s.mu.Unlock()
	s.render()
}

func (s *Shell) onStreamError(err error) {
	if domain.IsPermission(err) {
		s.block(err)
	}
}

func (s *Shell) onRoster(users []domain.OnlineUser) {
	s.mu.Lock()
	if s.unmounted {
		s.mu.Unlock()
		return
	}
	s.roster = users
	s.mu.Unlock()
	s.render()
}

// ToggleMinimize flips the minimized state, pausing the message subscription
// while minimized, and tells the host.
func (s *Shell) ToggleMinimize() error {
	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return ErrNotMounted
	}
	s.minimized = !s.minimized
	minimized := s.minimized
	s.win.PointerUp()

	var stop func()
	if minimized {
		stop = s.stopMessages
		s.stopMessages = nil
	} else {
		s.startMessagesLocked()
	}
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if cb := s.props.OnToggleMinimize; cb != nil {
		cb(minimized)
	}
	s.render()
	return nil
}

// SetDraft records the input text. The renderer already shows it, so no render.
func (s *Shell) SetDraft(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked() {
		return ErrNotMounted
	}
	s.draft = text
	return nil
}

// InsertEmoji appends one of Emojis to the draft.
func (s *Shell) InsertEmoji(emoji string) error {
	if !isEmoji(emoji) {
		return domain.NewError(domain.KindValidation, "insert_emoji", "unknown emoji", nil)
	}

	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return ErrNotMounted
	}
	s.draft += emoji
	s.mu.Unlock()
	s.render()
	return nil
}

func isEmoji(e string) bool {
	for _, v := range Emojis {
		if v == e {
			return true
		}
	}
	return false
}

// Send clears the draft and writes it in the background. A failed write puts the
// text back into the input, or into the notice when the user typed something new.
// An empty draft is ignored.
func (s *Shell) Send() error {
	const op = "send"

	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return ErrNotMounted
	}
	content := strings.TrimSpace(s.draft)
	if content == "" {
		s.mu.Unlock()
		return nil
	}
	if !s.inputEnabledLocked() {
		var cause error = domain.ErrNotConnected
		if s.blocked != nil {
			cause = s.blocked
		}
		s.mu.Unlock()
		return domain.NewError(domain.KindSend, op, "chat unavailable", cause)
	}
	if !s.limiter.Allow() {
		err := domain.NewError(domain.KindSend, op, "sending too fast, wait a moment", domain.ErrRateLimited)
		s.addNoticeLocked(err, "")
		s.mu.Unlock()
		s.render()
		return err
	}

	s.draft = ""
	s.pending++
	s.inflight.Add(1)
	ctx := context.WithoutCancel(s.ctx)
	s.mu.Unlock()
	s.render()

	go s.deliver(ctx, content)
	return nil
}

func (s *Shell) deliver(ctx context.Context, content string) {
	defer s.inflight.Done()

	id, err := s.deps.Stream.Send(ctx, s.props.TopicID, content, s.props.User)

	s.mu.Lock()
	s.pending--
	if err != nil {
		kept := content
		if s.draft == "" {
			s.draft = content
			kept = ""
		}
		s.addNoticeLocked(err, kept)
	}
	s.mu.Unlock()

	if err != nil {
		audit.LogWithDetail(ctx, audit.ActionSendFailed, s.props.User.UserID, err.Error(), "message send failed")
	} else {
		audit.LogTarget(ctx, audit.ActionSendMessage, s.props.User.UserID, id, "message sent")
	}
	s.render()
}

// Delete soft-deletes one of the viewer's own messages.
func (s *Shell) Delete(messageID string) error {
	const op = "delete"

	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return ErrNotMounted
	}

	var target *domain.Message
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			target = &s.messages[i]
			break
		}
	}

	var err error
	switch {
	case target == nil:
		err = domain.NewError(domain.KindDelete, op, "message not found", domain.ErrNotFound)
	case target.SenderID != s.props.User.UserID:
		err = domain.NewError(domain.KindDelete, op, "cannot delete this message", domain.ErrNotSender)
	case target.IsDeleted:
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.addNoticeLocked(err, "")
		s.mu.Unlock()
		s.render()
		return err
	}

	s.inflight.Add(1)
	ctx := context.WithoutCancel(s.ctx)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		if err := s.deps.Stream.SoftDelete(ctx, s.props.TopicID, messageID, s.props.User.UserID); err != nil {
			s.mu.Lock()
			s.addNoticeLocked(err, "")
			s.mu.Unlock()
			audit.LogWithDetail(ctx, audit.ActionDeleteFailed, s.props.User.UserID, err.Error(), "message delete failed")
			s.render()
			return
		}
		audit.LogTarget(ctx, audit.ActionDeleteMessage, s.props.User.UserID, messageID, "message deleted")
	}()
	return nil
}

// Retry reconnects and re-runs the permission check.
func (s *Shell) Retry() error {
	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return ErrNotMounted
	}
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		if _, err := s.deps.Conn.Retry(ctx); err != nil {
			if ctx.Err() == nil {
				s.block(err)
			}
			return
		}
		s.checkPermissions(ctx)
	}()
	return nil
}

// DismissBanner hides the banner. Input stays disabled until the problem is resolved.
func (s *Shell) DismissBanner() error {
	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return ErrNotMounted
	}
	s.bannerHidden = true
	s.mu.Unlock()
	s.render()
	return nil
}

// DismissNotice removes the notice with the given id.
func (s *Shell) DismissNotice(id int) error {
	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return ErrNotMounted
	}
	removed := false
	for i, n := range s.notices {
		if n.ID == id {
			s.notices = append(s.notices[:i], s.notices[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()

	if removed {
		s.render()
	}
	return nil
}

// PointerDown starts a drag or resize gesture.
func (s *Shell) PointerDown(target window.Target, p window.Point) error {
	return s.gesture(func(c *window.Controller) bool { return c.PointerDown(target, p) })
}

// PointerMove updates the active gesture.
func (s *Shell) PointerMove(p window.Point) error {
	return s.gesture(func(c *window.Controller) bool { return c.PointerMove(p) })
}

// PointerUp ends the active gesture.
func (s *Shell) PointerUp() error {
	return s.gesture(func(c *window.Controller) bool {
		was := c.Captured()
		c.PointerUp()
		return was
	})
}

// SetViewport re-applies the size bounds for a new viewport.
func (s *Shell) SetViewport(v window.Size) error {
	return s.gesture(func(c *window.Controller) bool { return c.SetViewport(v) })
}

func (s *Shell) gesture(apply func(*window.Controller) bool) error {
	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return ErrNotMounted
	}
	changed := apply(s.win)
	s.mu.Unlock()

	if changed {
		s.render()
	}
	return nil
}

// View returns the current view.
func (s *Shell) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Shell) activeLocked() bool {
	return s.mounted && !s.unmounted
}

func (s *Shell) inputEnabledLocked() bool {
	return s.activeLocked() && s.blocked == nil && s.status.Connected()
}

func (s *Shell) addNoticeLocked(err error, kept string) {
	s.nextNotice++
	id := s.nextNotice
	s.notices = append(s.notices, Notice{
		ID:      id,
		Kind:    domain.KindOf(err).String(),
		Message: noticeText(err),
		Draft:   kept,
	})

	if ttl := s.deps.Config.NoticeTTL; ttl > 0 {
		time.AfterFunc(ttl, func() { _ = s.DismissNotice(id) })
	}
}

func noticeText(err error) string {
	var de *domain.Error
	if !errors.As(err, &de) {
		return err.Error()
	}
	if de.Err != nil {
		return de.Message + ": " + de.Err.Error()
	}
	return de.Message
}

func bannerFor(e *domain.Error) *Banner {
	if e.Kind == domain.KindPermission {
		return &Banner{
			Kind:    e.Kind.String(),
			Message: "You do not have permission to use this discussion. Check your access, then retry.",
		}
	}
	msg := "Chat is unavailable right now."
	if e.Err != nil && e.Err.Error() != "" {
		msg = "Chat is unavailable: " + e.Err.Error()
	}
	return &Banner{Kind: e.Kind.String(), Message: msg}
}

func (s *Shell) viewLocked() View {
	g := s.win.Geometry()
	v := View{
		TopicID:      s.props.TopicID,
		Minimized:    s.minimized,
		Loading:      !s.loaded && !s.minimized,
		Status:       s.status,
		Notices:      append([]Notice(nil), s.notices...),
		Messages:     messageViews(s.messages, s.props.User.UserID, s.deps.Config.Location),
		Roster:       append([]domain.OnlineUser(nil), s.roster...),
		Online:       len(s.roster),
		Draft:        s.draft,
		InputEnabled: s.inputEnabledLocked(),
		Pending:      s.pending,
		Geometry:     g,
		Gesture:      s.win.Gesture().String(),
		Captured:     s.win.Captured(),
		Emojis:       Emojis,
	}
	if s.blocked != nil && !s.bannerHidden {
		v.Banner = bannerFor(s.blocked)
	}
	return v
}

func (s *Shell) render() {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	s.mu.Lock()
	if s.unmounted || s.renderFn == nil {
		s.mu.Unlock()
		return
	}
	v := s.viewLocked()
	s.mu.Unlock()

	s.renderFn(v)
}
