// Package userbot connects linked user accounts over MTProto. A session is
// created from an already-authorized session file; Login performs the
// interactive sign-in that produces one.
package userbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"relaybot/internal/domain"
)

// Options configure the Dialer.
type Options struct {
	SessionDir string // one session file per application id
	Logger     *slog.Logger
}

// Dialer implements domain.Dialer over gotd.
type Dialer struct {
	sessionDir string
	logger     *slog.Logger
}

func NewDialer(opts Options) *Dialer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dialer{sessionDir: opts.SessionDir, logger: opts.Logger.With("component", "userbot")}
}

// SessionPath is where the session file of an account lives.
func (d *Dialer) SessionPath(cred domain.Credential) string {
	return filepath.Join(d.sessionDir, fmt.Sprintf("%d.session.json", cred.AppID))
}

// Dial prepares a session for an account whose session file already exists.
func (d *Dialer) Dial(_ context.Context, cred domain.Credential) (domain.Session, error) {
	path := d.SessionPath(cred)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: no session file for account %d (run `relaybot accounts login %d`)",
			domain.ErrSessionTerminal, cred.AppID, cred.AppID)
	}
	return newSession(cred, path, d.logger.With("account", cred.AppID)), nil
}

// Login signs the account in interactively, writing its session file. code
// is asked for the login code sent by Telegram; password is the optional
// two-step verification password.
func (d *Dialer) Login(ctx context.Context, cred domain.Credential, password string, code func(ctx context.Context) (string, error)) error {
	if err := os.MkdirAll(d.sessionDir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	client := telegram.NewClient(int(cred.AppID), cred.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: d.SessionPath(cred)},
	})
	codeAuth := auth.CodeAuthenticatorFunc(func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
		return code(ctx)
	})
	flow := auth.NewFlow(auth.Constant(cred.Identity, password, codeAuth), auth.SendCodeOptions{})

	return client.Run(ctx, func(ctx context.Context) error {
		if err := client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("sign in %s: %w", cred.Identity, err)
		}
		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("get self: %w", err)
		}
		d.logger.Info("account signed in", "account", cred.AppID, "user_id", self.ID, "username", self.Username)
		return nil
	})
}

// Session is one MTProto connection.
type Session struct {
	cred   domain.Credential
	logger *slog.Logger
	client *telegram.Client
	peers  *peerCache
	files  fileIndex

	mu      sync.RWMutex
	api     *tg.Client
	selfID  int64
	onEvent domain.EventHandler
}

func newSession(cred domain.Credential, path string, logger *slog.Logger) *Session {
	s := &Session{cred: cred, logger: logger, peers: newPeerCache()}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		s.handleMessage(e, u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		s.handleMessage(e, u.Message)
		return nil
	})

	s.client = telegram.NewClient(int(cred.AppID), cred.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: path},
		UpdateHandler:  dispatcher,
	})
	return s
}

func (s *Session) Run(ctx context.Context, ready func(), onEvent domain.EventHandler) error {
	s.mu.Lock()
	s.onEvent = onEvent
	s.mu.Unlock()

	return s.client.Run(ctx, func(ctx context.Context) error {
		status, err := s.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return fmt.Errorf("%w: session for %s is not authorized", domain.ErrSessionTerminal, s.cred.Identity)
		}
		self, err := s.client.Self(ctx)
		if err != nil {
			return fmt.Errorf("get self: %w", err)
		}

		api := s.client.API()
		s.mu.Lock()
		s.api = api
		s.selfID = self.ID
		s.mu.Unlock()

		if err := s.loadDialogs(ctx, api); err != nil {
			s.logger.Warn("preloading dialogs failed", "err", err)
		}

		s.logger.Info("session active", "user_id", self.ID, "username", self.Username)
		ready()
		<-ctx.Done()
		return ctx.Err()
	})
}

// loadDialogs fills the peer cache so replies can reach conversations that
// have not produced an update since start.
func (s *Session) loadDialogs(ctx context.Context, api *tg.Client) error {
	res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return err
	}
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		s.peers.addClasses(d.Users, d.Chats)
	case *tg.MessagesDialogsSlice:
		s.peers.addClasses(d.Users, d.Chats)
	}
	return nil
}

func (s *Session) handleMessage(e tg.Entities, m tg.MessageClass) {
	s.peers.addEntities(e)

	msg, ok := m.(*tg.Message)
	if !ok {
		return
	}
	conv, err := conversationOf(msg.PeerID)
	if err != nil {
		s.logger.Debug("skipping message", "err", err)
		return
	}

	ev := domain.InboundEvent{
		AccountID:      s.cred.AccountID(),
		ConversationID: conv,
		MessageID:      int64(msg.ID),
		Outgoing:       msg.Out,
		Content:        contentOf(msg, &s.files),
		ReceivedAt:     time.Unix(int64(msg.Date), 0),
	}
	if from, ok := msg.GetFromID(); ok {
		if u, ok := from.(*tg.PeerUser); ok {
			ev.SenderID = u.UserID
		}
	} else if p, ok := msg.PeerID.(*tg.PeerUser); ok && !msg.Out {
		ev.SenderID = p.UserID
	}

	s.mu.RLock()
	onEvent := s.onEvent
	s.mu.RUnlock()
	if onEvent != nil {
		onEvent(ev)
	}
}

func (s *Session) apiClient() (*tg.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.api == nil {
		return nil, errors.New("session not running")
	}
	return s.api, nil
}

func (s *Session) SelfID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfID
}

func (s *Session) ChatInfo(_ context.Context, conversationID int64) (domain.ChatInfo, error) {
	info, ok := s.peers.chat(conversationID)
	if !ok {
		return domain.ChatInfo{}, fmt.Errorf("conversation %d not in peer cache", conversationID)
	}
	return info, nil
}

func (s *Session) UserInfo(ctx context.Context, userID int64) (domain.Sender, error) {
	if u, ok := s.peers.user(userID); ok {
		return u, nil
	}
	return domain.Sender{}, fmt.Errorf("user %d not in peer cache", userID)
}

func (s *Session) Send(ctx context.Context, conversationID int64, c domain.Content) error {
	api, err := s.apiClient()
	if err != nil {
		return err
	}
	peer, ok := s.peers.peer(conversationID)
	if !ok {
		return fmt.Errorf("conversation %d not in peer cache", conversationID)
	}

	if c.Kind == domain.KindText {
		_, err := api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  c.Text,
			RandomID: rand.Int63(),
		})
		return err
	}
	if c.LocalPath == "" {
		return fmt.Errorf("%s content has no local file", c.Kind)
	}

	file, err := uploader.NewUploader(api).FromPath(ctx, c.LocalPath)
	if err != nil {
		return fmt.Errorf("upload %s: %w", c.Kind, err)
	}
	media, err := inputMedia(c, file)
	if err != nil {
		return err
	}
	_, err = api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    media,
		Message:  c.Caption,
		RandomID: rand.Int63(),
	})
	return err
}

func (s *Session) MarkViewed(ctx context.Context, conversationID int64, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	api, err := s.apiClient()
	if err != nil {
		return err
	}
	peer, ok := s.peers.peer(conversationID)
	if !ok {
		return fmt.Errorf("conversation %d not in peer cache", conversationID)
	}

	maxID := messageIDs[0]
	for _, id := range messageIDs[1:] {
		maxID = max(maxID, id)
	}
	if ch, ok := peer.(*tg.InputPeerChannel); ok {
		_, err = api.ChannelsReadHistory(ctx, &tg.ChannelsReadHistoryRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
			MaxID:   int(maxID),
		})
		return err
	}
	_, err = api.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{Peer: peer, MaxID: int(maxID)})
	return err
}

func (s *Session) Fetch(ctx context.Context, ref domain.FileRef, w io.Writer) error {
	api, err := s.apiClient()
	if err != nil {
		return err
	}
	loc, ok := s.files.get(ref.ID)
	if !ok {
		return fmt.Errorf("unknown file %q", ref.ID)
	}
	if _, err := downloader.NewDownloader().Download(api, loc).Stream(ctx, w); err != nil {
		return fmt.Errorf("download %s: %w", ref.ID, err)
	}
	s.files.forget(ref.ID)
	return nil
}
